// Package badger persists call-stack rows in an embedded BadgerDB so that
// stacks can be queried after the run without replaying the trace.
//
// Quarks are only stable within one run, so every node and interval key is
// scoped by the run id of its row:
//
//	u/<run>                          order in which the run was first written
//	r/<run>/n/<quark>                node JSON
//	r/<run>/p/<path>                 quark of the node at path
//	r/<run>/i/<quark>/<start>/<seq>  interval JSON
//
// <run> is a 2-byte length followed by the run id. Integers are fixed-width
// big-endian; start is sign-flipped so that keys sort by time.
package badger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"gpucallstack/internal/callstack"
	"gpucallstack/internal/logger"
	"gpucallstack/internal/query"
	"gpucallstack/pkg/models"
)

const (
	prefixRun      = "u/"
	prefixScoped   = "r/"
	prefixNode     = "n/"
	prefixPath     = "p/"
	prefixInterval = "i/"

	// DefaultRun holds rows written without a run id.
	DefaultRun = "default"
)

// Config configures the store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path       string
	InMemory   bool
	SyncWrites bool
}

// Store is a Badger-backed row writer and stack query. Queries read one run:
// the one selected with UseRun, or the most recently started run.
type Store struct {
	db  *badger.DB
	seq atomic.Uint64

	mu      sync.Mutex
	runs    map[string]uint64
	lastRun uint64
	current string
}

type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{})   { logger.Errorf(format, args...) }
func (badgerLogger) Warningf(format string, args ...interface{}) { logger.Warnf(format, args...) }
func (badgerLogger) Infof(format string, args ...interface{})    { logger.Debugf(format, args...) }
func (badgerLogger) Debugf(format string, args ...interface{})   { logger.Debugf(format, args...) }

// Open opens or creates the store.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	s := &Store{db: db, runs: make(map[string]uint64)}
	if err := s.restore(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// UseRun selects the run read by At, Nodes and Paths. An empty id selects
// the most recently started run.
func (s *Store) UseRun(runID string) {
	s.mu.Lock()
	s.current = runID
	s.mu.Unlock()
}

// Runs returns the stored run ids, oldest first.
func (s *Store) Runs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.runs))
	for run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return s.runs[out[i]] < s.runs[out[j]] })
	return out, nil
}

// WriteRows stores a batch of rows.
func (s *Store) WriteRows(rows []*models.Row) error {
	if len(rows) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	started := make(map[string]uint64)
	for _, row := range rows {
		if row == nil {
			continue
		}
		run := runOf(row)
		if err := s.registerRun(wb, run, started); err != nil {
			return err
		}
		switch row.RecordType {
		case models.RecordNode:
			parent := -1
			if row.Parent != nil {
				parent = *row.Parent
			}
			node := models.Node{Quark: row.Quark, Parent: parent, Label: row.Label, Path: labelsOf(row)}
			val, err := json.Marshal(node)
			if err != nil {
				return fmt.Errorf("encode node %d: %w", row.Quark, err)
			}
			if err := wb.Set(nodeKey(run, row.Quark), val); err != nil {
				return fmt.Errorf("set node %d: %w", row.Quark, err)
			}
			if err := wb.Set(pathKey(run, models.JoinPath(node.Path)), u64(uint64(row.Quark))); err != nil {
				return fmt.Errorf("set path %q: %w", row.Path, err)
			}
		case models.RecordInterval:
			iv, _ := row.Interval()
			val, err := json.Marshal(iv)
			if err != nil {
				return fmt.Errorf("encode interval: %w", err)
			}
			if err := wb.Set(intervalKey(run, iv.Quark, iv.Start, s.seq.Add(1)), val); err != nil {
				return fmt.Errorf("set interval: %w", err)
			}
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush badger batch: %w", err)
	}

	s.mu.Lock()
	for run, order := range started {
		s.runs[run] = order
	}
	s.mu.Unlock()
	return nil
}

// registerRun writes the run marker the first time run is seen.
func (s *Store) registerRun(wb *badger.WriteBatch, run string, started map[string]uint64) error {
	if _, ok := started[run]; ok {
		return nil
	}
	s.mu.Lock()
	_, known := s.runs[run]
	var order uint64
	if !known {
		s.lastRun++
		order = s.lastRun
	}
	s.mu.Unlock()
	if known {
		return nil
	}
	if err := wb.Set(runKey(run), u64(order)); err != nil {
		return fmt.Errorf("set run %q: %w", run, err)
	}
	started[run] = order
	return nil
}

// At returns the frames open on path at ts, outermost first.
func (s *Store) At(path string, ts int64) ([]models.Interval, error) {
	run, err := s.activeRun()
	if err != nil {
		return nil, err
	}
	leaf := models.JoinPath(query.LeafPath(path))
	var ivs []models.Interval

	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pathKey(run, leaf))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s (run %s)", query.ErrUnknownPath, path, run)
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		quark := int(binary.BigEndian.Uint64(raw))

		prefix := intervalPrefix(run, quark)
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 64, Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if startOf(it.Item().Key()) > ts {
				break
			}
			var iv models.Interval
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &iv) }); err != nil {
				return fmt.Errorf("decode interval: %w", err)
			}
			ivs = append(ivs, iv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return query.Active(ivs, ts), nil
}

// Nodes returns every node of the selected run ordered by quark.
func (s *Store) Nodes() ([]models.Node, error) {
	run, err := s.activeRun()
	if err != nil {
		return nil, err
	}
	var nodes []models.Node
	err = s.db.View(func(txn *badger.Txn) error {
		prefix := append(scopedPrefix(run), prefixNode...)
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var n models.Node
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &n) }); err != nil {
				return fmt.Errorf("decode node: %w", err)
			}
			nodes = append(nodes, n)
		}
		return nil
	})
	return nodes, err
}

// Paths returns every entity of the selected run that has a call stack,
// sorted.
func (s *Store) Paths() ([]string, error) {
	nodes, err := s.Nodes()
	if errors.Is(err, query.ErrNoRuns) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, n := range nodes {
		if n.Label == callstack.StackLabel {
			out = append(out, models.JoinPath(n.Path[:len(n.Path)-1]))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) activeRun() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != "" {
		if _, ok := s.runs[s.current]; !ok {
			return "", fmt.Errorf("%w: %s", query.ErrUnknownRun, s.current)
		}
		return s.current, nil
	}
	var latest string
	var order uint64
	for run, o := range s.runs {
		if o > order {
			latest, order = run, o
		}
	}
	if latest == "" {
		return "", query.ErrNoRuns
	}
	return latest, nil
}

// restore loads run markers and continues interval sequence numbers past
// any already stored.
func (s *Store) restore() error {
	var maxSeq uint64
	err := s.db.View(func(txn *badger.Txn) error {
		runs := []byte(prefixRun)
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: runs})
		for it.Seek(runs); it.ValidForPrefix(runs); it.Next() {
			var order uint64
			if err := it.Item().Value(func(v []byte) error {
				order = binary.BigEndian.Uint64(v)
				return nil
			}); err != nil {
				it.Close()
				return err
			}
			run := string(it.Item().Key()[len(prefixRun):])
			s.runs[run] = order
			if order > s.lastRun {
				s.lastRun = order
			}
		}
		it.Close()

		scoped := []byte(prefixScoped)
		it = txn.NewIterator(badger.IteratorOptions{Prefix: scoped})
		defer it.Close()
		for it.Seek(scoped); it.ValidForPrefix(scoped); it.Next() {
			key := it.Item().Key()
			if !isIntervalKey(key) {
				continue
			}
			if seq := binary.BigEndian.Uint64(key[len(key)-8:]); seq > maxSeq {
				maxSeq = seq
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan store keys: %w", err)
	}
	s.seq.Store(maxSeq)
	return nil
}

func runOf(row *models.Row) string {
	if row.RunID == "" {
		return DefaultRun
	}
	return row.RunID
}

func labelsOf(row *models.Row) []string {
	if len(row.Labels) > 0 {
		return row.Labels
	}
	return models.SplitPath(row.Path)
}

func runKey(run string) []byte {
	return append([]byte(prefixRun), run...)
}

func scopedPrefix(run string) []byte {
	key := make([]byte, 0, len(prefixScoped)+2+len(run)+1)
	key = append(key, prefixScoped...)
	key = binary.BigEndian.AppendUint16(key, uint16(len(run)))
	key = append(key, run...)
	return append(key, '/')
}

// isIntervalKey reports whether a scoped key holds an interval.
func isIntervalKey(key []byte) bool {
	off := len(prefixScoped)
	if len(key) < off+2 {
		return false
	}
	off += 2 + int(binary.BigEndian.Uint16(key[off:])) + 1
	return len(key) > off+len(prefixInterval) && string(key[off:off+len(prefixInterval)]) == prefixInterval
}

func nodeKey(run string, quark int) []byte {
	key := append(scopedPrefix(run), prefixNode...)
	return append(key, u64(uint64(quark))...)
}

func pathKey(run, path string) []byte {
	key := append(scopedPrefix(run), prefixPath...)
	return append(key, path...)
}

func intervalPrefix(run string, quark int) []byte {
	key := append(scopedPrefix(run), prefixInterval...)
	key = append(key, u64(uint64(quark))...)
	return append(key, '/')
}

func intervalKey(run string, quark int, start int64, seq uint64) []byte {
	key := intervalPrefix(run, quark)
	key = append(key, u64(uint64(start)^(1<<63))...)
	key = append(key, '/')
	return append(key, u64(seq)...)
}

// startOf decodes the start time from an interval key. The key ends with
// <start>/<seq>.
func startOf(key []byte) int64 {
	off := len(key) - 8 - 1 - 8
	return int64(binary.BigEndian.Uint64(key[off:off+8]) ^ (1 << 63))
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
