package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"gpucallstack/internal/callstack"
	"gpucallstack/internal/query"
	"gpucallstack/pkg/models"
)

// Config configures Redis access for call-stack persistence.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Store keeps one hash per node, a path index hash and one sorted set of
// intervals per call-stack leaf scored by start time. Quarks are only
// stable within one run, so those keys are scoped by run id:
//
//	<prefix>:runs                     run ids scored by first write
//	<prefix>:{<run>}:node:<quark>     node hash
//	<prefix>:{<run>}:paths            path -> quark
//	<prefix>:{<run>}:intervals:<quark>
//
// Queries read the run selected with UseRun, or the most recently started
// run.
type Store struct {
	client  *redis.Client
	prefix  string
	current string
}

// DefaultRun holds rows written without a run id.
const DefaultRun = "default"

// member is the sorted-set payload of one interval.
type member struct {
	Label string `json:"label"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
	Depth int    `json:"depth"`
}

// NewStore constructs a Redis-backed store.
func NewStore(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "gpucallstack"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis store: %w", err)
	}

	return &Store{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix)}, nil
}

// WriteRows stores a batch of rows in one pipeline.
func (s *Store) WriteRows(rows []*models.Row) error {
	if len(rows) == 0 {
		return nil
	}
	ctx := context.Background()
	pipe := s.client.Pipeline()
	started := time.Now().UnixMicro()
	seen := make(map[string]bool)

	for _, row := range rows {
		if row == nil {
			continue
		}
		run := runOf(row)
		if !seen[run] {
			seen[run] = true
			pipe.ZAddNX(ctx, s.runsKey(), redis.Z{Score: float64(started), Member: run})
		}
		switch row.RecordType {
		case models.RecordNode:
			parent := -1
			if row.Parent != nil {
				parent = *row.Parent
			}
			pipe.HSet(ctx, s.nodeKey(run, row.Quark),
				"label", row.Label,
				"parent", strconv.Itoa(parent),
				"path", row.Path,
			)
			pipe.HSet(ctx, s.pathIndexKey(run), row.Path, strconv.Itoa(row.Quark))
		case models.RecordInterval:
			payload, err := encodeMember(row)
			if err != nil {
				return err
			}
			pipe.ZAdd(ctx, s.intervalsKey(run, row.Quark), redis.Z{Score: float64(row.Start), Member: payload})
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write call-stack redis keys: %w", err)
	}
	return nil
}

// At returns the frames open on path at ts, outermost first.
func (s *Store) At(path string, ts int64) ([]models.Interval, error) {
	ctx := context.Background()
	run, err := s.activeRun(ctx)
	if err != nil {
		return nil, err
	}
	labels := query.LeafPath(path)
	leaf := models.JoinPath(labels)

	raw, err := s.client.HGet(ctx, s.pathIndexKey(run), leaf).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s (run %s)", query.ErrUnknownPath, path, run)
	}
	if err != nil {
		return nil, fmt.Errorf("read path index: %w", err)
	}
	quark, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("decode quark for %s: %w", leaf, err)
	}

	members, err := s.client.ZRangeByScore(ctx, s.intervalsKey(run, quark), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(ts, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read intervals: %w", err)
	}

	ivs := make([]models.Interval, 0, len(members))
	for _, m := range members {
		iv, ok := decodeMember(m)
		if !ok {
			continue
		}
		iv.Quark = quark
		iv.Path = labels
		ivs = append(ivs, iv)
	}
	return query.Active(ivs, ts), nil
}

// Paths returns every entity of the selected run that has a call stack,
// sorted.
func (s *Store) Paths() ([]string, error) {
	ctx := context.Background()
	run, err := s.activeRun(ctx)
	if errors.Is(err, query.ErrNoRuns) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	keys, err := s.client.HKeys(ctx, s.pathIndexKey(run)).Result()
	if err != nil {
		return nil, fmt.Errorf("read path index: %w", err)
	}
	var out []string
	for _, key := range keys {
		labels := models.SplitPath(key)
		if n := len(labels); n > 0 && labels[n-1] == callstack.StackLabel {
			out = append(out, models.JoinPath(labels[:n-1]))
		}
	}
	sort.Strings(out)
	return out, nil
}

// UseRun selects the run read by At and Paths. An empty id selects the most
// recently started run.
func (s *Store) UseRun(runID string) {
	s.current = runID
}

// Runs returns the stored run ids, oldest first.
func (s *Store) Runs() ([]string, error) {
	runs, err := s.client.ZRange(context.Background(), s.runsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read runs: %w", err)
	}
	return runs, nil
}

func (s *Store) activeRun(ctx context.Context) (string, error) {
	if s.current != "" {
		_, err := s.client.ZScore(ctx, s.runsKey(), s.current).Result()
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%w: %s", query.ErrUnknownRun, s.current)
		}
		if err != nil {
			return "", fmt.Errorf("read runs: %w", err)
		}
		return s.current, nil
	}
	latest, err := s.client.ZRevRange(ctx, s.runsKey(), 0, 0).Result()
	if err != nil {
		return "", fmt.Errorf("read runs: %w", err)
	}
	if len(latest) == 0 {
		return "", query.ErrNoRuns
	}
	return latest[0], nil
}

// Close closes Redis resources.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) runsKey() string {
	return s.prefix + ":runs"
}

func (s *Store) runPrefix(run string) string {
	return s.prefix + ":{" + run + "}"
}

func (s *Store) nodeKey(run string, quark int) string {
	return s.runPrefix(run) + ":node:" + strconv.Itoa(quark)
}

func (s *Store) pathIndexKey(run string) string {
	return s.runPrefix(run) + ":paths"
}

func (s *Store) intervalsKey(run string, quark int) string {
	return s.runPrefix(run) + ":intervals:" + strconv.Itoa(quark)
}

func runOf(row *models.Row) string {
	if row.RunID == "" {
		return DefaultRun
	}
	return row.RunID
}

func encodeMember(row *models.Row) (string, error) {
	b, err := json.Marshal(member{Label: row.Label, Start: row.Start, End: row.End, Depth: row.Depth})
	if err != nil {
		return "", fmt.Errorf("encode interval member: %w", err)
	}
	return string(b), nil
}

func decodeMember(raw string) (models.Interval, bool) {
	var m member
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return models.Interval{}, false
	}
	return models.Interval{Label: m.Label, Start: m.Start, End: m.End, Depth: m.Depth}, true
}
