package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gpucallstack/internal/callstack"
	"gpucallstack/internal/dispatch"
	"gpucallstack/internal/handlers"
	"gpucallstack/internal/layout"
	"gpucallstack/internal/logger"
	"gpucallstack/internal/metrics"
	"gpucallstack/internal/rules"
	"gpucallstack/internal/transform/traceevent"
	"gpucallstack/pkg/models"
)

// Options configures a Pipeline.
type Options struct {
	Source   Source
	Layout   layout.Layout
	Handlers []handlers.Handler
	Filter   rules.Filter
	Writer   RowWriter

	// RunID tags every row. A random UUID is used when empty.
	RunID string
	// SinkName labels write metrics.
	SinkName string

	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration

	// SkipFlush leaves frames still open at end of input unrecorded.
	SkipFlush bool
}

// Stats summarizes one run.
type Stats struct {
	RunID       string
	Events      int
	ParseErrors int
	Filtered    int
	Outcomes    map[string]int
	Nodes       int
	Intervals   int
	Flushed     int
	RowsWritten int
	LastTS      int64
}

// Pipeline reads trace events, applies them to a call-stack model in arrival
// order and writes the resulting rows.
type Pipeline struct {
	opts  Options
	model *callstack.Model
	disp  *dispatch.Dispatcher

	pending []*models.Row
	stats   Stats
	seenTS  bool
	readErr error
}

// New validates opts and builds an empty model.
func New(opts Options) (*Pipeline, error) {
	if opts.Source == nil {
		return nil, ErrNoSource
	}
	if opts.Writer == nil {
		return nil, fmt.Errorf("pipeline: writer is required")
	}
	if opts.Layout == nil {
		l, err := layout.New(layout.DefaultConfig())
		if err != nil {
			return nil, err
		}
		opts.Layout = l
	}
	if len(opts.Handlers) == 0 {
		opts.Handlers = handlers.Defaults(handlers.AgentClassifier{})
	}
	if opts.Filter == nil {
		opts.Filter = &rules.NoopFilter{}
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.SinkName == "" {
		opts.SinkName = "rows"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}

	p := &Pipeline{
		opts:  opts,
		stats: Stats{RunID: opts.RunID, Outcomes: make(map[string]int)},
	}
	p.model = callstack.NewModel(p.onNode, callstack.SinkFunc(p.onInterval))
	disp, err := dispatch.New(p.model, opts.Layout, opts.Handlers...)
	if err != nil {
		return nil, err
	}
	p.disp = disp
	return p, nil
}

// Model exposes the call-stack model. It must not be read while Run is active.
func (p *Pipeline) Model() *callstack.Model {
	return p.model
}

// Run consumes the source until end of input or cancellation. At end of input
// the frames still open are closed at the last observed timestamp. A read
// error the source does not report as retryable ends input early: the flush
// still runs and the error is returned after the final rows are written.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	logger.Infof("Call-stack pipeline started (run_id=%s)", p.opts.RunID)

	g, gctx := errgroup.WithContext(ctx)
	msgCh := make(chan []byte, 256)
	rowCh := make(chan []*models.Row, 64)

	g.Go(func() error {
		defer close(msgCh)
		return p.readLoop(gctx, msgCh)
	})
	g.Go(func() error {
		defer close(rowCh)
		return p.applyLoop(gctx, msgCh, rowCh)
	})
	g.Go(func() error {
		return p.writeLoop(gctx, rowCh)
	})

	err := g.Wait()
	if err == nil && p.readErr != nil {
		err = fmt.Errorf("read trace events: %w", p.readErr)
	}
	logger.Infof("Call-stack pipeline finished (run_id=%s events=%d intervals=%d flushed=%d rows=%d)",
		p.stats.RunID, p.stats.Events, p.stats.Intervals, p.stats.Flushed, p.stats.RowsWritten)
	return p.stats, err
}

// Close releases pipeline resources.
func (p *Pipeline) Close() error {
	if p.opts.Writer != nil {
		if err := p.opts.Writer.Close(); err != nil {
			logger.Errorf("Failed to close row writer: %v", err)
		}
	}
	if p.opts.Source != nil {
		return p.opts.Source.Close()
	}
	return nil
}

func (p *Pipeline) readLoop(ctx context.Context, out chan<- []byte) error {
	for {
		payload, err := p.opts.Source.Pop(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !p.retryable(err) {
				logger.Errorf("Stopping input after read failure: %v", err)
				p.readErr = err
				return nil
			}
			logger.Errorf("Failed to read trace event: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if payload == nil {
			continue
		}
		select {
		case out <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pipeline) retryable(err error) bool {
	rs, ok := p.opts.Source.(RetryableSource)
	return ok && rs.Retryable(err)
}

func (p *Pipeline) applyLoop(ctx context.Context, in <-chan []byte, out chan<- []*models.Row) error {
	emit := func() error {
		if len(p.pending) == 0 {
			return nil
		}
		rows := p.pending
		p.pending = nil
		select {
		case out <- rows:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-in:
			if !ok {
				if !p.opts.SkipFlush {
					p.flushOpen()
				}
				return emit()
			}
			p.apply(payload)
			if err := emit(); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) apply(payload []byte) {
	ev, err := traceevent.Parse(payload)
	if err != nil {
		p.stats.ParseErrors++
		metrics.RecordParseError()
		logger.Warnf("Failed to parse trace event: %v", err)
		return
	}
	p.stats.Events++
	if !p.seenTS || ev.Timestamp > p.stats.LastTS {
		p.stats.LastTS = ev.Timestamp
		p.seenTS = true
	}

	if !p.opts.Filter.Allow(ev) {
		p.stats.Filtered++
		metrics.RecordFiltered()
		return
	}

	outcome := p.disp.Dispatch(ev)
	p.stats.Outcomes[outcome.String()]++
	metrics.RecordEvent(p.opts.Layout.Kind(ev), outcome.String())
	metrics.SetOpenFrames(p.model.Stacks.OpenFrames())
}

func (p *Pipeline) flushOpen() {
	open := p.model.Stacks.OpenFrames()
	if open == 0 {
		return
	}
	closed := p.model.Stacks.CloseAll(p.stats.LastTS)
	p.stats.Flushed += closed
	metrics.RecordFlushed(closed)
	metrics.SetOpenFrames(0)
	logger.Infof("Closed %d open frames at end of trace (ts=%d)", closed, p.stats.LastTS)
}

func (p *Pipeline) onNode(n models.Node) {
	p.stats.Nodes++
	metrics.RecordNode()
	p.pending = append(p.pending, models.NodeRow(p.opts.RunID, n))
}

func (p *Pipeline) onInterval(iv models.Interval) {
	p.stats.Intervals++
	metrics.RecordInterval()
	p.pending = append(p.pending, models.IntervalRow(p.opts.RunID, iv))
}

func (p *Pipeline) writeLoop(ctx context.Context, in <-chan []*models.Row) error {
	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()

	var batch []*models.Row

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		var err error
		for attempt := 0; attempt <= p.opts.MaxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(p.opts.RetryDelay):
				}
			}
			err = p.opts.Writer.WriteRows(batch)
			metrics.RecordWrite(p.opts.SinkName, len(batch), err)
			if err == nil {
				p.stats.RowsWritten += len(batch)
				batch = nil
				return nil
			}
			logger.Errorf("Failed to write %d rows (attempt %d): %v", len(batch), attempt+1, err)
		}
		return fmt.Errorf("write rows: %w", err)
	}

	for {
		select {
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		case rows, ok := <-in:
			if !ok {
				return flush()
			}
			batch = append(batch, rows...)
			if len(batch) >= p.opts.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}
