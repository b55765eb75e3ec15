// Package orchestrator consumes the task and ML event streams and dispatches
// each event to the agent registered for its type. Each stream is read by a
// single loop in arrival order; the two streams run concurrently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"sylvia/pkg/events"
)

// Handler processes one event.
type Handler func(ctx context.Context, env events.Envelope) error

// Observer is told about every dispatch attempt.
type Observer func(env events.Envelope, err error, elapsed time.Duration)

// Options tune the loops.
type Options struct {
	// Block bounds each blocking read per stream. Streams not listed use
	// DefaultBlock.
	Block        map[string]time.Duration
	DefaultBlock time.Duration
	BatchSize    int
	// FromStart replays each stream from its first entry instead of
	// starting after the newest one.
	FromStart bool
	// DailyInterval runs RunDailyAnalysis periodically when positive.
	DailyInterval time.Duration
	OnDispatch    Observer
}

// DefaultOptions reads the task stream with a 5s bound and the ML stream
// with 1s.
func DefaultOptions() Options {
	return Options{
		Block: map[string]time.Duration{
			events.StreamTask: 5 * time.Second,
			events.StreamML:   time.Second,
		},
		DefaultBlock: 5 * time.Second,
		BatchSize:    10,
	}
}

const readErrorPause = time.Second

// Orchestrator routes stream events to handlers.
type Orchestrator struct {
	stream events.Stream
	opts   Options
	log    *slog.Logger

	mu       sync.RWMutex
	handlers map[string]map[events.Type]Handler
	agents   Agents

	stopped  atomic.Bool
	quit     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// New creates an Orchestrator reading from stream.
func New(stream events.Stream, opts Options, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if opts.DefaultBlock <= 0 {
		opts.DefaultBlock = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	return &Orchestrator{
		stream:   stream,
		opts:     opts,
		log:      log.With("component", "orchestrator"),
		handlers: make(map[string]map[events.Type]Handler),
		quit:     make(chan struct{}),
		now:      time.Now,
	}
}

// Handle registers h for events of type typ on stream, replacing any
// previous handler.
func (o *Orchestrator) Handle(stream string, typ events.Type, h Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handlers[stream] == nil {
		o.handlers[stream] = make(map[events.Type]Handler)
	}
	o.handlers[stream][typ] = h
}

func (o *Orchestrator) handler(stream string, typ events.Type) Handler {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.handlers[stream][typ]
}

func (o *Orchestrator) streams() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.handlers))
	for s := range o.handlers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Stop asks the loops to exit after the event in flight. A stopped
// Orchestrator cannot be restarted.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.stopped.Store(true)
		close(o.quit)
	})
}

// Run consumes every stream with a registered handler, plus the daily
// scheduler when configured, until ctx is done or Stop is called.
func (o *Orchestrator) Run(ctx context.Context) error {
	streams := o.streams()
	if len(streams) == 0 {
		return errors.New("orchestrator: no handlers registered")
	}
	o.log.Info("orchestrator started", "streams", streams, "from_start", o.opts.FromStart)

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range streams {
		g.Go(func() error { return o.consume(ctx, s) })
	}
	if a := o.bound(); o.opts.DailyInterval > 0 && a.Analyzer != nil && a.Users != nil {
		g.Go(func() error { return o.schedule(ctx) })
	}
	err := g.Wait()
	o.log.Info("orchestrator stopped")
	return err
}

func (o *Orchestrator) running(ctx context.Context) bool {
	return ctx.Err() == nil && !o.stopped.Load()
}

func (o *Orchestrator) consume(ctx context.Context, stream string) error {
	cursor := events.StartCursor
	if !o.opts.FromStart {
		tail, err := o.stream.Tail(ctx, stream)
		if err != nil {
			return fmt.Errorf("tail %s: %w", stream, err)
		}
		cursor = tail
	}
	block := o.opts.DefaultBlock
	if b, ok := o.opts.Block[stream]; ok && b > 0 {
		block = b
	}
	log := o.log.With("stream", stream)
	log.Info("consuming", "cursor", cursor)

	for o.running(ctx) {
		batch, err := o.stream.Read(ctx, stream, cursor, block, o.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error("read failed", "cursor", cursor, "err", err)
			select {
			case <-ctx.Done():
			case <-o.quit:
			case <-time.After(readErrorPause):
			}
			continue
		}
		for _, env := range batch {
			if !o.running(ctx) {
				break
			}
			if env.Stream == "" {
				env.Stream = stream
			}
			o.dispatch(ctx, env)
			// Advance on every attempt, failed or not.
			cursor = env.ID
		}
	}
	return nil
}

func (o *Orchestrator) dispatch(ctx context.Context, env events.Envelope) {
	if env.Event == nil {
		o.log.Warn("skip undecodable event", "stream", env.Stream, "id", env.ID)
		return
	}
	h := o.handler(env.Stream, env.Type())
	if h == nil {
		return
	}
	start := time.Now()
	err := h(ctx, env)
	elapsed := time.Since(start)
	if err != nil {
		o.log.Error("handler failed", "stream", env.Stream, "id", env.ID, "type", env.Type(), "task", env.Event.Task(), "err", err)
	} else {
		o.log.Debug("dispatched", "stream", env.Stream, "id", env.ID, "type", env.Type(), "elapsed", elapsed)
	}
	if o.opts.OnDispatch != nil {
		o.opts.OnDispatch(env, err, elapsed)
	}
}

func (o *Orchestrator) schedule(ctx context.Context) error {
	ticker := time.NewTicker(o.opts.DailyInterval)
	defer ticker.Stop()
	for o.running(ctx) {
		select {
		case <-ctx.Done():
			return nil
		case <-o.quit:
			return nil
		case <-ticker.C:
			if _, err := o.RunDailyAnalysis(ctx); err != nil {
				o.log.Error("daily analysis failed", "err", err)
			}
		}
	}
	return nil
}
