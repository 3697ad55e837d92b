package livequery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reactivedoc/core/document"
	"github.com/reactivedoc/core/eventreduce"
	"github.com/reactivedoc/core/query"
	"github.com/reactivedoc/core/reactivelog"
)

// State is the public shape of a live query's result (spec §3).
type State struct {
	Data        []*document.Document
	IsLoading   bool
	Error       error
	LastUpdated int64 // epoch milliseconds
}

// Executor runs spec against whatever backs the collection and returns
// the full, sorted, limited result set. It is the suspension point a
// Live Query invokes on initial execution, on refresh(), and whenever
// EventReduce signals ReExecute (spec §5).
type Executor func(ctx context.Context, spec query.Spec) ([]*document.Document, error)

// ChangeSource is the change stream a Live Query subscribes to. Any
// DocumentStore's changes() output satisfies this once adapted.
type ChangeSource interface {
	Subscribe(handler func(document.ChangeEvent)) (unsubscribe func())
}

// Options configures a Live Query (spec §6).
type Options struct {
	DebounceMs     int
	UseEventReduce bool
	InitialData    []*document.Document
	Logger         *zap.Logger
}

// maxBufferedEventsBeforeReExecute: once a debounce buffer holds more
// than this many events, a full re-execution is cheaper and simpler
// than replaying every event in order (spec §4.3).
const maxBufferedEventsBeforeReExecute = 5

// LiveQuery is a reactive result set maintained under a ChangeSource via
// EventReduce, with re-execution fallback (spec §4.3).
type LiveQuery struct {
	spec     query.Spec
	exec     Executor
	source   ChangeSource
	opts     Options
	logger   *zap.Logger
	statePub *Publisher[State]

	mu          sync.Mutex
	current     []*document.Document
	isExecuting bool
	started     bool
	unsubscribe func()
	destroyed   bool

	debounceMu sync.Mutex
	pending    []document.ChangeEvent
	debounceAt *time.Timer
}

// New constructs a Live Query. Call Start to begin executing and
// subscribing.
func New(spec query.Spec, exec Executor, source ChangeSource, opts Options) *LiveQuery {
	if opts.Logger == nil {
		opts.Logger = reactivelog.Nop()
	}
	lq := &LiveQuery{
		spec:     spec,
		exec:     exec,
		source:   source,
		opts:     opts,
		logger:   opts.Logger,
		statePub: NewPublisher[State](),
	}
	if opts.InitialData != nil {
		lq.current = opts.InitialData
		lq.statePub.Publish(State{Data: opts.InitialData})
	}
	return lq
}

// Start runs the initial query and subscribes to the change source.
// Idempotent.
func (lq *LiveQuery) Start(ctx context.Context) {
	lq.mu.Lock()
	if lq.started || lq.destroyed {
		lq.mu.Unlock()
		return
	}
	lq.started = true
	lq.mu.Unlock()

	lq.execute(ctx)

	unsub := lq.source.Subscribe(func(event document.ChangeEvent) {
		lq.handleEvent(ctx, event)
	})
	lq.mu.Lock()
	lq.unsubscribe = unsub
	lq.mu.Unlock()
}

// Stop detaches the subscription without destroying state (spec §5): a
// stopped Live Query can be restarted with Start.
func (lq *LiveQuery) Stop() {
	lq.mu.Lock()
	unsub := lq.unsubscribe
	lq.unsubscribe = nil
	lq.started = false
	lq.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	lq.cancelDebounce()
}

// Destroy completes the state stream exactly once and is idempotent
// (spec §5).
func (lq *LiveQuery) Destroy() {
	lq.Stop()

	lq.mu.Lock()
	already := lq.destroyed
	lq.destroyed = true
	lq.mu.Unlock()

	if !already {
		lq.statePub.Complete()
	}
}

// Refresh forces a full re-execution, the user-visible escape hatch
// from EventReduce (spec §4.3).
func (lq *LiveQuery) Refresh(ctx context.Context) {
	lq.execute(ctx)
}

// SubscribeState delivers the current state immediately, then every
// future state (shareReplay(1) semantics, spec §9).
func (lq *LiveQuery) SubscribeState(fn func(State)) (unsubscribe func()) {
	return lq.statePub.Subscribe(fn)
}

// SubscribeData is a convenience wrapper that calls fn with Data for
// every published State whose Error is nil (loading states included,
// whether or not Data changed), unwrapping the envelope State most
// callers don't need.
func (lq *LiveQuery) SubscribeData(fn func([]*document.Document)) (unsubscribe func()) {
	return lq.statePub.Subscribe(func(s State) {
		if s.Error == nil {
			fn(s.Data)
		}
	})
}

// execute runs the executor; a concurrent call is elided via the
// isExecuting guard (spec §4.3).
func (lq *LiveQuery) execute(ctx context.Context) {
	lq.mu.Lock()
	if lq.isExecuting {
		lq.mu.Unlock()
		return
	}
	lq.isExecuting = true
	lastGood := lq.current
	lq.mu.Unlock()

	lq.statePub.Publish(State{Data: lastGood, IsLoading: true})

	results, err := lq.exec(ctx, lq.spec)

	lq.mu.Lock()
	lq.isExecuting = false
	if err != nil {
		lq.mu.Unlock()
		lq.logger.Warn("livequery: executor failed", zap.Error(err))
		// Failures surface as state.Error, clear isLoading, and
		// preserve the last-good data (spec §4.3).
		lq.statePub.Publish(State{Data: lastGood, IsLoading: false, Error: err})
		return
	}
	lq.current = results
	lq.mu.Unlock()

	lq.statePub.Publish(State{Data: results, IsLoading: false, LastUpdated: nowMillis()})
}

func (lq *LiveQuery) handleEvent(ctx context.Context, event document.ChangeEvent) {
	if !lq.opts.UseEventReduce {
		lq.execute(ctx)
		return
	}
	if lq.opts.DebounceMs > 0 {
		lq.bufferEvent(ctx, event)
		return
	}
	lq.applyOne(ctx, event)
}

func (lq *LiveQuery) applyOne(ctx context.Context, event document.ChangeEvent) {
	lq.mu.Lock()
	current := lq.current
	lq.mu.Unlock()

	action := eventreduce.Reduce(event, current, lq.spec)
	if action.Kind == eventreduce.ReExecute {
		lq.execute(ctx)
		return
	}
	if action.Kind == eventreduce.NoChange {
		return
	}

	updated := eventreduce.Apply(current, action, lq.spec)
	lq.mu.Lock()
	lq.current = updated
	lq.mu.Unlock()

	lq.statePub.Publish(State{Data: updated, IsLoading: false, LastUpdated: nowMillis()})
}

func (lq *LiveQuery) bufferEvent(ctx context.Context, event document.ChangeEvent) {
	lq.debounceMu.Lock()
	lq.pending = append(lq.pending, event)
	if lq.debounceAt != nil {
		lq.debounceAt.Stop()
	}
	lq.debounceAt = time.AfterFunc(time.Duration(lq.opts.DebounceMs)*time.Millisecond, func() {
		lq.flushDebounce(ctx)
	})
	lq.debounceMu.Unlock()
}

// flushDebounce applies buffered events in order, or re-executes if the
// buffer grew past maxBufferedEventsBeforeReExecute (spec §4.3). Only
// the most recently scheduled flush ever fires (spec §5).
func (lq *LiveQuery) flushDebounce(ctx context.Context) {
	lq.debounceMu.Lock()
	events := lq.pending
	lq.pending = nil
	lq.debounceAt = nil
	lq.debounceMu.Unlock()

	if len(events) == 0 {
		return
	}
	if len(events) > maxBufferedEventsBeforeReExecute {
		lq.execute(ctx)
		return
	}
	for _, e := range events {
		lq.applyOne(ctx, e)
	}
}

func (lq *LiveQuery) cancelDebounce() {
	lq.debounceMu.Lock()
	defer lq.debounceMu.Unlock()
	if lq.debounceAt != nil {
		lq.debounceAt.Stop()
		lq.debounceAt = nil
	}
	lq.pending = nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
