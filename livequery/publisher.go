// Package livequery implements the reactive query engine of spec §4.3:
// a result set that subscribes to a change stream and maintains itself
// via eventreduce.Reduce, falling back to re-execution on ambiguous
// cases. The "observable stream" redesign flagged in spec §9 is realized
// here as an explicit Publisher with shareReplay(1) semantics rather
// than an Rx-style Subject, generalizing the onChangeCallbacks list of
// crdtstorage.Document (luvjson/crdtstorage/document.go) into a
// reusable generic type that also replays the last value to late
// subscribers, matching crdtmonitor's full-state replay to new
// subscribers.
package livequery

import "sync"

// Publisher is a synchronous, last-value-replaying fan-out: Subscribe
// delivers the current value immediately, then every later Publish
// call, on the goroutine that calls Publish (spec §5: delivery happens
// synchronously within the dispatching turn).
type Publisher[T any] struct {
	mu       sync.Mutex
	value    T
	hasValue bool
	subs     map[int]func(T)
	nextID   int
	done     bool
}

// NewPublisher creates an empty publisher; the first Publish call
// establishes the replayed value.
func NewPublisher[T any]() *Publisher[T] {
	return &Publisher[T]{subs: make(map[int]func(T))}
}

// Publish stores value as the new replay value and delivers it to every
// current subscriber. A no-op after Complete.
func (p *Publisher[T]) Publish(value T) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.value = value
	p.hasValue = true
	subs := make([]func(T), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	for _, fn := range subs {
		deliver(fn, value)
	}
}

// deliver isolates a subscriber callback so a panicking subscriber can
// never poison delivery to its peers (spec §7).
func deliver[T any](fn func(T), value T) {
	defer func() { _ = recover() }()
	fn(value)
}

// Subscribe registers fn and, if a value has already been published,
// delivers it synchronously before returning. The returned function
// unsubscribes and is idempotent.
func (p *Publisher[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	hasValue := p.hasValue
	value := p.value
	p.mu.Unlock()

	if hasValue {
		deliver(fn, value)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
}

// Complete marks the publisher as terminated: further Publish calls are
// ignored. Idempotent.
func (p *Publisher[T]) Complete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = true
}
