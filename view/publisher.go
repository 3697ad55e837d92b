package view

import (
	"sync"

	"github.com/reactivedoc/core/document"
)

// deltaPublisher fans out both the raw Delta and the full replayed
// results array to subscribers, matching spec §4.4 ("emits the full
// result array on any non-empty delta" plus a replay for new
// subscribers).
type deltaPublisher struct {
	mu          sync.Mutex
	resultSubs  map[int]func([]*document.Document)
	deltaSubs   map[int]func(Delta)
	nextID      int
	lastResults []*document.Document
	hasResults  bool
	done        bool
}

func newDeltaPublisher() *deltaPublisher {
	return &deltaPublisher{
		resultSubs: make(map[int]func([]*document.Document)),
		deltaSubs:  make(map[int]func(Delta)),
	}
}

func (p *deltaPublisher) subscribeResults(fn func([]*document.Document)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.resultSubs[id] = fn
	hasResults := p.hasResults
	results := p.lastResults
	p.mu.Unlock()

	if hasResults {
		safeCallResults(fn, results)
	}

	return func() {
		p.mu.Lock()
		delete(p.resultSubs, id)
		p.mu.Unlock()
	}
}

func (p *deltaPublisher) subscribeDelta(fn func(Delta)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.deltaSubs[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.deltaSubs, id)
		p.mu.Unlock()
	}
}

func (p *deltaPublisher) publish(delta Delta, results []*document.Document) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.lastResults = results
	p.hasResults = true
	resultFns := make([]func([]*document.Document), 0, len(p.resultSubs))
	for _, fn := range p.resultSubs {
		resultFns = append(resultFns, fn)
	}
	deltaFns := make([]func(Delta), 0, len(p.deltaSubs))
	for _, fn := range p.deltaSubs {
		deltaFns = append(deltaFns, fn)
	}
	p.mu.Unlock()

	for _, fn := range resultFns {
		safeCallResults(fn, results)
	}
	for _, fn := range deltaFns {
		safeCallDelta(fn, delta)
	}
}

func (p *deltaPublisher) complete() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
}

func safeCallResults(fn func([]*document.Document), results []*document.Document) {
	defer func() { _ = recover() }()
	fn(results)
}

func safeCallDelta(fn func(Delta), delta Delta) {
	defer func() { _ = recover() }()
	fn(delta)
}
