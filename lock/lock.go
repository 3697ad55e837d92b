// Package lock implements the Distributed Lock of spec §4.8: named
// advisory locks held over a broadcast.Channel, with priority
// tie-breaks, bounded acquire waits, expiry and a cleanup sweep. It is
// grounded on luvjson/crdtstorage's DistributedLock (SETNX-style
// acquire plus a Lua-scripted release and a refresh ticker against
// Redis), generalized here from a single Redis-backed implementation
// to a protocol running over any broadcast.Channel, with
// lock.RedisLock kept as the Redis-specific analogue of the teacher's
// design for deployments that want a server-enforced lock instead of a
// purely peer-negotiated one.
package lock

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reactivedoc/core/broadcast"
	"github.com/reactivedoc/core/reactivelog"
)

const (
	msgRequest  = "request"
	msgAcquired = "acquired"
	msgReleased = "released"
	msgRejected = "rejected"
)

// Options configures a Manager (spec §6 "Locks").
type Options struct {
	LockExpiry time.Duration // default 30000ms
	Logger     *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.LockExpiry <= 0 {
		o.LockExpiry = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = reactivelog.Nop()
	}
	return o
}

// DistributedLock is the capability both Manager (broadcast-negotiated)
// and RedisLock (server-enforced) satisfy, so election and crosssync
// can depend on the interface rather than a concrete implementation.
type DistributedLock interface {
	Acquire(ctx context.Context, resource string) bool
	Release(ctx context.Context, resource string)
	WithLock(ctx context.Context, resource string, fn func(ctx context.Context) error) (bool, error)
}

type wireMessage struct {
	Type      string    `json:"type"`
	TabID     string    `json:"tabId"`
	Resource  string    `json:"resource"`
	Priority  int64     `json:"priority"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type record struct {
	holder    string
	expiresAt time.Time
}

// Manager negotiates advisory locks for one tab over a
// broadcast.Channel (spec §4.8). A nil Channel makes every acquire
// succeed immediately (the single-tab fallback).
type Manager struct {
	tabID string
	ch    broadcast.Channel
	opts  Options

	mu                sync.Mutex
	records           map[string]record
	pending           map[string]*pendingAcquire
	heartbeatInterval time.Duration

	unsubscribe func()
	sweepStop   chan struct{}
}

type pendingAcquire struct {
	priority int64
	resultCh chan bool
	done     bool
}

// New constructs a Manager. heartbeatInterval is the election
// heartbeat interval the request-timeout (3*heartbeatInterval, spec
// §4.8 step 2) is scaled from.
func New(tabID string, ch broadcast.Channel, heartbeatInterval time.Duration, opts Options) *Manager {
	if heartbeatInterval <= 0 {
		heartbeatInterval = time.Second
	}
	m := &Manager{
		tabID:             tabID,
		ch:                ch,
		opts:              opts.withDefaults(),
		records:           make(map[string]record),
		pending:           make(map[string]*pendingAcquire),
		heartbeatInterval: heartbeatInterval,
	}
	if ch != nil {
		m.unsubscribe = ch.Subscribe(m.handleMessage)
	}
	m.startSweep()
	return m
}

// Acquire attempts to obtain resource, blocking up to
// 3*heartbeatInterval (spec §4.8 step 2). Returns false on contention
// timeout, never an error (spec §7 LockContentionTimeout).
//
// The spec names only the 3*heartbeatInterval fail-safe bound; it does
// not say how an uncontested requester ever claims the resource. This
// is resolved (DESIGN.md open question) the way a Lamport-bakery-style
// broadcast mutex does it: after requesting, a tab waits one
// heartbeatInterval grace period for a higher-priority rejection
// before claiming the resource for itself. Priority is the negated
// request timestamp, so an earlier request carries a larger priority
// value and wins ties the same way election's MAX_SAFE-createdAt does.
func (m *Manager) Acquire(ctx context.Context, resource string) bool {
	now := time.Now()

	m.mu.Lock()
	if rec, ok := m.records[resource]; ok && rec.holder == m.tabID && now.Before(rec.expiresAt) {
		m.records[resource] = record{holder: m.tabID, expiresAt: now.Add(m.opts.LockExpiry)}
		m.mu.Unlock()
		return true
	}
	if m.ch == nil {
		m.records[resource] = record{holder: m.tabID, expiresAt: now.Add(m.opts.LockExpiry)}
		m.mu.Unlock()
		return true
	}

	priority := -now.UnixNano()
	resultCh := make(chan bool, 1)
	m.pending[resource] = &pendingAcquire{priority: priority, resultCh: resultCh}
	m.mu.Unlock()

	m.broadcast(resource, msgRequest, priority, time.Time{})
	time.AfterFunc(m.heartbeatInterval, func() { m.claimIfUncontested(resource, priority) })

	timeout := 3 * m.heartbeatInterval
	select {
	case ok := <-resultCh:
		return ok
	case <-time.After(timeout):
		m.mu.Lock()
		delete(m.pending, resource)
		m.mu.Unlock()
		return false
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, resource)
		m.mu.Unlock()
		return false
	}
}

// claimIfUncontested fires one grace period after a request: if this
// tab's request for resource is still pending (nobody rejected or
// already claimed it), it wins by default.
func (m *Manager) claimIfUncontested(resource string, priority int64) {
	m.mu.Lock()
	pending, ok := m.pending[resource]
	if !ok || pending.priority != priority || pending.done {
		m.mu.Unlock()
		return
	}
	pending.done = true
	delete(m.pending, resource)
	m.records[resource] = record{holder: m.tabID, expiresAt: time.Now().Add(m.opts.LockExpiry)}
	m.mu.Unlock()

	m.broadcast(resource, msgAcquired, priority, time.Now().Add(m.opts.LockExpiry))
	pending.resultCh <- true
}

// Release drops resource if this tab holds it; no-op otherwise (spec
// §4.8 "only the holder may release").
func (m *Manager) Release(ctx context.Context, resource string) {
	m.mu.Lock()
	rec, ok := m.records[resource]
	if !ok || rec.holder != m.tabID {
		m.mu.Unlock()
		return
	}
	delete(m.records, resource)
	m.mu.Unlock()

	if m.ch != nil {
		m.broadcast(resource, msgReleased, 0, time.Time{})
	}
}

// WithLock acquires resource, runs fn, then releases, returning false
// if acquisition failed (fn is not invoked in that case).
func (m *Manager) WithLock(ctx context.Context, resource string, fn func(ctx context.Context) error) (ran bool, err error) {
	if !m.Acquire(ctx, resource) {
		return false, nil
	}
	defer m.Release(ctx, resource)
	return true, fn(ctx)
}

func (m *Manager) broadcast(resource, msgType string, priority int64, expiresAt time.Time) {
	payload, _ := json.Marshal(wireMessage{Type: msgType, TabID: m.tabID, Resource: resource, Priority: priority, ExpiresAt: expiresAt})
	if err := m.ch.Send(context.Background(), broadcast.Message{Type: msgType, Payload: payload}); err != nil {
		m.opts.Logger.Warn("lock: send failed", zap.String("type", msgType), zap.Error(err))
	}
}

func (m *Manager) handleMessage(ctx context.Context, msg broadcast.Message) {
	var wm wireMessage
	if err := json.Unmarshal(msg.Payload, &wm); err != nil {
		m.opts.Logger.Warn("lock: malformed message dropped", zap.Error(err))
		return
	}
	if wm.TabID == m.tabID {
		return
	}

	switch wm.Type {
	case msgRequest:
		m.onPeerRequest(wm)
	case msgAcquired:
		m.onPeerAcquired(wm)
	case msgReleased:
		m.onPeerReleased(wm)
	case msgRejected:
		m.onPeerRejected(wm)
	}
}

// onPeerRejected lets a tab whose request lost a priority tie-break
// give up immediately instead of waiting out the full acquire timeout.
func (m *Manager) onPeerRejected(wm wireMessage) {
	m.mu.Lock()
	pending, ok := m.pending[wm.Resource]
	if !ok || pending.priority >= wm.Priority || pending.done {
		m.mu.Unlock()
		return
	}
	pending.done = true
	delete(m.pending, wm.Resource)
	m.mu.Unlock()

	pending.resultCh <- false
}

// onPeerRequest implements spec §4.8 step 5: while this tab has a
// pending request of its own for the same resource, the strictly
// higher-priority side broadcasts rejected and the other stands down
// (abandons its own pending request so the winner's acquired message,
// once it arrives, does not race a timed-out local resolver).
func (m *Manager) onPeerRequest(wm wireMessage) {
	m.mu.Lock()
	pending, hasPending := m.pending[wm.Resource]
	m.mu.Unlock()
	if !hasPending {
		return
	}

	if pending.priority > wm.Priority {
		m.broadcast(wm.Resource, msgRejected, pending.priority, time.Time{})
		return
	}

	m.mu.Lock()
	delete(m.pending, wm.Resource)
	m.mu.Unlock()
}

func (m *Manager) onPeerAcquired(wm wireMessage) {
	m.mu.Lock()
	m.records[wm.Resource] = record{holder: wm.TabID, expiresAt: wm.ExpiresAt}
	pending, hasPending := m.pending[wm.Resource]
	if hasPending {
		delete(m.pending, wm.Resource)
	}
	m.mu.Unlock()

	if hasPending && !pending.done {
		pending.done = true
		pending.resultCh <- false
	}
}

// onPeerReleased implements spec §4.8 step 4: a pending acquirer for
// the just-released resource immediately acquires locally and
// announces it.
func (m *Manager) onPeerReleased(wm wireMessage) {
	m.mu.Lock()
	delete(m.records, wm.Resource)
	pending, hasPending := m.pending[wm.Resource]
	if hasPending {
		delete(m.pending, wm.Resource)
		m.records[wm.Resource] = record{holder: m.tabID, expiresAt: time.Now().Add(m.opts.LockExpiry)}
	}
	m.mu.Unlock()

	if hasPending && !pending.done {
		pending.done = true
		m.broadcast(wm.Resource, msgAcquired, pending.priority, time.Now().Add(m.opts.LockExpiry))
		pending.resultCh <- true
	}
}

// startSweep begins a periodic sweep that drops any local record whose
// expiresAt has passed (spec §4.8 "cleanup timer sweeps entries with
// now > expiresAt").
func (m *Manager) startSweep() {
	stop := make(chan struct{})
	m.sweepStop = stop
	go func() {
		ticker := time.NewTicker(m.opts.LockExpiry / 4)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.sweepExpired()
			}
		}
	}()
}

func (m *Manager) sweepExpired() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for resource, rec := range m.records {
		if now.After(rec.expiresAt) {
			delete(m.records, resource)
		}
	}
}

// Close stops the sweep and detaches the channel subscription.
func (m *Manager) Close() {
	if m.sweepStop != nil {
		close(m.sweepStop)
		m.sweepStop = nil
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}
