// Package election implements the Leader Election protocol of spec
// §4.7: priority-ordered broadcast handshake plus heartbeat, with at
// most one leader among sibling tabs sharing a broadcast.Channel and
// eventual convergence to exactly one whenever at least one tab is
// alive. It is grounded on luvjson/crdtstorage's SyncManager election
// style (crdtsync/sync_manager.go negotiates a single active syncer
// per document) and on luvjson/crdtpubsub's pub/sub broadcast shape,
// generalized to a generic priority/heartbeat state machine detached
// from CRDT sync.
package election

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reactivedoc/core/broadcast"
	"github.com/reactivedoc/core/reactivelog"
	"github.com/reactivedoc/core/tabs"
)

const (
	msgElection = "election"
	msgHeartbeat = "heartbeat"
	msgAbdicate  = "abdicate"
)

// Options configures an Election (spec §6 "Leader election").
type Options struct {
	HeartbeatInterval time.Duration // default 1000ms
	LeaderTimeout     time.Duration // default 3000ms, must be > 2*HeartbeatInterval
	Logger            *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.LeaderTimeout <= 0 {
		o.LeaderTimeout = 3 * time.Second
	}
	if o.Logger == nil {
		o.Logger = reactivelog.Nop()
	}
	return o
}

// State is the observable election state (spec §4.7).
type State struct {
	LeaderID      string
	ElectedAt     time.Time
	LastHeartbeat time.Time
	IsLeader      bool
}

type wireMessage struct {
	Type      string    `json:"type"`
	TabID     string    `json:"tabId"`
	Priority  int64     `json:"priority"`
	CreatedAt time.Time `json:"createdAt"`
}

// Election runs the protocol for one tab over one broadcast.Channel.
type Election struct {
	self Info
	opts Options
	ch   broadcast.Channel

	mu    sync.Mutex
	state State

	electionTimer *time.Timer
	heartbeatStop chan struct{}
	watchdogStop  chan struct{}

	listenersMu sync.Mutex
	listeners   map[int]func(State)
	nextID      int

	unsubscribe func()
	destroyed   bool
}

// Info is the caller-supplied identity used to compute priority.
type Info struct {
	TabID     string
	CreatedAt time.Time
}

func (i Info) priority() int64 { return tabs.Info(i).Priority() }

// New constructs an Election. ch may be nil, in which case Start
// immediately adopts leadership (spec §4.7 transition 1, "single-tab
// case").
func New(self Info, ch broadcast.Channel, opts Options) *Election {
	return &Election{
		self:      self,
		opts:      opts.withDefaults(),
		ch:        ch,
		listeners: make(map[int]func(State)),
	}
}

// Start begins the election protocol.
func (e *Election) Start(ctx context.Context) {
	if e.ch == nil {
		e.becomeLeader()
		return
	}

	e.unsubscribe = e.ch.Subscribe(func(ctx context.Context, msg broadcast.Message) {
		e.handleMessage(ctx, msg)
	})
	e.broadcastElection(ctx)
	e.armElectionTimer(ctx)
}

// State returns a snapshot of the current election state.
func (e *Election) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// OnLeaderChanged registers fn to be called whenever the observed
// leader identity changes (spec §4.7 transition 4, "leader-changed").
func (e *Election) OnLeaderChanged(fn func(State)) (unsubscribe func()) {
	e.listenersMu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.listenersMu.Unlock()
	return func() {
		e.listenersMu.Lock()
		delete(e.listeners, id)
		e.listenersMu.Unlock()
	}
}

// Destroy abdicates if leader, then tears down timers and the channel
// subscription (spec §4.7 "Cancellation").
func (e *Election) Destroy(ctx context.Context) {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	isLeader := e.state.IsLeader
	e.mu.Unlock()

	if isLeader && e.ch != nil {
		e.send(ctx, msgAbdicate)
	}
	e.cancelElectionTimer()
	e.stopHeartbeat()
	e.stopWatchdog()
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
}

func (e *Election) broadcastElection(ctx context.Context) {
	e.send(ctx, msgElection)
}

func (e *Election) send(ctx context.Context, msgType string) {
	payload, _ := json.Marshal(wireMessage{
		Type:      msgType,
		TabID:     e.self.TabID,
		Priority:  e.self.priority(),
		CreatedAt: e.self.CreatedAt,
	})
	if err := e.ch.Send(ctx, broadcast.Message{Type: msgType, Payload: payload}); err != nil {
		e.opts.Logger.Warn("election: send failed", zap.String("type", msgType), zap.Error(err))
	}
}

func (e *Election) armElectionTimer(ctx context.Context) {
	e.mu.Lock()
	if e.electionTimer != nil {
		e.electionTimer.Stop()
	}
	e.electionTimer = time.AfterFunc(2*e.opts.HeartbeatInterval, func() {
		e.becomeLeader()
	})
	e.mu.Unlock()
}

func (e *Election) cancelElectionTimer() {
	e.mu.Lock()
	if e.electionTimer != nil {
		e.electionTimer.Stop()
		e.electionTimer = nil
	}
	e.mu.Unlock()
}

func (e *Election) handleMessage(ctx context.Context, msg broadcast.Message) {
	var wm wireMessage
	if err := json.Unmarshal(msg.Payload, &wm); err != nil {
		e.opts.Logger.Warn("election: malformed message dropped", zap.Error(err))
		return
	}
	if wm.TabID == e.self.TabID {
		return
	}

	switch wm.Type {
	case msgElection:
		if wm.Priority > e.self.priority() {
			e.cancelElectionTimer()
			e.mu.Lock()
			wasLeader := e.state.IsLeader
			e.mu.Unlock()
			if wasLeader {
				e.stepDown()
			}
		}
	case msgHeartbeat:
		e.mu.Lock()
		isLeader := e.state.IsLeader
		e.mu.Unlock()
		if isLeader && wm.Priority < e.self.priority() {
			// A lower-priority tab's heartbeat does not unseat this leader.
			return
		}
		e.cancelElectionTimer()
		if isLeader {
			e.stepDown()
		}
		e.adoptLeader(wm.TabID)
	case msgAbdicate:
		e.mu.Lock()
		e.state = State{}
		e.mu.Unlock()
		e.stopWatchdog()
		jitter := time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
		time.AfterFunc(jitter, func() { e.broadcastElection(ctx); e.armElectionTimer(ctx) })
	}
}

func (e *Election) becomeLeader() {
	e.mu.Lock()
	now := time.Now()
	e.state = State{LeaderID: e.self.TabID, ElectedAt: now, LastHeartbeat: now, IsLeader: true}
	e.mu.Unlock()
	e.notify()

	e.startHeartbeat()
	e.stopWatchdog()
}

func (e *Election) stepDown() {
	e.mu.Lock()
	e.state.IsLeader = false
	e.mu.Unlock()
	e.stopHeartbeat()
	e.notify()
	e.startWatchdog()
}

func (e *Election) adoptLeader(leaderID string) {
	e.mu.Lock()
	changed := e.state.LeaderID != leaderID
	e.state.LeaderID = leaderID
	e.state.LastHeartbeat = time.Now()
	if leaderID != e.self.TabID {
		e.state.IsLeader = false
	}
	e.mu.Unlock()

	if changed {
		e.notify()
	}
	e.startWatchdog()
}

func (e *Election) notify() {
	st := e.State()
	e.listenersMu.Lock()
	fns := make([]func(State), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.listenersMu.Unlock()
	for _, fn := range fns {
		safeNotify(fn, st)
	}
}

func safeNotify(fn func(State), st State) {
	defer func() { _ = recover() }()
	fn(st)
}

func (e *Election) startHeartbeat() {
	e.stopHeartbeat()
	stop := make(chan struct{})
	e.mu.Lock()
	e.heartbeatStop = stop
	e.mu.Unlock()

	go func() {
		ticker := time.NewTicker(e.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.send(context.Background(), msgHeartbeat)
			}
		}
	}()
}

func (e *Election) stopHeartbeat() {
	e.mu.Lock()
	stop := e.heartbeatStop
	e.heartbeatStop = nil
	e.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// startWatchdog begins watching for missed heartbeats (spec §4.7
// transition 5): if now-lastHeartbeat exceeds LeaderTimeout, start a
// new election.
func (e *Election) startWatchdog() {
	e.mu.Lock()
	if e.watchdogStop != nil {
		e.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	e.watchdogStop = stop
	e.mu.Unlock()

	go func() {
		ticker := time.NewTicker(e.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.mu.Lock()
				last := e.state.LastHeartbeat
				isLeader := e.state.IsLeader
				e.mu.Unlock()
				if isLeader {
					continue
				}
				if last.IsZero() || time.Since(last) > e.opts.LeaderTimeout {
					e.stopWatchdog()
					e.broadcastElection(context.Background())
					e.armElectionTimer(context.Background())
					return
				}
			}
		}
	}()
}

func (e *Election) stopWatchdog() {
	e.mu.Lock()
	stop := e.watchdogStop
	e.watchdogStop = nil
	e.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}
