// Package reactivedoc wires the whole system together per spec §2's
// collaboration diagram: a store.DocumentStore feeds tabs, election,
// lock and crosssync, a view.Manager fans DocumentStore changes out to
// materialized views, and livequery.LiveQuery instances are built
// against the same store's Query method. It is grounded on
// luvjson/crdtstorage.Storage, the teacher's top-level facade that
// wires together persistence, pubsub and sync manager construction
// behind one functional-options constructor.
package reactivedoc

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/reactivedoc/core/broadcast"
	"github.com/reactivedoc/core/crosssync"
	"github.com/reactivedoc/core/document"
	"github.com/reactivedoc/core/election"
	"github.com/reactivedoc/core/livequery"
	"github.com/reactivedoc/core/lock"
	"github.com/reactivedoc/core/query"
	"github.com/reactivedoc/core/reactivelog"
	"github.com/reactivedoc/core/store"
	"github.com/reactivedoc/core/tabs"
	"github.com/reactivedoc/core/view"
)

// Config holds every tunable named in spec §6 "Configuration knobs",
// populated via functional Option values (grounded on
// nodestorage/v2.EditOption).
type Config struct {
	Collection string

	HeartbeatInterval time.Duration // election: default 1000ms
	LeaderTimeout     time.Duration // election: default 3000ms
	LockExpiry        time.Duration // locks: default 30000ms

	DeduplicationWindow time.Duration // cross-tab sync: default 5000ms
	ChannelPrefix       string

	MaxViews int // view manager: 0 means unbounded

	DebounceMs     int  // live query default debounce
	UseEventReduce bool // live query default

	Logger *zap.Logger
}

// Option mutates a Config during construction.
type Option func(*Config)

func WithCollection(name string) Option {
	return func(c *Config) { c.Collection = name }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

func WithLeaderTimeout(d time.Duration) Option {
	return func(c *Config) { c.LeaderTimeout = d }
}

func WithLockExpiry(d time.Duration) Option {
	return func(c *Config) { c.LockExpiry = d }
}

func WithDeduplicationWindow(d time.Duration) Option {
	return func(c *Config) { c.DeduplicationWindow = d }
}

func WithChannelPrefix(prefix string) Option {
	return func(c *Config) { c.ChannelPrefix = prefix }
}

func WithMaxViews(n int) Option {
	return func(c *Config) { c.MaxViews = n }
}

func WithDebounceMs(ms int) Option {
	return func(c *Config) { c.DebounceMs = ms }
}

func WithEventReduce(enabled bool) Option {
	return func(c *Config) { c.UseEventReduce = enabled }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

func newConfig(opts []Option) Config {
	c := Config{
		Collection:          "documents",
		HeartbeatInterval:   time.Second,
		LeaderTimeout:       3 * time.Second,
		LockExpiry:          30 * time.Second,
		DeduplicationWindow: 5 * time.Second,
		ChannelPrefix:       "reactivedoc",
		UseEventReduce:      true,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.Logger == nil {
		c.Logger = reactivelog.New("reactivedoc")
	}
	return c
}

// Node is one running instance's view of the system: its store, its
// tab identity, and the election/lock/sync/view machinery layered over
// a shared broadcast.Factory (spec §2 data-flow diagram).
type Node struct {
	cfg   Config
	store store.DocumentStore
	tabs  *tabs.Manager

	Election *election.Election
	Lock     *lock.Manager
	Sync     *crosssync.Sync
	Views    *view.Manager
}

// New constructs a Node over s using channels opened from factory.
// factory may be nil, in which case election/lock/sync all run in
// their documented single-process fallback mode (spec §4.7 transition
// 1, §4.8 step 6).
func New(s store.DocumentStore, factory broadcast.Factory, opts ...Option) (*Node, error) {
	cfg := newConfig(opts)
	tm := tabs.New()

	var electionCh, lockCh, syncCh broadcast.Channel
	if factory != nil {
		var err error
		if electionCh, err = factory.Open(cfg.ChannelPrefix + ":election:" + cfg.Collection); err != nil {
			return nil, err
		}
		if lockCh, err = factory.Open(cfg.ChannelPrefix + ":lock:" + cfg.Collection); err != nil {
			return nil, err
		}
		if syncCh, err = factory.Open(cfg.ChannelPrefix + ":sync:" + cfg.Collection); err != nil {
			return nil, err
		}
	}

	self := tm.GetThisTabInfo()
	el := election.New(election.Info{TabID: self.TabID, CreatedAt: self.CreatedAt}, electionCh,
		election.Options{HeartbeatInterval: cfg.HeartbeatInterval, LeaderTimeout: cfg.LeaderTimeout, Logger: cfg.Logger})

	lk := lock.New(self.TabID, lockCh, cfg.HeartbeatInterval, lock.Options{LockExpiry: cfg.LockExpiry, Logger: cfg.Logger})

	sy := crosssync.New(self.TabID, cfg.Collection, s, syncCh, crosssync.Options{
		DeduplicationWindow: cfg.DeduplicationWindow,
		ChannelPrefix:       cfg.ChannelPrefix,
		Logger:              cfg.Logger,
	})

	views := view.NewManager(view.ManagerOptions{MaxViews: cfg.MaxViews})
	s.Changes(func(event document.ChangeEvent) {
		_ = views.HandleChange(cfg.Collection, event, func(def view.Definition) ([]*document.Document, error) {
			return s.Query(context.Background(), def.Spec)
		})
	})

	return &Node{cfg: cfg, store: s, tabs: tm, Election: el, Lock: lk, Sync: sy, Views: views}, nil
}

// Start begins the election protocol. Call after New once the caller
// is ready to receive leader-changed notifications.
func (n *Node) Start(ctx context.Context) {
	n.Election.Start(ctx)
}

// NewLiveQuery builds a livequery.LiveQuery against this node's store,
// subscribed to this node's change stream (spec §4.3).
func (n *Node) NewLiveQuery(spec query.Spec) *livequery.LiveQuery {
	source := changeSource{store: n.store}
	return livequery.New(spec, n.store.Query, source, livequery.Options{
		DebounceMs:     n.cfg.DebounceMs,
		UseEventReduce: n.cfg.UseEventReduce,
		Logger:         n.cfg.Logger,
	})
}

type changeSource struct {
	store store.DocumentStore
}

func (c changeSource) Subscribe(handler func(document.ChangeEvent)) func() {
	return c.store.Changes(func(e document.ChangeEvent) { handler(e) })
}

// Close tears down the election, lock and sync machinery.
func (n *Node) Close(ctx context.Context) {
	n.Election.Destroy(ctx)
	n.Lock.Close()
	n.Sync.Close()
}
