// Package crosssync implements Cross-Tab Sync (spec §4.9/§6): it
// subscribes to a store.DocumentStore's change stream, broadcasts
// locally originated changes to sibling tabs over a broadcast.Channel,
// and replays changes received from peers back into the local store.
// Deduplication uses a bounded LRU of messageIds with a sliding TTL so
// a change broadcast by one tab is never replayed twice by another
// (spec §5 "Message deduplication ... uses a bounded LRU of messageIds
// with a sliding TTL"). It is grounded on the publish/subscribe shape
// of luvjson/crdtpubsub.PubSub, generalized from encoded CRDT patches
// to document.ChangeEvent, and on the patch-applied-dedup pattern in
// luvjson/crdtpubsub/tracker.go, replacing its unbounded map with
// hashicorp/golang-lru/v2 to bound memory under sustained traffic.
package crosssync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/reactivedoc/core/broadcast"
	"github.com/reactivedoc/core/document"
	"github.com/reactivedoc/core/reactivelog"
	"github.com/reactivedoc/core/store"
)

const (
	msgChange       = "change"
	msgSyncRequest  = "sync-request"
	msgSyncResponse = "sync-response"
)

// Options configures a Sync (spec §6 "Cross-tab sync").
type Options struct {
	DeduplicationWindow time.Duration // default 5000ms
	ChannelPrefix       string
	DedupCacheSize      int // default 4096
	Logger              *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.DeduplicationWindow <= 0 {
		o.DeduplicationWindow = 5 * time.Second
	}
	if o.DedupCacheSize <= 0 {
		o.DedupCacheSize = 4096
	}
	if o.Logger == nil {
		o.Logger = reactivelog.Nop()
	}
	return o
}

type wireChange struct {
	MessageID  string               `json:"messageId"`
	TabID      string               `json:"tabId"`
	Collection string               `json:"collection"`
	Event      document.ChangeEvent `json:"event"`
}

// Sync wires a store.DocumentStore's change stream to a
// broadcast.Channel so sibling tabs replay each other's writes.
type Sync struct {
	tabID      string
	collection string
	s          store.DocumentStore
	ch         broadcast.Channel
	opts       Options

	dedup *dedupCache

	detachLocal func()
	unsubscribe func()
}

// New starts forwarding s's local changes onto ch and replaying ch's
// remote changes into s. Call Close to tear both directions down.
func New(tabID, collection string, s store.DocumentStore, ch broadcast.Channel, opts Options) *Sync {
	opts = opts.withDefaults()
	sync := &Sync{
		tabID:      tabID,
		collection: collection,
		s:          s,
		ch:         ch,
		opts:       opts,
		dedup:      newDedupCache(opts.DedupCacheSize, opts.DeduplicationWindow),
	}

	sync.detachLocal = s.Changes(sync.onLocalChange)
	if ch != nil {
		sync.unsubscribe = ch.Subscribe(sync.onRemoteMessage)
		sync.requestSync(context.Background())
	}
	return sync
}

func (s *Sync) onLocalChange(event document.ChangeEvent) {
	if event.IsFromSync || s.ch == nil {
		return
	}

	messageID := newMessageID()
	s.dedup.Remember(messageID)

	payload, _ := json.Marshal(wireChange{
		MessageID:  messageID,
		TabID:      s.tabID,
		Collection: s.collection,
		Event:      event,
	})
	if err := s.ch.Send(context.Background(), broadcast.Message{Type: msgChange, Payload: payload}); err != nil {
		s.opts.Logger.Warn("crosssync: broadcast failed", zap.Error(err))
	}
}

func (s *Sync) onRemoteMessage(ctx context.Context, msg broadcast.Message) {
	switch msg.Type {
	case msgChange, msgSyncResponse:
		s.applyRemoteChange(ctx, msg)
	case msgSyncRequest:
		s.respondToSyncRequest(ctx, msg)
	}
}

func (s *Sync) applyRemoteChange(ctx context.Context, msg broadcast.Message) {
	var wc wireChange
	if err := json.Unmarshal(msg.Payload, &wc); err != nil {
		s.opts.Logger.Warn("crosssync: malformed change dropped", zap.Error(err))
		return
	}
	if wc.TabID == s.tabID || wc.Collection != s.collection {
		return
	}
	if s.dedup.SeenRecently(wc.MessageID) {
		return
	}
	s.dedup.Remember(wc.MessageID)

	event := wc.Event
	event.IsFromSync = true

	var err error
	switch event.Operation {
	case document.OpInsert, document.OpUpdate:
		err = s.s.Put(ctx, event.Document)
	case document.OpDelete:
		err = s.s.Delete(ctx, event.DocumentID)
	}
	if err != nil {
		s.opts.Logger.Warn("crosssync: replay failed", zap.String("docId", event.DocumentID), zap.Error(err))
	}
}

// requestSync asks sibling tabs to resend their current state, used by
// a newly joined tab to catch up (spec §4.9 "sync-request/response").
func (s *Sync) requestSync(ctx context.Context) {
	payload, _ := json.Marshal(wireChange{MessageID: newMessageID(), TabID: s.tabID, Collection: s.collection})
	if err := s.ch.Send(ctx, broadcast.Message{Type: msgSyncRequest, Payload: payload}); err != nil {
		s.opts.Logger.Warn("crosssync: sync-request failed", zap.Error(err))
	}
}

func (s *Sync) respondToSyncRequest(ctx context.Context, msg broadcast.Message) {
	var wc wireChange
	if err := json.Unmarshal(msg.Payload, &wc); err != nil {
		return
	}
	if wc.TabID == s.tabID || wc.Collection != s.collection {
		return
	}

	docs, err := s.s.GetAll(ctx)
	if err != nil {
		s.opts.Logger.Warn("crosssync: sync-response snapshot failed", zap.Error(err))
		return
	}
	for _, d := range docs {
		event := document.ChangeEvent{Operation: document.OpInsert, DocumentID: d.ID, Document: d}
		payload, _ := json.Marshal(wireChange{MessageID: newMessageID(), TabID: s.tabID, Collection: s.collection, Event: event})
		if err := s.ch.Send(ctx, broadcast.Message{Type: msgSyncResponse, Payload: payload}); err != nil {
			s.opts.Logger.Warn("crosssync: sync-response send failed", zap.Error(err))
			return
		}
	}
}

// Close detaches both the local store subscription and the broadcast
// channel subscription; idempotent.
func (s *Sync) Close() {
	if s.detachLocal != nil {
		s.detachLocal()
		s.detachLocal = nil
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

var messageSeq struct {
	mu  sync.Mutex
	ctr uint64
}

func newMessageID() string {
	messageSeq.mu.Lock()
	messageSeq.ctr++
	n := messageSeq.ctr
	messageSeq.mu.Unlock()
	return time.Now().Format("20060102T150405.000000000") + "-" + itoa(n)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// dedupCache is a bounded LRU of recently seen messageIds with a
// sliding TTL: an id older than window is treated as unseen again,
// matching the "sliding TTL" dedup policy of spec §5.
type dedupCache struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, time.Time]
	window time.Duration
}

func newDedupCache(size int, window time.Duration) *dedupCache {
	c, _ := lru.New[string, time.Time](size)
	return &dedupCache{lru: c, window: window}
}

func (d *dedupCache) Remember(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lru.Add(id, time.Now())
}

func (d *dedupCache) SeenRecently(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	seenAt, ok := d.lru.Get(id)
	if !ok {
		return false
	}
	if time.Since(seenAt) > d.window {
		d.lru.Remove(id)
		return false
	}
	return true
}
