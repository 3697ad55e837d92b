// Package tabs implements the Tab Manager of spec §4.6: it assigns
// this running instance a stable identity and tracks the liveness of
// sibling instances sharing a broadcast.Channel, purely as an input to
// the priority computations election and lock perform. It is grounded
// on the session-identity pattern of luvjson/common.SessionID and on
// the peer-liveness bookkeeping in luvjson/crdtpubsub/tracker.go,
// generalized from patch dedup to tab liveness.
package tabs

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Info describes one tab: its own, or a peer's as last observed.
type Info struct {
	TabID     string
	CreatedAt time.Time
}

// Priority is MAX_SAFE - createdAt (spec §4.7): an older tab sorts
// with a strictly higher priority value.
func (i Info) Priority() int64 {
	return maxSafeInteger - i.CreatedAt.UnixMilli()
}

// maxSafeInteger mirrors the host language's Number.MAX_SAFE_INTEGER
// that the original priority formula is defined against.
const maxSafeInteger = int64(1<<53 - 1)

// peerTimeout is how long a peer is considered live after its last
// observed message before Manager stops reporting it.
const peerTimeout = 10 * time.Second

// Manager assigns a tabId at construction and tracks peers observed
// via Observe as inputs to election/lock priority decisions.
type Manager struct {
	self Info

	mu    sync.RWMutex
	peers map[string]peerRecord
}

type peerRecord struct {
	info     Info
	lastSeen time.Time
}

// New creates a Manager with a fresh, time-ordered tab id (UUIDv7, so
// that TabID itself is roughly creation-ordered even without CreatedAt).
func New() *Manager {
	return &Manager{
		self: Info{
			TabID:     uuid.Must(uuid.NewV7()).String(),
			CreatedAt: time.Now(),
		},
		peers: make(map[string]peerRecord),
	}
}

// GetTabID returns this instance's stable identity.
func (m *Manager) GetTabID() string { return m.self.TabID }

// GetThisTabInfo returns this instance's identity and creation time.
func (m *Manager) GetThisTabInfo() Info { return m.self }

// Observe records a sighting of a peer tab, refreshing its liveness.
func (m *Manager) Observe(peer Info) {
	if peer.TabID == m.self.TabID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[peer.TabID] = peerRecord{info: peer, lastSeen: time.Now()}
}

// Peers returns every peer observed within peerTimeout, sorted by
// nothing in particular; callers needing priority order should sort by
// Info.Priority().
func (m *Manager) Peers() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	out := make([]Info, 0, len(m.peers))
	for id, rec := range m.peers {
		if now.Sub(rec.lastSeen) > peerTimeout {
			delete(m.peers, id)
			continue
		}
		out = append(out, rec.info)
	}
	return out
}

// Forget removes a peer immediately, used when a protocol learns a
// peer is gone before its liveness window would otherwise expire.
func (m *Manager) Forget(tabID string) {
	m.mu.Lock()
	delete(m.peers, tabID)
	m.mu.Unlock()
}
