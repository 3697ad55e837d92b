// Package broadcast abstracts the BroadcastChannel capability the
// leader election, distributed lock and cross-tab sync protocols are
// built over (spec §6, §9): send/onReceive/close over named channels,
// with an in-memory implementation as the single-process fallback. It
// is grounded on the Publisher/Subscriber split of luvjson/crdtpubsub
// (crdtpubsub/pubsub.go, crdtpubsub/memory.go), generalized from
// CRDT-patch payloads to opaque JSON messages since election/lock
// traffic is a handful of small discriminated-union structs rather than
// document patches.
package broadcast

import "context"

// Message is one wire message on a Channel: a discriminated union keyed
// by Type, with a JSON-encodable Payload specific to that type (spec §6,
// §4.7, §4.8).
type Message struct {
	Type    string
	Payload []byte
}

// Handler processes one received Message. A panic in a handler is
// recovered by the channel and otherwise absorbed (spec §7): a
// misbehaving handler must not prevent delivery to other subscribers.
type Handler func(ctx context.Context, msg Message)

// Channel is the broadcast medium capability consumed by election,
// lock and crosssync. Each protocol opens its own Channel keyed by a
// distinct name so traffic never crosses protocols (spec §5).
type Channel interface {
	// Send broadcasts msg to every subscriber of this channel, including
	// handlers subscribed through the sending Channel itself.
	Send(ctx context.Context, msg Message) error

	// Subscribe registers handler for all future messages. The returned
	// function unsubscribes.
	Subscribe(handler Handler) (unsubscribe func())

	// Close tears down the channel. Close is idempotent.
	Close() error
}

// Factory opens a named Channel, e.g. for "election:<roomID>",
// "lock:<roomID>" or "sync:<roomID>".
type Factory interface {
	Open(name string) (Channel, error)
}
