// Package broadcast provides the named-channel publish/subscribe
// transport used to synchronize session state across participant nodes.
//
// Delivery is best-effort: at-most-once, no persistence, no replay, no
// ordering guarantee across publishers. Lost messages are masked by the
// durable-store reconciliation on reload, never retried live.
package broadcast

import (
	"context"

	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/protocol"
)

// Handler consumes one received envelope. Handlers run on the transport's
// receive goroutine and must not block.
type Handler func(env protocol.Envelope)

// Transport is the broadcast primitive. Publish is fire-and-forget beyond
// the local enqueue: an error means the envelope never left this node, not
// that any peer received it.
type Transport interface {
	// Publish sends an envelope to every subscriber of the channel.
	Publish(ctx context.Context, channel string, env protocol.Envelope) error

	// Subscribe registers a handler for a channel and returns a function
	// that cancels the subscription.
	Subscribe(ctx context.Context, channel string, h Handler) (cancel func(), err error)
}

// SessionChannel names the per-session gameplay channel.
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// LobbyChannel names the per-lobby pre-game channel.
func LobbyChannel(sessionID string) string {
	return "lobby:" + sessionID
}
