// Package xmppclient defines the capability surface the bridge uses to
// talk to an XMPP server and the connection/retry state machine layered
// on top of it. Two implementations exist in this repo: a real client
// (cmd/jabber-mcp) and an in-memory fake used by tests and the
// stdio-only entry point.
package xmppclient

import (
	"context"
	"time"
)

// RosterItem mirrors one entry of an XMPP roster push.
type RosterItem struct {
	JID         string
	DisplayName string
}

// EventHandler receives asynchronous events emitted by a Client: chat
// messages, roster pushes, and connection-state transitions.
type EventHandler interface {
	OnMessage(fromJID, body string, ts time.Time)
	OnRosterPush(added []RosterItem, removedJIDs []string)
	OnStateChange(from, to State)
}

// Client is the capability interface the bridge depends on.
// Implementations are responsible for their own reconnect loop; the
// bridge only calls Connect once and expects the client to surface state
// transitions through the registered EventHandler.
type Client interface {
	// Connect establishes the session and blocks until the initial
	// handshake completes or ctx is canceled.
	Connect(ctx context.Context) error

	// Disconnect closes the session. Safe to call more than once.
	Disconnect(ctx context.Context) error

	// Send transmits a raw stanza. Returns an error if the underlying
	// transport is not in a sendable state.
	Send(ctx context.Context, stanza string) error

	// Roster fetches the current roster snapshot.
	Roster(ctx context.Context) ([]RosterItem, error)

	// State reports the client's current connection state.
	State() State

	// SetHandler registers the sink for asynchronous events. Must be
	// called before Connect.
	SetHandler(h EventHandler)
}
