// Package observe implements an optional debug websocket feed of bridge
// notifications for IDE-side observability tooling. It is a supplement
// beyond the core spec, enabled only when a listen address is configured;
// it never influences delivery semantics.
package observe

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cronus42/jabber-mcp/internal/bridge"
)

const (
	writeTimeout  = 5 * time.Second
	sendQueueSize = 64
)

// Feed fans bridge notifications out to every connected websocket client.
// A slow or absent client never blocks the fan-out: sends are non-blocking
// and drop when a client's queue is full.
type Feed struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[chan []byte]struct{}

	server *http.Server
}

// NewFeed constructs a Feed bound to addr. Call Serve to start accepting
// connections; Publish forwards notifications to every connected client.
func NewFeed(addr string, log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	f := &Feed{log: log, clients: make(map[chan []byte]struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/events", f.handleWS)
	f.server = &http.Server{Addr: addr, Handler: mux}
	return f
}

// Serve runs the HTTP/websocket listener until ctx is canceled.
func (f *Feed) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", f.server.Addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- f.server.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return f.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (f *Feed) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		f.log.Warn("observe.accept.failed", "err", err)
		return
	}
	defer conn.CloseNow()

	client := make(chan []byte, sendQueueSize)
	f.register(client)
	defer f.unregister(client)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-client:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (f *Feed) register(client chan []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[client] = struct{}{}
}

func (f *Feed) unregister(client chan []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, client)
}

// wireNotification is the JSON shape published to observers.
type wireNotification struct {
	EnvelopeID string    `json:"envelope_id"`
	Kind       string    `json:"kind"`
	FromJID    string    `json:"from_jid,omitempty"`
	Body       string    `json:"body,omitempty"`
	TS         time.Time `json:"ts,omitzero"`
	State      string    `json:"state,omitempty"`
	OutboundID string    `json:"outbound_id,omitempty"`
	NackKind   string    `json:"nack_kind,omitempty"`
}

// Publish fans n out to every connected client, dropping it for clients
// whose queue is currently full.
func (f *Feed) Publish(n bridge.Notification) {
	payload, err := json.Marshal(wireNotification{
		EnvelopeID: n.EnvelopeID,
		Kind:       n.Kind,
		FromJID:    n.FromJID,
		Body:       n.Body,
		TS:         n.TS,
		State:      n.State,
		OutboundID: n.OutboundID,
		NackKind:   string(n.NackKind),
	})
	if err != nil {
		f.log.Warn("observe.marshal.failed", "err", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for client := range f.clients {
		select {
		case client <- payload:
		default:
		}
	}
}
