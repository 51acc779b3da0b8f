package xmppclient

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotConnected is returned by Send when the fake client is not
// currently in the Connected state.
var ErrNotConnected = errors.New("xmppclient: not connected")

// Fake is an in-memory Client used by cmd/jabber-mcp-stdio and by tests
// that exercise the bridge without a real XMPP server. Sent stanzas are
// recorded rather than transmitted; roster and inbound messages can be
// injected by test code via Inject* methods.
type Fake struct {
	mu       sync.Mutex
	sm       *StateMachine
	handler  EventHandler
	roster   []RosterItem
	sent     []string
	sendErrs []error
}

// NewFake constructs a Fake client, initially Disconnected.
func NewFake() *Fake {
	f := &Fake{}
	f.sm = NewStateMachine(func(from, to State) {
		f.mu.Lock()
		h := f.handler
		f.mu.Unlock()
		if h != nil {
			h.OnStateChange(from, to)
		}
	})
	return f
}

func (f *Fake) SetHandler(h EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *Fake) Connect(ctx context.Context) error {
	f.sm.Transition(StateConnecting)
	select {
	case <-ctx.Done():
		f.sm.Transition(StateDisconnected)
		return ctx.Err()
	default:
	}
	f.sm.Transition(StateConnected)
	return nil
}

func (f *Fake) Disconnect(ctx context.Context) error {
	f.sm.Transition(StateDisconnected)
	return nil
}

func (f *Fake) Send(ctx context.Context, stanza string) error {
	if f.sm.Current() != StateConnected {
		return ErrNotConnected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		return err
	}
	f.sent = append(f.sent, stanza)
	return nil
}

// InjectSendFailure queues err to be returned by the next call to Send,
// once, instead of recording the stanza. Queue multiple errors to make
// consecutive Send calls fail before succeeding.
func (f *Fake) InjectSendFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErrs = append(f.sendErrs, err)
}

func (f *Fake) Roster(ctx context.Context) ([]RosterItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RosterItem, len(f.roster))
	copy(out, f.roster)
	return out, nil
}

func (f *Fake) State() State {
	return f.sm.Current()
}

// SentStanzas returns every stanza accepted by Send, in send order.
func (f *Fake) SentStanzas() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

// InjectRoster sets the roster snapshot returned by future Roster calls
// and, if a handler is registered, emits an OnRosterPush.
func (f *Fake) InjectRoster(items []RosterItem) {
	f.mu.Lock()
	f.roster = items
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h.OnRosterPush(items, nil)
	}
}

// InjectMessage delivers a synthetic inbound message to the registered
// handler, as if it had arrived over the wire.
func (f *Fake) InjectMessage(fromJID, body string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h.OnMessage(fromJID, body, time.Now().UTC())
	}
}

// InjectStateChange forces a transition, used to test Degraded/Reconnecting
// handling without a real flaky connection.
func (f *Fake) InjectStateChange(to State) {
	f.sm.Transition(to)
}
