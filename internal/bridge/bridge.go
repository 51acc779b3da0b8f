// Package bridge implements the two-queue engine at the core of the
// system: bounded inbound/outbound queues, a priority lane for
// high-priority outbound sends, worker loops, back-pressure, and
// retry-with-backoff. It is the meeting point between the XmppClient and
// the JSON-RPC tool dispatcher.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cronus42/jabber-mcp/internal/addressbook"
	"github.com/cronus42/jabber-mcp/internal/convert"
	"github.com/cronus42/jabber-mcp/internal/ids"
	"github.com/cronus42/jabber-mcp/internal/inbox"
	"github.com/cronus42/jabber-mcp/internal/xmppclient"
)

// NackKind enumerates the application-level failure kinds a caller can
// receive for an enqueued outbound message.
type NackKind string

const (
	NackOverloaded  NackKind = "overloaded"
	NackDisconnected NackKind = "disconnected"
	NackInvalidJID  NackKind = "invalid_jid"
	NackShutdown    NackKind = "shutdown"
	NackInternal    NackKind = "internal_error"
)

const (
	maxSendAttempts  = 3
	retryBaseBackoff = 500 * time.Millisecond

	softThreshold   = 0.70
	mediumThreshold = 0.90
)

// EnqueueResult reports the outcome of Bridge.Enqueue.
type EnqueueResult struct {
	Accepted bool
	OutboundID string
	Nack     NackKind
}

// Notification is a bridge event surfaced to the dispatcher: an inbound
// occurrence (message/roster), a connection state transition, or a
// delivery outcome for a previously enqueued outbound message. Presence
// changes are not surfaced.
type Notification struct {
	EnvelopeID string // ULID assigned at publish time, unique per notification
	Kind       string // "received_message", "roster_update", "connection_state_changed", "delivery_ack", "delivery_nack"
	FromJID    string
	Body       string
	TS         time.Time
	State      string
	Entries    []xmppclient.RosterItem
	OutboundID string
	NackKind   NackKind
}

// outboundItem is one entry in an outgoing queue lane.
type outboundItem struct {
	id  string
	msg convert.OutboundMessage
}

// inboundEvent is one entry in the incoming queue: either a chat message
// or a roster push. Both flow through the same worker so roster syncing
// never races AddressBook access against inbox writes.
type inboundEvent struct {
	kind          string // "message" or "roster"
	message       convert.ReceivedEvent
	rosterAdded   []addressbook.RosterEntry
	rosterRemoved []string
}

// Config controls queue sizing.
type Config struct {
	IncomingCapacity int
	OutgoingCapacity int
	PriorityCapacity int
	ShutdownDeadline time.Duration
}

// DefaultConfig returns the default queue sizes.
func DefaultConfig() Config {
	return Config{
		IncomingCapacity: 1000,
		OutgoingCapacity: 1000,
		PriorityCapacity: 100,
		ShutdownDeadline: 5 * time.Second,
	}
}

// Bridge owns the incoming/outgoing queues and their worker loops.
type Bridge struct {
	log    *slog.Logger
	cfg    Config
	client xmppclient.Client
	book   *addressbook.AddressBook
	inbox  *inbox.Inbox
	throttle *xmppclient.Throttle

	incoming chan inboundEvent
	outgoing chan outboundItem
	priority chan outboundItem

	notifyMu sync.Mutex
	notify   chan Notification

	wg     sync.WaitGroup
	stopCh chan struct{}
	stopOnce sync.Once

	retryTotal uint64
}

// Stats is a point-in-time snapshot of queue occupancy and retry activity,
// read by the metrics endpoint on every scrape.
type Stats struct {
	IncomingDepth    int
	IncomingCapacity int
	OutgoingDepth    int
	OutgoingCapacity int
	PriorityDepth    int
	PriorityCapacity int
	RetryTotal       uint64
}

// Stats reports current queue depths/capacities and the lifetime count of
// send retries. Safe to call concurrently with the workers; channel
// len/cap reads and the retry counter are lock-free.
func (b *Bridge) Stats() Stats {
	return Stats{
		IncomingDepth:    len(b.incoming),
		IncomingCapacity: cap(b.incoming),
		OutgoingDepth:    len(b.outgoing),
		OutgoingCapacity: cap(b.outgoing),
		PriorityDepth:    len(b.priority),
		PriorityCapacity: cap(b.priority),
		RetryTotal:       atomic.LoadUint64(&b.retryTotal),
	}
}

// New constructs a Bridge. It does not start the workers; call Start.
func New(cfg Config, client xmppclient.Client, book *addressbook.AddressBook, ib *inbox.Inbox, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		log:      log,
		cfg:      cfg,
		client:   client,
		book:     book,
		inbox:    ib,
		throttle: xmppclient.NewThrottle(0, 0),
		incoming: make(chan inboundEvent, cfg.IncomingCapacity),
		outgoing: make(chan outboundItem, cfg.OutgoingCapacity),
		priority: make(chan outboundItem, cfg.PriorityCapacity),
		notify:   make(chan Notification, 256),
		stopCh:   make(chan struct{}),
	}
	return b
}

// Notifications returns the channel notifications are published on. The
// dispatcher should drain it continuously; the fan-out is non-blocking
// and drops the oldest pending notification when full.
func (b *Bridge) Notifications() <-chan Notification {
	return b.notify
}

func (b *Bridge) publish(n Notification) {
	n.EnvelopeID = ids.NewEnvelopeID(time.Now())
	select {
	case b.notify <- n:
	default:
		select {
		case <-b.notify:
		default:
		}
		select {
		case b.notify <- n:
		default:
		}
	}
}

// Start launches the incoming and outgoing worker loops.
func (b *Bridge) Start(ctx context.Context) {
	b.wg.Add(2)
	go b.runIncomingWorker(ctx)
	go b.runOutgoingWorker(ctx)
}

// Stop signals both workers to shut down. The outgoing worker flushes
// queued items with best-effort sends until cfg.ShutdownDeadline elapses;
// the incoming worker drains whatever is already buffered into the inbox
// non-blockingly. Stop blocks until both workers have returned.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

// chanUtilization reports the fraction [0,1] of cap occupied by ch's
// current length.
func chanUtilization[T any](ch chan T, cap int) float64 {
	if cap <= 0 {
		return 0
	}
	return float64(len(ch)) / float64(cap)
}

// admitOutbound applies the back-pressure policy to a non-priority
// outbound send request.
func admitOutbound(util float64, priority convert.Priority) bool {
	switch {
	case util >= 1.0:
		return false
	case util >= mediumThreshold:
		return priority == convert.PriorityHigh
	case util >= softThreshold:
		return priority == convert.PriorityHigh || priority == convert.PriorityMedium
	default:
		return true
	}
}

// Enqueue accepts an outbound message from the dispatcher, applying the
// back-pressure policy and priority-lane routing.
func (b *Bridge) Enqueue(ctx context.Context, msg convert.OutboundMessage) EnqueueResult {
	select {
	case <-b.stopCh:
		return EnqueueResult{Accepted: false, Nack: NackShutdown}
	default:
	}

	id := ids.NewOutboundID(time.Now().UTC())
	item := outboundItem{id: id, msg: msg}

	if msg.Priority == convert.PriorityHigh {
		select {
		case b.priority <- item:
			return EnqueueResult{Accepted: true, OutboundID: id}
		default:
			return EnqueueResult{Accepted: false, Nack: NackOverloaded}
		}
	}

	util := chanUtilization(b.outgoing, b.cfg.OutgoingCapacity)
	if !admitOutbound(util, msg.Priority) {
		return EnqueueResult{Accepted: false, Nack: NackOverloaded}
	}

	select {
	case b.outgoing <- item:
		return EnqueueResult{Accepted: true, OutboundID: id}
	default:
		return EnqueueResult{Accepted: false, Nack: NackOverloaded}
	}
}

// EnqueueIncoming is called from the XmppClient's event callbacks. If
// full, the event is dropped: an oldest-low-priority eviction has no
// analogue on the incoming side (events carry no priority), so this
// simply drops the newest arrival.
func (b *Bridge) EnqueueIncoming(event convert.ReceivedEvent) bool {
	return b.enqueueInbound(inboundEvent{kind: "message", message: event})
}

func (b *Bridge) enqueueInbound(event inboundEvent) bool {
	select {
	case b.incoming <- event:
		return true
	default:
		b.log.Warn("bridge.incoming.dropped", "kind", event.kind)
		return false
	}
}

func (b *Bridge) runIncomingWorker(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			b.drainIncoming(ctx)
			return
		case <-ctx.Done():
			b.drainIncoming(ctx)
			return
		case event := <-b.incoming:
			b.handleIncoming(ctx, event)
		}
	}
}

func (b *Bridge) drainIncoming(ctx context.Context) {
	for {
		select {
		case event := <-b.incoming:
			b.handleIncoming(ctx, event)
		default:
			return
		}
	}
}

func (b *Bridge) handleIncoming(ctx context.Context, event inboundEvent) {
	switch event.kind {
	case "message":
		b.inbox.Append(event.message)
		b.publish(Notification{Kind: "received_message", FromJID: event.message.FromJID, Body: event.message.Body, TS: event.message.TS})
	case "roster":
		var result addressbook.SyncResult
		if len(event.rosterRemoved) == 0 {
			result = b.book.SyncRoster(ctx, event.rosterAdded)
		} else {
			result = b.book.SyncRosterIncremental(ctx, event.rosterAdded, event.rosterRemoved)
		}
		items := make([]xmppclient.RosterItem, len(event.rosterAdded))
		for i, e := range event.rosterAdded {
			items[i] = xmppclient.RosterItem{JID: e.JID, DisplayName: e.DisplayName}
		}
		b.log.Info("bridge.roster.synced", "added", result.Added, "skipped", result.Skipped, "errors", result.Errors)
		b.publish(Notification{Kind: "roster_update", Entries: items})
	}
}

// OnMessage implements xmppclient.EventHandler. It is the callback the
// XmppClient invokes on its read loop for every inbound <message/>; it
// hands the event to the incoming queue rather than processing it inline.
func (b *Bridge) OnMessage(fromJID, body string, ts time.Time) {
	b.EnqueueIncoming(convert.ReceivedEvent{FromJID: fromJID, Body: body, TS: ts})
}

// OnRosterPush implements xmppclient.EventHandler. A push with no known
// removals (a full roster fetch, e.g. right after connect) drives
// AddressBook.sync_roster; a push naming removedJIDs drives
// sync_roster_incremental so a roster-auto alias whose contact vanished
// is dropped without disturbing manually-saved aliases.
func (b *Bridge) OnRosterPush(added []xmppclient.RosterItem, removedJIDs []string) {
	entries := make([]addressbook.RosterEntry, len(added))
	for i, it := range added {
		entries[i] = addressbook.RosterEntry{JID: it.JID, DisplayName: it.DisplayName}
	}
	b.enqueueInbound(inboundEvent{kind: "roster", rosterAdded: entries, rosterRemoved: removedJIDs})
}

// OnStateChange implements xmppclient.EventHandler, surfacing every
// connection state transition as a notification so the observe feed and
// audit sink see connection health alongside message traffic. It bypasses
// the incoming queue: a state transition touches neither the inbox nor
// the address book, so there is nothing for the worker to serialize.
func (b *Bridge) OnStateChange(from, to xmppclient.State) {
	b.publish(Notification{Kind: "connection_state_changed", State: string(to)})
}

func (b *Bridge) runOutgoingWorker(ctx context.Context) {
	defer b.wg.Done()
	deadline := b.cfg.ShutdownDeadline
	if deadline <= 0 {
		deadline = 5 * time.Second
	}

	for {
		select {
		case <-b.stopCh:
			b.drainOutgoingWithDeadline(ctx, deadline)
			return
		case <-ctx.Done():
			b.drainOutgoingWithDeadline(ctx, deadline)
			return
		case item := <-b.priority:
			b.attemptSend(ctx, item)
		default:
			select {
			case <-b.stopCh:
				b.drainOutgoingWithDeadline(ctx, deadline)
				return
			case <-ctx.Done():
				b.drainOutgoingWithDeadline(ctx, deadline)
				return
			case item := <-b.priority:
				b.attemptSend(ctx, item)
			case item := <-b.outgoing:
				b.attemptSend(ctx, item)
			}
		}
	}
}

func (b *Bridge) drainOutgoingWithDeadline(ctx context.Context, deadline time.Duration) {
	cutoff := time.Now().Add(deadline)
	for {
		var item outboundItem
		select {
		case item = <-b.priority:
		default:
			select {
			case item = <-b.outgoing:
			default:
				return
			}
		}

		if time.Now().After(cutoff) {
			b.publish(Notification{Kind: "delivery_nack", OutboundID: item.id, NackKind: NackShutdown})
			continue
		}
		b.attemptSend(ctx, item)
	}
}

// attemptSend invokes XmppClient.Send, retrying transient failures up to
// maxSendAttempts times with exponential backoff.
func (b *Bridge) attemptSend(ctx context.Context, item outboundItem) {
	if b.client.State() == xmppclient.StateDegraded && item.msg.Priority != convert.PriorityHigh {
		if !b.throttle.Allow(time.Now()) {
			time.Sleep(250 * time.Millisecond)
		}
	}

	if b.client.State() != xmppclient.StateConnected && b.client.State() != xmppclient.StateDegraded {
		b.publish(Notification{Kind: "delivery_nack", OutboundID: item.id, NackKind: NackDisconnected})
		return
	}

	stanza := convert.OutboundToStanza(item.msg)
	err := b.client.Send(ctx, stanza)
	if err == nil {
		b.publish(Notification{Kind: "delivery_ack", OutboundID: item.id})
		return
	}

	var transient *xmppclient.TransientError
	if !errors.As(err, &transient) {
		b.publish(Notification{Kind: "delivery_nack", OutboundID: item.id, NackKind: NackInternal})
		return
	}

	item.msg.AttemptsSoFar++
	if item.msg.AttemptsSoFar >= maxSendAttempts {
		b.publish(Notification{Kind: "delivery_nack", OutboundID: item.id, NackKind: NackInternal})
		return
	}

	atomic.AddUint64(&b.retryTotal, 1)

	backoff := retryBaseBackoff << uint(item.msg.AttemptsSoFar-1)
	select {
	case <-time.After(backoff):
	case <-b.stopCh:
		b.publish(Notification{Kind: "delivery_nack", OutboundID: item.id, NackKind: NackShutdown})
		return
	case <-ctx.Done():
		b.publish(Notification{Kind: "delivery_nack", OutboundID: item.id, NackKind: NackShutdown})
		return
	}

	requeued := outboundItem{id: item.id, msg: item.msg}
	if item.msg.Priority == convert.PriorityHigh {
		select {
		case b.priority <- requeued:
		default:
			b.publish(Notification{Kind: "delivery_nack", OutboundID: item.id, NackKind: NackOverloaded})
		}
		return
	}
	select {
	case b.outgoing <- requeued:
	default:
		b.publish(Notification{Kind: "delivery_nack", OutboundID: item.id, NackKind: NackOverloaded})
	}
}
