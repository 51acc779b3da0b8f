package bridge

import (
	"context"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/cronus42/jabber-mcp/internal/addressbook"
	"github.com/cronus42/jabber-mcp/internal/convert"
	"github.com/cronus42/jabber-mcp/internal/inbox"
	"github.com/cronus42/jabber-mcp/internal/xmppclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBridge(t *testing.T, cfg Config) (*Bridge, *xmppclient.Fake) {
	t.Helper()
	client := xmppclient.NewFake()
	book := addressbook.Load(t.TempDir()+"/book.json", testLogger())
	ib := inbox.New(500)
	b := New(cfg, client, book, ib, testLogger())
	return b, client
}

func TestAdmitOutboundThresholds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		util     float64
		priority convert.Priority
		want     bool
	}{
		{0.5, convert.PriorityLow, true},
		{0.5, convert.PriorityMedium, true},
		{0.75, convert.PriorityLow, false},
		{0.75, convert.PriorityMedium, true},
		{0.75, convert.PriorityHigh, true},
		{0.95, convert.PriorityMedium, false},
		{0.95, convert.PriorityHigh, true},
		{1.0, convert.PriorityHigh, false},
	}

	for _, c := range cases {
		got := admitOutbound(c.util, c.priority)
		if got != c.want {
			t.Errorf("admitOutbound(%v, %v)=%v want %v", c.util, c.priority, got, c.want)
		}
	}
}

func TestEnqueueAcceptsBelowCapacity(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.OutgoingCapacity = 10
	b, client := newTestBridge(t, cfg)
	client.Connect(context.Background())

	res := b.Enqueue(context.Background(), convert.OutboundMessage{ToJID: "a@x.com", Body: "hi", MessageType: "chat", Priority: convert.PriorityMedium})
	if !res.Accepted {
		t.Fatalf("expected accepted, got nack=%v", res.Nack)
	}
	if res.OutboundID == "" {
		t.Fatal("expected non-empty outbound id")
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.OutgoingCapacity = 1
	cfg.PriorityCapacity = 1
	b, _ := newTestBridge(t, cfg)

	first := b.Enqueue(context.Background(), convert.OutboundMessage{ToJID: "a@x.com", Body: "1", Priority: convert.PriorityMedium})
	if !first.Accepted {
		t.Fatalf("expected first enqueue accepted: %v", first.Nack)
	}

	second := b.Enqueue(context.Background(), convert.OutboundMessage{ToJID: "a@x.com", Body: "2", Priority: convert.PriorityMedium})
	if second.Accepted {
		t.Fatal("expected second enqueue to be rejected at full capacity")
	}
	if second.Nack != NackOverloaded {
		t.Fatalf("nack=%v want overloaded", second.Nack)
	}
}

func TestEnqueueAfterStopReturnsShutdown(t *testing.T) {
	t.Parallel()
	b, client := newTestBridge(t, DefaultConfig())
	ctx := context.Background()
	client.Connect(ctx)
	b.Start(ctx)
	b.Stop()

	res := b.Enqueue(ctx, convert.OutboundMessage{ToJID: "a@x.com", Body: "hi", Priority: convert.PriorityMedium})
	if res.Accepted {
		t.Fatal("expected rejection after stop")
	}
	if res.Nack != NackShutdown {
		t.Fatalf("nack=%v want shutdown", res.Nack)
	}
}

func TestOutgoingWorkerDeliversAndAcks(t *testing.T) {
	t.Parallel()
	b, client := newTestBridge(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.Connect(ctx)
	b.Start(ctx)
	defer b.Stop()

	res := b.Enqueue(ctx, convert.OutboundMessage{ToJID: "a@x.com", Body: "hi", MessageType: "chat", Priority: convert.PriorityMedium})
	if !res.Accepted {
		t.Fatalf("enqueue rejected: %v", res.Nack)
	}

	select {
	case n := <-b.Notifications():
		if n.Kind != "delivery_ack" || n.OutboundID != res.OutboundID {
			t.Fatalf("unexpected notification: %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery_ack")
	}

	if got := client.SentStanzas(); len(got) != 1 {
		t.Fatalf("sent stanzas=%v want 1", got)
	}
}

func TestOutgoingWorkerNacksWhenDisconnected(t *testing.T) {
	t.Parallel()
	b, _ := newTestBridge(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.Start(ctx)
	defer b.Stop()

	res := b.Enqueue(ctx, convert.OutboundMessage{ToJID: "a@x.com", Body: "hi", Priority: convert.PriorityMedium})
	if !res.Accepted {
		t.Fatalf("enqueue rejected: %v", res.Nack)
	}

	select {
	case n := <-b.Notifications():
		if n.Kind != "delivery_nack" || n.NackKind != NackDisconnected {
			t.Fatalf("unexpected notification: %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery_nack")
	}
}

func TestAttemptSendRetriesTransientFailureWithBackoff(t *testing.T) {
	t.Parallel()
	b, client := newTestBridge(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.Connect(ctx)
	client.InjectSendFailure(&xmppclient.TransientError{Op: "send", Err: context.DeadlineExceeded})
	b.Start(ctx)
	defer b.Stop()

	start := time.Now()
	res := b.Enqueue(ctx, convert.OutboundMessage{ToJID: "a@x.com", Body: "hi", Priority: convert.PriorityMedium})
	if !res.Accepted {
		t.Fatalf("enqueue rejected: %v", res.Nack)
	}

	select {
	case n := <-b.Notifications():
		if n.Kind != "delivery_ack" || n.OutboundID != res.OutboundID {
			t.Fatalf("unexpected notification: %+v", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery_ack after retry")
	}

	if elapsed := time.Since(start); elapsed < retryBaseBackoff {
		t.Fatalf("delivery_ack arrived after %v, want >= one backoff of %v", elapsed, retryBaseBackoff)
	}
	if got := client.SentStanzas(); len(got) != 1 {
		t.Fatalf("sent stanzas=%v want 1 (only the successful attempt is recorded)", got)
	}
}

func TestAttemptSendGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	b, client := newTestBridge(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.Connect(ctx)
	for i := 0; i < maxSendAttempts; i++ {
		client.InjectSendFailure(&xmppclient.TransientError{Op: "send", Err: context.DeadlineExceeded})
	}
	b.Start(ctx)
	defer b.Stop()

	start := time.Now()
	res := b.Enqueue(ctx, convert.OutboundMessage{ToJID: "a@x.com", Body: "hi", Priority: convert.PriorityMedium})
	if !res.Accepted {
		t.Fatalf("enqueue rejected: %v", res.Nack)
	}

	select {
	case n := <-b.Notifications():
		if n.Kind != "delivery_nack" || n.NackKind != NackInternal {
			t.Fatalf("unexpected notification: %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery_nack")
	}

	wantBackoff := retryBaseBackoff + retryBaseBackoff*2
	if elapsed := time.Since(start); elapsed < wantBackoff {
		t.Fatalf("delivery_nack arrived after %v, want >= %v (two backoffs before giving up)", elapsed, wantBackoff)
	}
	if got := client.SentStanzas(); len(got) != 0 {
		t.Fatalf("sent stanzas=%v want 0 (every attempt failed)", got)
	}
}

func TestIncomingWorkerAppendsToInboxAndNotifies(t *testing.T) {
	t.Parallel()
	b, client := newTestBridge(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.Connect(ctx)
	b.Start(ctx)
	defer b.Stop()

	accepted := b.EnqueueIncoming(convert.ReceivedEvent{FromJID: "bob@example.com", Body: "hello", TS: time.Now()})
	if !accepted {
		t.Fatal("expected incoming event accepted")
	}

	select {
	case n := <-b.Notifications():
		if n.Kind != "received_message" || n.FromJID != "bob@example.com" {
			t.Fatalf("unexpected notification: %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for received_message notification")
	}
}

func TestOnMessageRoutesThroughIncomingQueue(t *testing.T) {
	t.Parallel()
	b, client := newTestBridge(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.SetHandler(b)
	client.Connect(ctx)
	b.Start(ctx)
	defer b.Stop()

	client.InjectMessage("carol@example.com", "hi there")

	select {
	case n := <-b.Notifications():
		if n.Kind != "received_message" || n.FromJID != "carol@example.com" {
			t.Fatalf("unexpected notification: %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for received_message notification")
	}
}

func TestOnRosterPushSyncsAddressBookAndNotifies(t *testing.T) {
	t.Parallel()
	b, client := newTestBridge(t, DefaultConfig())
	client.SetHandler(b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	client.InjectRoster([]xmppclient.RosterItem{{JID: "dave@example.com", DisplayName: "Dave"}})

	select {
	case n := <-b.Notifications():
		if n.Kind != "roster_update" || len(n.Entries) != 1 {
			t.Fatalf("unexpected notification: %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for roster_update notification")
	}

	if _, err := b.book.Resolve("dave"); err != nil {
		t.Fatalf("expected roster entry synced into address book: %v", err)
	}
}

func TestOnStateChangePublishesConnectionStateChanged(t *testing.T) {
	t.Parallel()
	b, client := newTestBridge(t, DefaultConfig())
	client.SetHandler(b)

	client.InjectStateChange(xmppclient.StateDegraded)

	select {
	case n := <-b.Notifications():
		if n.Kind != "connection_state_changed" || n.State != string(xmppclient.StateDegraded) {
			t.Fatalf("unexpected notification: %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connection_state_changed notification")
	}
}

func TestHighPriorityBypassesFullMediumQueue(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.OutgoingCapacity = 1
	cfg.PriorityCapacity = 1
	b, _ := newTestBridge(t, cfg)
	ctx := context.Background()

	b.Enqueue(ctx, convert.OutboundMessage{ToJID: "a@x.com", Body: "fills queue", Priority: convert.PriorityMedium})

	res := b.Enqueue(ctx, convert.OutboundMessage{ToJID: "a@x.com", Body: "urgent", Priority: convert.PriorityHigh})
	if !res.Accepted {
		t.Fatalf("expected high priority to use its own lane, nack=%v", res.Nack)
	}
}
