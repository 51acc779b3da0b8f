package xmppclient

import (
	"context"
	"testing"
)

func TestFakeConnectSendAndRoster(t *testing.T) {
	t.Parallel()

	f := NewFake()
	ctx := context.Background()

	if err := f.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if f.State() != StateConnected {
		t.Fatalf("state=%v want connected", f.State())
	}

	if err := f.Send(ctx, "<message/>"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := f.SentStanzas(); len(got) != 1 || got[0] != "<message/>" {
		t.Fatalf("sent=%v", got)
	}

	f.InjectRoster([]RosterItem{{JID: "a@x.com", DisplayName: "A"}})
	roster, err := f.Roster(ctx)
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if len(roster) != 1 || roster[0].JID != "a@x.com" {
		t.Fatalf("roster=%v", roster)
	}
}

func TestFakeSendFailsWhenDisconnected(t *testing.T) {
	t.Parallel()
	f := NewFake()
	if err := f.Send(context.Background(), "<message/>"); err != ErrNotConnected {
		t.Fatalf("err=%v want ErrNotConnected", err)
	}
}

func TestFakeInjectSendFailureReturnsQueuedErrorOnce(t *testing.T) {
	t.Parallel()
	f := NewFake()
	ctx := context.Background()
	_ = f.Connect(ctx)

	want := &TransientError{Op: "send", Err: ErrNotConnected}
	f.InjectSendFailure(want)

	if err := f.Send(ctx, "<message/>"); err != want {
		t.Fatalf("err=%v want %v", err, want)
	}
	if err := f.Send(ctx, "<message/>"); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if got := f.SentStanzas(); len(got) != 1 || got[0] != "<message/>" {
		t.Fatalf("sent=%v want only the successful attempt", got)
	}
}

func TestFakeDisconnectTransitionsState(t *testing.T) {
	t.Parallel()
	f := NewFake()
	ctx := context.Background()
	_ = f.Connect(ctx)
	_ = f.Disconnect(ctx)
	if f.State() != StateDisconnected {
		t.Fatalf("state=%v want disconnected", f.State())
	}
}
