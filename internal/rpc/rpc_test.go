package rpc

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/cronus42/jabber-mcp/internal/addressbook"
	"github.com/cronus42/jabber-mcp/internal/bridge"
	"github.com/cronus42/jabber-mcp/internal/convert"
	"github.com/cronus42/jabber-mcp/internal/inbox"
	"github.com/cronus42/jabber-mcp/internal/xmppclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	dispatcher *Dispatcher
	bridge     *bridge.Bridge
	client     *xmppclient.Fake
	book       *addressbook.AddressBook
	cancel     context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client := xmppclient.NewFake()
	book := addressbook.Load(t.TempDir()+"/book.json", testLogger())
	ib := inbox.New(500)
	b := bridge.New(bridge.DefaultConfig(), client, book, ib, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	client.Connect(ctx)
	b.Start(ctx)

	d := New(b, book, ib, client, 0, testLogger())
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-b.Notifications():
				if !ok {
					return
				}
				d.RouteNotification(n)
			}
		}
	}()

	t.Cleanup(func() {
		cancel()
		b.Stop()
	})

	return &harness{dispatcher: d, bridge: b, client: client, book: book, cancel: cancel}
}

func callTool(t *testing.T, h *harness, name string, args map[string]any) *Response {
	t.Helper()
	argBytes, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	params, err := json.Marshal(toolCallParams{Name: name, Arguments: argBytes})
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	req := Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/call", Params: params}
	return h.dispatcher.Handle(context.Background(), req)
}

func TestNewAppliesConfiguredDeadline(t *testing.T) {
	t.Parallel()
	client := xmppclient.NewFake()
	book := addressbook.Load(t.TempDir()+"/book.json", testLogger())
	ib := inbox.New(500)
	b := bridge.New(bridge.DefaultConfig(), client, book, ib, testLogger())

	d := New(b, book, ib, client, 250*time.Millisecond, testLogger())
	if d.deadline != 250*time.Millisecond {
		t.Fatalf("deadline=%v want 250ms", d.deadline)
	}

	d2 := New(b, book, ib, client, 0, testLogger())
	if d2.deadline != ToolCallDeadline {
		t.Fatalf("deadline=%v want default %v", d2.deadline, ToolCallDeadline)
	}
}

func TestSendMessageToDirectJIDAcks(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp := callTool(t, h, "send_xmpp_message", map[string]any{"recipient": "alice@example.com", "message": "Hi"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	sent := h.client.SentStanzas()
	if len(sent) != 1 || !strings.Contains(sent[0], `to="alice@example.com"`) || !strings.Contains(sent[0], "<body>Hi</body>") {
		t.Fatalf("sent=%v", sent)
	}
}

func TestSendMessageResolvesAlias(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	saveResp := callTool(t, h, "address_book/save", map[string]any{"alias": "alice", "jid": "alice@example.com"})
	if saveResp.Error != nil {
		t.Fatalf("save error: %+v", saveResp.Error)
	}

	resp := callTool(t, h, "send_xmpp_message", map[string]any{"recipient": "alice", "message": "Hello"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	sent := h.client.SentStanzas()
	if len(sent) != 1 || !strings.Contains(sent[0], `to="alice@example.com"`) {
		t.Fatalf("sent=%v", sent)
	}
}

func TestSendMessageAmbiguousAlias(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	callTool(t, h, "address_book/save", map[string]any{"alias": "alice1", "jid": "alice@a.com"})
	callTool(t, h, "address_book/save", map[string]any{"alias": "alice2", "jid": "alice@b.com"})

	resp := callTool(t, h, "send_xmpp_message", map[string]any{"recipient": "alice", "message": "x"})
	if resp.Error == nil {
		t.Fatal("expected ambiguous_alias error")
	}
	data, ok := resp.Error.Data.(errorData)
	if !ok || data.Kind != "ambiguous_alias" {
		t.Fatalf("error data=%+v", resp.Error.Data)
	}
	if len(data.Candidates) < 2 {
		t.Fatalf("expected candidates listed, got %v", data.Candidates)
	}
}

func TestSendMessageRejectsMalformedDirectJID(t *testing.T) {
	t.Parallel()

	cases := []string{"@foo", "foo@", "a@b@c", "foo@bar baz"}
	for _, recipient := range cases {
		h := newHarness(t)

		resp := callTool(t, h, "send_xmpp_message", map[string]any{"recipient": recipient, "message": "x"})
		if resp.Error == nil {
			t.Fatalf("recipient=%q: expected invalid_jid error", recipient)
		}
		data, ok := resp.Error.Data.(errorData)
		if !ok || data.Kind != "invalid_jid" {
			t.Fatalf("recipient=%q: error data=%+v want kind invalid_jid", recipient, resp.Error.Data)
		}
		if got := h.client.SentStanzas(); len(got) != 0 {
			t.Fatalf("recipient=%q: sent=%v want nothing sent for a rejected recipient", recipient, got)
		}
	}
}

func TestSendMessageUnknownAlias(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp := callTool(t, h, "send_xmpp_message", map[string]any{"recipient": "nobody", "message": "x"})
	if resp.Error == nil {
		t.Fatal("expected unknown_alias error")
	}
	data := resp.Error.Data.(errorData)
	if data.Kind != "unknown_alias" {
		t.Fatalf("kind=%q want unknown_alias", data.Kind)
	}
}

func TestPingReportsConnectionState(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	req := Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "ping"}
	resp := h.dispatcher.Handle(context.Background(), req)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	if result["connection_state"] != "connected" {
		t.Fatalf("connection_state=%v want connected", result["connection_state"])
	}
	if result["pong"] != true {
		t.Fatalf("pong=%v want true", result["pong"])
	}
}

func TestInboxListNewestFirstAndGetNotFound(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.bridge.EnqueueIncoming(convert.ReceivedEvent{FromJID: "a@x.com", Body: "first", TS: time.Now()})
	h.bridge.EnqueueIncoming(convert.ReceivedEvent{FromJID: "b@x.com", Body: "second", TS: time.Now()})
	time.Sleep(50 * time.Millisecond)

	listResp := callTool(t, h, "inbox/list", map[string]any{})
	if listResp.Error != nil {
		t.Fatalf("unexpected error: %+v", listResp.Error)
	}
	result := listResp.Result.(map[string]any)
	messages := result["messages"].([]map[string]any)
	if len(messages) != 2 {
		t.Fatalf("messages=%v", messages)
	}
	if messages[0]["preview"] != "second" {
		t.Fatalf("expected newest first, got %+v", messages[0])
	}

	getResp := callTool(t, h, "inbox/get", map[string]any{"messageId": "00000000-0000-0000-0000-000000000000"})
	if getResp.Error == nil {
		t.Fatal("expected not_found error")
	}
	data := getResp.Error.Data.(errorData)
	if data.Kind != "not_found" {
		t.Fatalf("kind=%q want not_found", data.Kind)
	}
}

func TestInboxClearIdempotentCount(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.bridge.EnqueueIncoming(convert.ReceivedEvent{FromJID: "a@x.com", Body: "one", TS: time.Now()})
	time.Sleep(50 * time.Millisecond)

	first := callTool(t, h, "inbox/clear", map[string]any{})
	if first.Result.(map[string]any)["cleared"].(int) != 1 {
		t.Fatalf("first clear=%+v want 1", first.Result)
	}

	second := callTool(t, h, "inbox/clear", map[string]any{})
	if second.Result.(map[string]any)["cleared"].(int) != 0 {
		t.Fatalf("second clear=%+v want 0", second.Result)
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	req := Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "bogus"}
	resp := h.dispatcher.Handle(context.Background(), req)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("resp=%+v want method not found", resp)
	}
}

func TestNotificationHasNoResponse(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	req := Request{JSONRPC: "2.0", Method: "ping"}
	resp := h.dispatcher.Handle(context.Background(), req)
	if resp != nil {
		t.Fatalf("expected nil response for notification, got %+v", resp)
	}
}
