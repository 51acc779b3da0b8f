package convert

import (
	"strings"
	"testing"
	"time"
)

func TestMCPSendToOutboundDefaults(t *testing.T) {
	t.Parallel()

	msg, err := MCPSendToOutbound("alice@example.com", "hi", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.MessageType != DefaultMessageType {
		t.Fatalf("message_type=%q want %q", msg.MessageType, DefaultMessageType)
	}
	if msg.Priority != DefaultPriority {
		t.Fatalf("priority=%q want %q", msg.Priority, DefaultPriority)
	}
}

func TestMCPSendToOutboundRejectsMissingFields(t *testing.T) {
	t.Parallel()

	if _, err := MCPSendToOutbound("", "hi", "", ""); err == nil {
		t.Fatal("expected error for empty jid")
	}
	if _, err := MCPSendToOutbound("alice@example.com", "", "", ""); err == nil {
		t.Fatal("expected error for empty body")
	}
	if _, err := MCPSendToOutbound("alice@example.com", "hi", "bogus", ""); err == nil {
		t.Fatal("expected error for unrecognized message type")
	}
}

func TestOutboundToStanzaEscapesAndRoundTrips(t *testing.T) {
	t.Parallel()

	msg := OutboundMessage{
		ToJID:       `alice"<>&'@example.com`,
		Body:        "Tom & Jerry <said> \"hi\" it's\x02fine",
		MessageType: "chat",
	}
	stanza := OutboundToStanza(msg)

	if got, want := stanza[len(`<message to="`):strings.Index(stanza, `" type=`)], `alice&quot;&lt;&gt;&amp;&apos;@example.com`; got != want {
		t.Fatalf("jid attribute not fully escaped: got %s want %s", got, want)
	}
	if strings.Contains(stanza, "\x02") {
		t.Fatalf("control char leaked into stanza: %q", stanza)
	}

	bodyStart := strings.Index(stanza, "<body>") + len("<body>")
	bodyEnd := strings.Index(stanza, "</body>")
	rawBody := stanza[bodyStart:bodyEnd]

	got := StanzaToReceived("alice@example.com", rawBody, time.Now()).Body
	want := "Tom & Jerry <said> \"hi\" it's fine"
	if got != want {
		t.Fatalf("round-trip body=%q want %q", got, want)
	}
}

func TestStanzaToReceivedEmptyBody(t *testing.T) {
	t.Parallel()

	got := StanzaToReceived("bob@example.com", "", time.Now())
	if got.Body != "" {
		t.Fatalf("expected empty body round trip, got %q", got.Body)
	}
	if got.FromJID != "bob@example.com" {
		t.Fatalf("from_jid=%q", got.FromJID)
	}
}
