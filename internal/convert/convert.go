// Package convert holds the pure, stateless translation functions between
// JSON tool payloads and XMPP stanza fields. None of these functions
// perform I/O or hold state; they are safe to call from any goroutine.
package convert

import (
	"strings"
	"time"
)

// RecognizedMessageTypes are the XMPP message types the bridge accepts on
// outbound sends. Anything else is rejected by MCPSendToOutbound.
var RecognizedMessageTypes = map[string]struct{}{
	"chat":      {},
	"normal":    {},
	"groupchat": {},
	"headline":  {},
	"error":     {},
}

const DefaultMessageType = "chat"

// Priority is the outbound message priority class.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// DefaultPriority is applied when a send request omits priority.
const DefaultPriority = PriorityMedium

// ValidPriority reports whether p is one of the three recognized classes.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// OutboundMessage is the wire-independent representation of a message
// awaiting delivery.
type OutboundMessage struct {
	ToJID         string
	Body          string
	MessageType   string
	Priority      Priority
	AttemptsSoFar int
}

// InvalidArgumentError reports that a tool payload failed validation.
// Field names the offending payload key so the dispatcher can shape a
// structured -32602 response.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return "invalid argument " + e.Field + ": " + e.Reason
}

// MCPSendToOutbound validates and converts a send_xmpp_message tool payload
// into an OutboundMessage. jid and body are required non-empty strings;
// messageType defaults to "chat" and is rejected if unrecognized; priority
// defaults to "medium".
func MCPSendToOutbound(jid, body, messageType string, priority Priority) (OutboundMessage, error) {
	if strings.TrimSpace(jid) == "" {
		return OutboundMessage{}, &InvalidArgumentError{Field: "jid", Reason: "must be a non-empty string"}
	}
	if body == "" {
		return OutboundMessage{}, &InvalidArgumentError{Field: "body", Reason: "must be a non-empty string"}
	}

	if messageType == "" {
		messageType = DefaultMessageType
	}
	if _, ok := RecognizedMessageTypes[messageType]; !ok {
		return OutboundMessage{}, &InvalidArgumentError{Field: "message_type", Reason: "unrecognized message type: " + messageType}
	}

	if priority == "" {
		priority = DefaultPriority
	}
	if !ValidPriority(priority) {
		return OutboundMessage{}, &InvalidArgumentError{Field: "priority", Reason: "unrecognized priority: " + string(priority)}
	}

	return OutboundMessage{
		ToJID:       jid,
		Body:        body,
		MessageType: messageType,
		Priority:    priority,
	}, nil
}

// OutboundToStanza renders msg as an XMPP <message> stanza, XML-escaping
// every attribute and text value and replacing raw control characters
// (below 0x20, excluding \t\n\r) with a space.
func OutboundToStanza(msg OutboundMessage) string {
	var b strings.Builder
	b.WriteString(`<message to="`)
	b.WriteString(escapeXML(msg.ToJID))
	b.WriteString(`" type="`)
	b.WriteString(escapeXML(msg.MessageType))
	b.WriteString(`"><body>`)
	b.WriteString(escapeXML(msg.Body))
	b.WriteString(`</body></message>`)
	return b.String()
}

// ReceivedEvent is the wire-independent shape of an inbound message,
// produced by StanzaToReceived and consumed by the Bridge's incoming
// worker.
type ReceivedEvent struct {
	FromJID string
	Body    string
	TS      time.Time
}

// StanzaToReceived converts raw stanza fields into a ReceivedEvent. It
// never raises on decoding issues: non-string inputs are coerced to empty
// strings by the caller before this is reached, and XML entities in body
// are unescaped. ts is accepted as already-parsed to keep this function
// pure; the caller stamps receipt time at decode, not at dequeue.
func StanzaToReceived(fromJID, bodyRaw string, ts time.Time) ReceivedEvent {
	return ReceivedEvent{
		FromJID: fromJID,
		Body:    unescapeXML(bodyRaw),
		TS:      ts,
	}
}

// escapeXML replaces the five predefined XML entities and strips raw
// control characters (never emits raw control chars below 0x20 except
// \t\n\r; replaces them with a space).
func escapeXML(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '&':
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&apos;")
		case '\t', '\n', '\r':
			b.WriteRune(r)
		default:
			if r < 0x20 {
				b.WriteByte(' ')
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

// unescapeXML reverses escapeXML's entity substitution. Unknown or
// malformed entities are passed through verbatim rather than raising an
// error, matching the "never raises on decoding issues" contract.
func unescapeXML(s string) string {
	if !strings.ContainsRune(s, '&') {
		return s
	}

	replacer := strings.NewReplacer(
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&apos;", "'",
		"&amp;", "&",
	)
	return replacer.Replace(s)
}
