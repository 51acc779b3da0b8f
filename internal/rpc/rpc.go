// Package rpc implements the line-delimited JSON-RPC 2.0 tool dispatcher:
// request/response framing over stdio, a method dispatch table, alias
// resolution, and a structured application error taxonomy.
package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cronus42/jabber-mcp/internal/addressbook"
	"github.com/cronus42/jabber-mcp/internal/bridge"
	"github.com/cronus42/jabber-mcp/internal/convert"
	"github.com/cronus42/jabber-mcp/internal/ids"
	"github.com/cronus42/jabber-mcp/internal/inbox"
	"github.com/cronus42/jabber-mcp/internal/xmppclient"
)

const protocolVersion = "2024-11-05"

// JSON-RPC 2.0 reserved error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
)

// ToolCallDeadline bounds how long a tool call may take before the
// dispatcher synthesizes a NACK with kind "timeout".
const ToolCallDeadline = 2 * time.Second

// Request is a single JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a single JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is a JSON-RPC 2.0 error payload.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// errorData carries the application error kind alongside optional
// disambiguation candidates in a structured data.kind field.
type errorData struct {
	Kind       string   `json:"kind"`
	Candidates []string `json:"candidates,omitempty"`
}

func appErr(kind, message string, candidates []string) *ErrorObject {
	return &ErrorObject{
		Code:    codeInternal,
		Message: message,
		Data:    errorData{Kind: kind, Candidates: candidates},
	}
}

// Dispatcher routes JSON-RPC requests to tool handlers via a table of
// {name -> handler}.
type Dispatcher struct {
	log    *slog.Logger
	bridge *bridge.Bridge
	book   *addressbook.AddressBook
	inbox  *inbox.Inbox
	client xmppclient.Client

	deadline time.Duration

	methods map[string]func(ctx context.Context, params json.RawMessage) (any, *ErrorObject)

	pendingMu sync.Mutex
	pending   map[string]chan bridge.Notification
}

// New constructs a Dispatcher and registers its method table. deadline <= 0
// falls back to ToolCallDeadline.
func New(b *bridge.Bridge, book *addressbook.AddressBook, ib *inbox.Inbox, client xmppclient.Client, deadline time.Duration, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if deadline <= 0 {
		deadline = ToolCallDeadline
	}
	d := &Dispatcher{
		log:      log,
		bridge:   b,
		book:     book,
		inbox:    ib,
		client:   client,
		deadline: deadline,
		pending:  make(map[string]chan bridge.Notification),
	}
	d.methods = map[string]func(ctx context.Context, params json.RawMessage) (any, *ErrorObject){
		"initialize":            d.handleInitialize,
		"tools/list":            d.handleToolsList,
		"ping":                  d.handlePing,
		"tools/call":            d.handleToolsCall,
	}
	return d
}

// RouteNotification delivers one bridge notification to any tool call
// awaiting its outcome. The composition root fans bridge.Notifications()
// out to this method (and, when configured, to the audit sink) since a
// channel can have only one effective consumer.
func (d *Dispatcher) RouteNotification(n bridge.Notification) {
	switch n.Kind {
	case "delivery_ack", "delivery_nack":
		d.pendingMu.Lock()
		ch, ok := d.pending[n.OutboundID]
		d.pendingMu.Unlock()
		if ok {
			select {
			case ch <- n:
			default:
			}
		}
	default:
		d.log.Debug("rpc.notification", "envelope_id", n.EnvelopeID, "kind", n.Kind, "from_jid", n.FromJID)
	}
}

func (d *Dispatcher) awaitOutcome(outboundID string) chan bridge.Notification {
	ch := make(chan bridge.Notification, 1)
	d.pendingMu.Lock()
	d.pending[outboundID] = ch
	d.pendingMu.Unlock()
	return ch
}

func (d *Dispatcher) forgetOutcome(outboundID string) {
	d.pendingMu.Lock()
	delete(d.pending, outboundID)
	d.pendingMu.Unlock()
}

// Handle dispatches one decoded request and returns the response to
// write back, or nil for a notification (no id).
func (d *Dispatcher) Handle(ctx context.Context, req Request) *Response {
	isNotification := len(req.ID) == 0

	handler, ok := d.methods[req.Method]
	if !ok {
		if isNotification {
			return nil
		}
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: &ErrorObject{Code: codeMethodNotFound, Message: "method not found: " + req.Method}}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.deadline)
	defer cancel()

	result, errObj := handler(callCtx, req.Params)
	if isNotification {
		return nil
	}
	if errObj != nil {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: errObj}
	}
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (d *Dispatcher) handleInitialize(ctx context.Context, params json.RawMessage) (any, *ErrorObject) {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "jabber-mcp",
			"version": protocolVersion,
		},
	}, nil
}

func (d *Dispatcher) handleToolsList(ctx context.Context, params json.RawMessage) (any, *ErrorObject) {
	return map[string]any{"tools": toolDescriptors}, nil
}

func (d *Dispatcher) handlePing(ctx context.Context, params json.RawMessage) (any, *ErrorObject) {
	return map[string]any{
		"pong":              true,
		"connection_state":  string(d.client.State()),
	}, nil
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *ErrorObject) {
	var call toolCallParams
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &ErrorObject{Code: codeInvalidParams, Message: "malformed tools/call params: " + err.Error()}
	}

	switch call.Name {
	case "send_xmpp_message":
		return d.toolSendMessage(ctx, call.Arguments)
	case "inbox/list":
		return d.toolInboxList(ctx, call.Arguments)
	case "inbox/get":
		return d.toolInboxGet(ctx, call.Arguments)
	case "inbox/clear":
		return d.toolInboxClear(ctx, call.Arguments)
	case "address_book/save":
		return d.toolAddressBookSave(ctx, call.Arguments)
	case "address_book/query":
		return d.toolAddressBookQuery(ctx, call.Arguments)
	case "address_book/remove":
		return d.toolAddressBookRemove(ctx, call.Arguments)
	case "address_book/list":
		return d.toolAddressBookList(ctx, call.Arguments)
	default:
		return nil, &ErrorObject{Code: codeMethodNotFound, Message: "unknown tool: " + call.Name}
	}
}

type sendMessageParams struct {
	Recipient   string `json:"recipient"`
	Message     string `json:"message"`
	MessageType string `json:"message_type"`
	Priority    string `json:"priority"`
}

func (d *Dispatcher) toolSendMessage(ctx context.Context, raw json.RawMessage) (any, *ErrorObject) {
	var p sendMessageParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &ErrorObject{Code: codeInvalidParams, Message: "malformed arguments: " + err.Error()}
	}

	jid, errObj := d.resolveRecipient(p.Recipient)
	if errObj != nil {
		return nil, errObj
	}

	msg, err := convert.MCPSendToOutbound(jid, p.Message, p.MessageType, convert.Priority(p.Priority))
	if err != nil {
		var invalid *convert.InvalidArgumentError
		if errors.As(err, &invalid) {
			return nil, &ErrorObject{Code: codeInvalidParams, Message: invalid.Error()}
		}
		return nil, appErr("internal_error", err.Error(), nil)
	}

	res := d.bridge.Enqueue(ctx, msg)
	if !res.Accepted {
		return nil, appErr(string(res.Nack), "send rejected: "+string(res.Nack), nil)
	}

	outcome := d.awaitOutcome(res.OutboundID)
	defer d.forgetOutcome(res.OutboundID)

	select {
	case n := <-outcome:
		if n.Kind == "delivery_ack" {
			return map[string]any{"status": "ack", "outbound_id": res.OutboundID}, nil
		}
		return nil, appErr(string(n.NackKind), "delivery failed: "+string(n.NackKind), nil)
	case <-ctx.Done():
		return nil, appErr("timeout", "deadline elapsed awaiting ack", nil)
	}
}

// resolveRecipient resolves a tool call's recipient field: a bare JID
// (contains '@') is validated against the localpart@domain[/resource]
// grammar and passed through unchanged, otherwise it is looked up as an
// address book alias.
func (d *Dispatcher) resolveRecipient(recipient string) (string, *ErrorObject) {
	if strings.Contains(recipient, "@") {
		if err := addressbook.ValidateJID(recipient); err != nil {
			return "", appErr(string(bridge.NackInvalidJID), err.Error(), nil)
		}
		return recipient, nil
	}

	jid, err := d.book.Resolve(recipient)
	if err == nil {
		return jid, nil
	}

	var ambiguous *addressbook.AmbiguousError
	if errors.As(err, &ambiguous) {
		candidates := make([]string, len(ambiguous.Candidates))
		for i, c := range ambiguous.Candidates {
			candidates[i] = c.Alias
		}
		return "", appErr("ambiguous_alias", "alias is ambiguous", candidates)
	}
	if errors.Is(err, addressbook.ErrNotFound) {
		return "", appErr("unknown_alias", "no address book entry for "+recipient, nil)
	}
	return "", appErr("internal_error", err.Error(), nil)
}

type inboxListParams struct {
	Limit int `json:"limit"`
}

func (d *Dispatcher) toolInboxList(ctx context.Context, raw json.RawMessage) (any, *ErrorObject) {
	var p inboxListParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &ErrorObject{Code: codeInvalidParams, Message: "malformed arguments: " + err.Error()}
		}
	}

	entries := d.inbox.List(p.Limit)
	messages := make([]map[string]any, len(entries))
	for i, e := range entries {
		messages[i] = map[string]any{
			"id":        e.ID,
			"from":      e.FromJID,
			"preview":   e.Preview,
			"timestamp": e.TS,
		}
	}
	return map[string]any{"messages": messages}, nil
}

type inboxGetParams struct {
	MessageID string `json:"messageId"`
}

func (d *Dispatcher) toolInboxGet(ctx context.Context, raw json.RawMessage) (any, *ErrorObject) {
	var p inboxGetParams
	if err := json.Unmarshal(raw, &p); err != nil || p.MessageID == "" {
		return nil, &ErrorObject{Code: codeInvalidParams, Message: "messageId is required"}
	}
	messageID, ok := ids.ParseMessageID(p.MessageID)
	if !ok {
		return nil, &ErrorObject{Code: codeInvalidParams, Message: "messageId is not a valid id: " + p.MessageID}
	}

	rec, ok := d.inbox.Get(messageID)
	if !ok {
		return nil, appErr("not_found", "no such message: "+p.MessageID, nil)
	}
	return map[string]any{
		"id":       rec.ID,
		"from_jid": rec.FromJID,
		"body":     rec.Body,
		"ts":       rec.TS,
	}, nil
}

func (d *Dispatcher) toolInboxClear(ctx context.Context, raw json.RawMessage) (any, *ErrorObject) {
	return map[string]any{"cleared": d.inbox.Clear()}, nil
}

type addressBookSaveParams struct {
	Alias string `json:"alias"`
	JID   string `json:"jid"`
}

func (d *Dispatcher) toolAddressBookSave(ctx context.Context, raw json.RawMessage) (any, *ErrorObject) {
	var p addressBookSaveParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &ErrorObject{Code: codeInvalidParams, Message: "malformed arguments: " + err.Error()}
	}

	outcome, err := d.book.Save(ctx, p.Alias, p.JID)
	if err != nil {
		var invalid *addressbook.InvalidArgumentError
		if errors.As(err, &invalid) {
			return nil, &ErrorObject{Code: codeInvalidParams, Message: invalid.Error()}
		}
		return nil, appErr("internal_error", err.Error(), nil)
	}
	return map[string]any{"status": string(outcome)}, nil
}

type addressBookQueryParams struct {
	Term  string `json:"term"`
	Limit int    `json:"limit"`
}

func (d *Dispatcher) toolAddressBookQuery(ctx context.Context, raw json.RawMessage) (any, *ErrorObject) {
	var p addressBookQueryParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &ErrorObject{Code: codeInvalidParams, Message: "malformed arguments: " + err.Error()}
	}

	matches := d.book.Query(p.Term, p.Limit)
	out := make([]map[string]any, len(matches))
	for i, m := range matches {
		out[i] = map[string]any{"alias": m.Alias, "jid": m.JID, "score": m.Score}
	}
	return map[string]any{"matches": out}, nil
}

type addressBookRemoveParams struct {
	Alias string `json:"alias"`
}

func (d *Dispatcher) toolAddressBookRemove(ctx context.Context, raw json.RawMessage) (any, *ErrorObject) {
	var p addressBookRemoveParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Alias == "" {
		return nil, &ErrorObject{Code: codeInvalidParams, Message: "alias is required"}
	}
	return map[string]any{"status": string(d.book.Remove(ctx, p.Alias))}, nil
}

func (d *Dispatcher) toolAddressBookList(ctx context.Context, raw json.RawMessage) (any, *ErrorObject) {
	entries := d.book.List()
	out := make([]map[string]any, len(entries))
	for i, e := range entries {
		out[i] = map[string]any{"alias": e.Alias, "jid": e.JID, "origin": string(e.Origin)}
	}
	return map[string]any{"entries": out}, nil
}

// Serve reads line-delimited JSON-RPC requests from r and writes
// responses to w, one per line, until r returns io.EOF or ctx is
// canceled.
func (d *Dispatcher) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var writeMu sync.Mutex
	writeResponse := func(resp *Response) {
		if resp == nil {
			return
		}
		data, err := json.Marshal(resp)
		if err != nil {
			d.log.Error("rpc.marshal_response.failed", "err", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		w.Write(data)
		w.Write([]byte("\n"))
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			writeResponse(&Response{JSONRPC: "2.0", Error: &ErrorObject{Code: codeParseError, Message: "parse error: " + err.Error()}})
			continue
		}
		if req.JSONRPC != "2.0" || req.Method == "" {
			writeResponse(&Response{JSONRPC: "2.0", ID: req.ID, Error: &ErrorObject{Code: codeInvalidRequest, Message: "invalid request"}})
			continue
		}

		// Sequential: a request's response is emitted before the next
		// request is processed.
		resp := d.Handle(ctx, req)
		writeResponse(resp)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("rpc: reading requests: %w", err)
	}
	return nil
}
