package xmppclient

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// Creds holds the credentials and server override used to establish an
// XMPP session, sourced from XMPP_USER, XMPP_PASSWORD, XMPP_SERVER, and
// XMPP_PORT.
type Creds struct {
	User     string
	Password string
	Server   string
	Port     int
}

func (c Creds) domain() string {
	if i := strings.IndexByte(c.User, '@'); i >= 0 {
		return c.User[i+1:]
	}
	return c.Server
}

// RealClient is a minimal RFC 6120-flavored XMPP client: TCP transport
// wrapped in TLS straight after dialing (no STARTTLS exchange), SASL PLAIN
// authentication, and a raw stanza
// read/write loop. It is intentionally narrow: the wire protocol itself
// (full stream negotiation, resource binding edge cases, all stanza
// types) sits outside the core's scope, which only depends on the
// capability set in Client.
type RealClient struct {
	creds Creds
	log   *slog.Logger

	sm       *StateMachine
	throttle *Throttle

	mu      sync.Mutex
	conn    net.Conn
	decoder *xml.Decoder
	handler EventHandler

	stopOnce sync.Once
	stopCh   chan struct{}
	failures *slidingFailureRate
}

// NewRealClient constructs a RealClient. Connect must be called before
// Send or Roster do anything useful.
func NewRealClient(creds Creds, log *slog.Logger) *RealClient {
	if log == nil {
		log = slog.Default()
	}
	c := &RealClient{
		creds:    creds,
		log:      log,
		throttle: NewThrottle(0, 0),
		stopCh:   make(chan struct{}),
		failures: newSlidingFailureRate(30 * time.Second),
	}
	c.sm = NewStateMachine(func(from, to State) {
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h.OnStateChange(from, to)
		}
		log.Info("xmppclient.state", "from", from, "to", to)
	})
	return c
}

func (c *RealClient) SetHandler(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *RealClient) State() State { return c.sm.Current() }

// Connect dials the server, performs a TLS handshake and SASL PLAIN, then
// starts the background read loop and requests the roster. On a
// non-fatal failure it starts the reconnect supervisor instead.
func (c *RealClient) Connect(ctx context.Context) error {
	c.sm.Transition(StateConnecting)

	if err := c.dialAndAuth(ctx); err != nil {
		if isFatalAuth(err) {
			c.sm.Transition(StateDisconnected)
			return err
		}
		c.sm.Transition(StateReconnecting)
		go c.reconnectLoop(ctx, 1)
		return &TransientError{Op: "connect", Err: err}
	}

	c.sm.Transition(StateConnected)
	go c.readLoop(ctx)
	if _, err := c.Roster(ctx); err != nil {
		c.log.Warn("xmppclient.roster.request_failed", "err", err)
	}
	return nil
}

func isFatalAuth(err error) bool {
	var fatal *FatalAuthError
	return errors.As(err, &fatal)
}

func (c *RealClient) dialAndAuth(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.serverHost(), c.serverPort())

	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	tlsConn := tls.Client(conn, &tls.Config{ServerName: c.creds.domain(), MinVersion: tls.VersionTLS12})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("tls handshake: %w", err)
	}

	if err := c.saslPlainAuth(tlsConn); err != nil {
		tlsConn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = tlsConn
	c.decoder = xml.NewDecoder(tlsConn)
	c.mu.Unlock()

	return nil
}

func (c *RealClient) serverHost() string {
	if c.creds.Server != "" {
		return c.creds.Server
	}
	return c.creds.domain()
}

func (c *RealClient) serverPort() int {
	if c.creds.Port > 0 {
		return c.creds.Port
	}
	return 5222
}

// saslPlainAuth writes the SASL PLAIN initial response
// (authzid\0authcid\0password) and inspects the server's reply for a
// <success/>. A <failure/> reply is treated as a fatal auth error; a write
// or read error on the connection is returned as a transient error.
func (c *RealClient) saslPlainAuth(conn net.Conn) error {
	authcid := c.creds.User
	if i := strings.IndexByte(authcid, '@'); i >= 0 {
		authcid = authcid[:i]
	}

	payload := []byte("\x00" + authcid + "\x00" + c.creds.Password)
	encoded := base64.StdEncoding.EncodeToString(payload)

	frame := fmt.Sprintf(`<auth xmlns="urn:ietf:params:xml:ns:xmpp-sasl" mechanism="PLAIN">%s</auth>`, encoded)
	if _, err := conn.Write([]byte(frame)); err != nil {
		return &TransientError{Op: "sasl_write", Err: err}
	}

	decoder := xml.NewDecoder(conn)
	for {
		tok, err := decoder.Token()
		if err != nil {
			return &TransientError{Op: "sasl_read", Err: err}
		}
		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "success":
				return nil
			case "failure":
				return &FatalAuthError{Reason: "server rejected SASL PLAIN credentials"}
			}
		}
	}
}

// Disconnect closes the underlying connection and stops the read/reconnect
// loops.
func (c *RealClient) Disconnect(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.sm.Transition(StateDisconnected)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Send transmits a raw stanza. While Degraded it also enforces its own
// sliding-window throttle independently of whatever pacing the caller
// applies, so a caller that bypasses the bridge's Degraded-state
// backoff (a direct Send, a test) still can't flood the connection.
func (c *RealClient) Send(ctx context.Context, stanza string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	state := c.sm.Current()
	if state != StateConnected && state != StateDegraded {
		return &TransientError{Op: "send", Err: ErrNotConnected}
	}
	if conn == nil {
		return &TransientError{Op: "send", Err: ErrNotConnected}
	}
	if state == StateDegraded && !c.throttle.Allow(time.Now()) {
		return &TransientError{Op: "send", Err: errors.New("degraded: client-side rate limit exceeded")}
	}

	deadline, ok := ctx.Deadline()
	if ok {
		conn.SetWriteDeadline(deadline)
	}
	_, err := conn.Write([]byte(stanza))
	if err != nil {
		c.failures.recordFailure()
		c.maybeDegrade()
		return &TransientError{Op: "send", Err: err}
	}
	c.failures.recordSuccess()
	return nil
}

// Roster requests the roster over IQ. The wire negotiation is
// intentionally simplified: the reply surfaces asynchronously through
// OnRosterPush once the read loop decodes it, rather than being
// collected here.
func (c *RealClient) Roster(ctx context.Context) ([]RosterItem, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, &TransientError{Op: "roster", Err: ErrNotConnected}
	}

	const iq = `<iq type="get" id="roster1"><query xmlns="jabber:iq:roster"/></iq>`
	if _, err := conn.Write([]byte(iq)); err != nil {
		return nil, &TransientError{Op: "roster", Err: err}
	}

	// The read loop owns decoding; roster items surface asynchronously
	// through OnRosterPush once the reply arrives.
	return nil, nil
}

// readLoop decodes incoming stanzas and dispatches them to the
// registered EventHandler until the connection closes or Disconnect is
// called.
func (c *RealClient) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		decoder := c.decoder
		c.mu.Unlock()
		if decoder == nil {
			return
		}

		tok, err := decoder.Token()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.sm.Transition(StateReconnecting)
			go c.reconnectLoop(ctx, 1)
			return
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		c.dispatchStanza(decoder, start)
	}
}

func (c *RealClient) dispatchStanza(decoder *xml.Decoder, start xml.StartElement) {
	switch start.Name.Local {
	case "message":
		var stanza struct {
			From string `xml:"from,attr"`
			Body string `xml:"body"`
		}
		if err := decoder.DecodeElement(&stanza, &start); err != nil {
			return
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil && stanza.Body != "" {
			h.OnMessage(stanza.From, stanza.Body, time.Now().UTC())
		}
	case "iq":
		var stanza struct {
			Query struct {
				Items []struct {
					JID  string `xml:"jid,attr"`
					Name string `xml:"name,attr"`
				} `xml:"item"`
			} `xml:"query"`
		}
		if err := decoder.DecodeElement(&stanza, &start); err != nil {
			return
		}
		if len(stanza.Query.Items) == 0 {
			return
		}
		items := make([]RosterItem, len(stanza.Query.Items))
		for i, it := range stanza.Query.Items {
			items[i] = RosterItem{JID: it.JID, DisplayName: it.Name}
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h.OnRosterPush(items, nil)
		}
	default:
		decoder.Skip()
	}
}

// reconnectLoop retries Connect with exponential backoff until it
// succeeds, hits a fatal auth error, or Disconnect is called.
func (c *RealClient) reconnectLoop(ctx context.Context, attempt int) {
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(BackoffAttempt(attempt)):
		}

		if err := c.dialAndAuth(ctx); err != nil {
			if isFatalAuth(err) {
				c.sm.Transition(StateDisconnected)
				return
			}
			attempt++
			continue
		}

		c.sm.Transition(StateConnected)
		go c.readLoop(ctx)
		return
	}
}

// maybeDegrade enters Degraded when the recent send failure rate exceeds
// 50% over a 30s window.
func (c *RealClient) maybeDegrade() {
	if c.failures.rate() > 0.5 {
		c.sm.Transition(StateDegraded)
	}
}

// slidingFailureRate tracks send outcomes over a trailing window to
// drive the Degraded transition.
type slidingFailureRate struct {
	window time.Duration

	mu      sync.Mutex
	outcomes []outcomeSample
}

type outcomeSample struct {
	at      time.Time
	success bool
}

func newSlidingFailureRate(window time.Duration) *slidingFailureRate {
	return &slidingFailureRate{window: window}
}

func (s *slidingFailureRate) recordSuccess() { s.record(true) }
func (s *slidingFailureRate) recordFailure() { s.record(false) }

func (s *slidingFailureRate) record(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.outcomes = append(s.outcomes, outcomeSample{at: now, success: success})
	s.prune(now)
}

func (s *slidingFailureRate) prune(now time.Time) {
	cut := now.Add(-s.window)
	i := 0
	for ; i < len(s.outcomes); i++ {
		if s.outcomes[i].at.After(cut) {
			break
		}
	}
	s.outcomes = s.outcomes[i:]
}

func (s *slidingFailureRate) rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(time.Now())
	if len(s.outcomes) == 0 {
		return 0
	}
	failures := 0
	for _, o := range s.outcomes {
		if !o.success {
			failures++
		}
	}
	return float64(failures) / float64(len(s.outcomes))
}
