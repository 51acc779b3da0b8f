package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	LogLevel  string
	LogFormat string // "json" or "pretty"

	XMPPUser     string
	XMPPPassword string
	XMPPServer   string
	XMPPPort     int

	QueueIncomingSize int
	QueueOutgoingSize int
	QueuePrioritySize int

	InboxCapacity int

	AddressBookPath string

	// DatabaseURL enables the optional Postgres-backed delivery audit
	// log (internal/audit) when non-empty. Empty means audit events are
	// discarded (audit.NopSink).
	DatabaseURL string

	// DebugWSAddr, when non-empty, starts a local websocket feed of
	// BridgeEvents for IDE-side observability tooling. Empty disables it.
	DebugWSAddr string

	// MetricsAddr, when non-empty, serves Prometheus metrics at /metrics.
	MetricsAddr string

	ShutdownDrainDeadline time.Duration
	ToolCallDeadline      time.Duration
}

// LoadConfig loads Config from environment variables, defaulting queue
// sizes, timeouts, and log settings to values safe for a single-account
// bridge process.
func LoadConfig() Config {
	return Config{
		LogLevel:  EnvString("JABBER_MCP_LOG_LEVEL", "info"),
		LogFormat: EnvString("JABBER_MCP_LOG_FORMAT", "json"),

		XMPPUser:     EnvString("XMPP_USER", ""),
		XMPPPassword: EnvString("XMPP_PASSWORD", ""),
		XMPPServer:   EnvString("XMPP_SERVER", ""),
		XMPPPort:     EnvInt("XMPP_PORT", 5222),

		QueueIncomingSize: EnvInt("JABBER_MCP_QUEUE_INCOMING", 1000),
		QueueOutgoingSize: EnvInt("JABBER_MCP_QUEUE_OUTGOING", 1000),
		QueuePrioritySize: EnvInt("JABBER_MCP_QUEUE_PRIORITY", 100),

		InboxCapacity: EnvInt("JABBER_MCP_INBOX_CAPACITY", 500),

		AddressBookPath: EnvString("JABBER_MCP_ADDRESS_BOOK_PATH", "address_book.json"),

		DatabaseURL: EnvString("JABBER_MCP_DATABASE_URL", ""),
		DebugWSAddr: EnvString("JABBER_MCP_DEBUG_WS_ADDR", ""),
		MetricsAddr: EnvString("JABBER_MCP_METRICS_ADDR", ""),

		ShutdownDrainDeadline: EnvDuration("JABBER_MCP_SHUTDOWN_DEADLINE", 5*time.Second),
		ToolCallDeadline:      EnvDuration("JABBER_MCP_TOOL_DEADLINE", 2*time.Second),
	}
}

// EnvString reads a string env var with a default.
func EnvString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// EnvInt reads a positive int env var with a default.
func EnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// EnvDuration reads a duration env var with a default.
func EnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
