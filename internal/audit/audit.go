// Package audit implements the optional Postgres-backed delivery audit
// log: a record of every ack/nack delivery outcome for outbound
// messages, kept for operational forensics. Enqueues are not recorded. It has no bearing on the
// bridge's own delivery semantics: a failing or absent audit sink never
// blocks or fails a send.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cronus42/jabber-mcp/internal/bridge"
)

// Sink records delivery notifications. NopSink is used when no database
// is configured.
type Sink interface {
	Record(ctx context.Context, n bridge.Notification)
	Close()
}

// NopSink discards every record.
type NopSink struct{}

func (NopSink) Record(context.Context, bridge.Notification) {}
func (NopSink) Close()                                       {}

// PostgresSink persists delivery outcomes to a Postgres table. Close
// closes the pool it was given.
type PostgresSink struct {
	pool   *pgxpool.Pool
	log    *slog.Logger
	schema string
}

// NewPostgresPool builds a pgxpool with connectivity validated up front,
// mirroring the composition-root DB wiring pattern used elsewhere in the
// stack.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, errors.New("audit: empty database url")
	}

	pcfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	conn, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		return nil, err
	}
	conn.Release()

	return pool, nil
}

// NewPostgresSink constructs a PostgresSink over an already-validated pool.
func NewPostgresSink(pool *pgxpool.Pool, log *slog.Logger) *PostgresSink {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresSink{pool: pool, log: log, schema: "jabber_mcp"}
}

// Record inserts one delivery-outcome row. Insert failures are logged
// and swallowed rather than propagated: the audit log must never affect
// delivery semantics.
func (s *PostgresSink) Record(ctx context.Context, n bridge.Notification) {
	if n.Kind != "delivery_ack" && n.Kind != "delivery_nack" {
		return
	}

	const stmt = `INSERT INTO jabber_mcp.delivery_audit (outbound_id, outcome, nack_kind, recorded_at) VALUES ($1, $2, $3, $4)`

	outcome := "ack"
	nackKind := ""
	if n.Kind == "delivery_nack" {
		outcome = "nack"
		nackKind = string(n.NackKind)
	}

	insertCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := s.pool.Exec(insertCtx, stmt, n.OutboundID, outcome, nackKind, time.Now().UTC()); err != nil {
		s.log.Warn("audit.record.failed", "outbound_id", n.OutboundID, "err", err)
	}
}

// Close releases the pool. The pool is owned by the caller in general,
// but the audit sink is the sole owner when constructed via
// NewPostgresPool+NewPostgresSink from the composition root, so it closes
// it here.
func (s *PostgresSink) Close() {
	s.pool.Close()
}
