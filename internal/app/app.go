// Package app wires the bridge runtime: config, logging, the bridge
// engine, dispatcher, and optional metrics/observability/audit sinks.
//
// It is intentionally small and deterministic: App owns lifecycle, every
// other package owns its own domain logic.
package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cronus42/jabber-mcp/internal/addressbook"
	"github.com/cronus42/jabber-mcp/internal/audit"
	"github.com/cronus42/jabber-mcp/internal/bridge"
	"github.com/cronus42/jabber-mcp/internal/inbox"
	"github.com/cronus42/jabber-mcp/internal/metrics"
	"github.com/cronus42/jabber-mcp/internal/observe"
	"github.com/cronus42/jabber-mcp/internal/rpc"
	"github.com/cronus42/jabber-mcp/internal/xmppclient"
)

// App is the bridge runtime: it owns the bridge engine, dispatcher, and
// every optional ambient component (metrics, audit, observe feed).
type App struct {
	cfg    Config
	log    *slog.Logger
	client xmppclient.Client
	book   *addressbook.AddressBook
	inbox  *inbox.Inbox
	bridge *bridge.Bridge
	rpc    *rpc.Dispatcher

	auditSink   audit.Sink
	observeFeed *observe.Feed
	metricsSrv  *http.Server
}

// New wires a fully constructed App from cfg and an XmppClient
// implementation (either the real client or xmppclient.Fake for the
// stdio-only entry point).
func New(cfg Config, client xmppclient.Client, log *slog.Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	book := addressbook.Load(cfg.AddressBookPath, log)
	ib := inbox.New(cfg.InboxCapacity)

	bcfg := bridge.Config{
		IncomingCapacity: cfg.QueueIncomingSize,
		OutgoingCapacity: cfg.QueueOutgoingSize,
		PriorityCapacity: cfg.QueuePrioritySize,
		ShutdownDeadline: cfg.ShutdownDrainDeadline,
	}
	br := bridge.New(bcfg, client, book, ib, log)
	client.SetHandler(br)
	dispatcher := rpc.New(br, book, ib, client, cfg.ToolCallDeadline, log)

	a := &App{
		cfg:       cfg,
		log:       log,
		client:    client,
		book:      book,
		inbox:     ib,
		bridge:    br,
		rpc:       dispatcher,
		auditSink: audit.NopSink{},
	}

	if cfg.DatabaseURL != "" {
		pool, err := audit.NewPostgresPool(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.auditSink = audit.NewPostgresSink(pool, log)
		log.Info("audit.enabled", "sink", "postgres")
	}

	if cfg.DebugWSAddr != "" {
		a.observeFeed = observe.NewFeed(cfg.DebugWSAddr, log)
	}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector(br, ib, client))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		a.metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	return a, nil
}

// Run connects the XmppClient, starts the bridge workers, the
// notification fan-out, and every optional ambient service, then serves
// JSON-RPC over stdio until ctx is canceled or the transport returns EOF.
func (a *App) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	if err := a.client.Connect(ctx); err != nil {
		var fatal *xmppclient.FatalAuthError
		if errors.As(err, &fatal) {
			a.log.Error("xmpp.connect.fatal", "err", err)
			return err
		}
		a.log.Warn("xmpp.connect.failed", "err", err)
	}

	a.bridge.Start(ctx)
	defer a.bridge.Stop()

	go a.fanOutNotifications(ctx)

	if a.metricsSrv != nil {
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics.serve.failed", "err", err)
			}
		}()
		defer a.shutdownMetrics()
	}

	if a.observeFeed != nil {
		go func() {
			if err := a.observeFeed.Serve(ctx); err != nil {
				a.log.Warn("observe.serve.failed", "err", err)
			}
		}()
	}

	defer a.shutdown()

	a.log.Info("bridge.started", "xmpp_user", a.cfg.XMPPUser)
	return a.rpc.Serve(ctx, in, out)
}

func (a *App) fanOutNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-a.bridge.Notifications():
			if !ok {
				return
			}
			a.rpc.RouteNotification(n)
			a.auditSink.Record(ctx, n)
			if a.observeFeed != nil {
				a.observeFeed.Publish(n)
			}
		}
	}
}

func (a *App) shutdownMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.metricsSrv.Shutdown(ctx); err != nil {
		a.log.Warn("metrics.shutdown.failed", "err", err)
	}
}

func (a *App) shutdown() {
	if err := a.book.Flush(); err != nil {
		a.log.Warn("addressbook.flush.failed", "err", err)
	}
	a.auditSink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.client.Disconnect(ctx); err != nil {
		a.log.Warn("xmpp.disconnect.failed", "err", err)
	}
}
