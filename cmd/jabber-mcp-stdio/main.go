// Command jabber-mcp-stdio runs the bridge against an in-memory XmppClient
// fake instead of a real XMPP session. It exists for local development
// and IDE integration testing without network credentials.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cronus42/jabber-mcp/internal/app"
	"github.com/cronus42/jabber-mcp/internal/xmppclient"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) > 1 {
		fmt.Fprintln(os.Stderr, "jabber-mcp-stdio takes no arguments")
		return 2
	}

	cfg := app.LoadConfig()
	log := app.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := xmppclient.NewFake()

	a, err := app.New(cfg, client, log)
	if err != nil {
		log.Error("app.init.failed", "err", err)
		return 1
	}

	if err := a.Run(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		log.Error("app.run.failed", "err", err)
		return 1
	}

	return 0
}
