// Command jabber-mcp is the XMPP-backed entry point: it drives a real
// XmppClient session against credentials from the environment.
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
		fmt.Fprintln(os.Stderr, "jabber-mcp takes no arguments")
		return 2
	}

	cfg := app.LoadConfig()
	log := app.NewLogger(cfg.LogLevel, cfg.LogFormat)

	if cfg.XMPPUser == "" || cfg.XMPPPassword == "" {
		fmt.Fprintln(os.Stderr, "XMPP_USER and XMPP_PASSWORD are required")
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := xmppclient.NewRealClient(xmppclient.Creds{
		User:     cfg.XMPPUser,
		Password: cfg.XMPPPassword,
		Server:   cfg.XMPPServer,
		Port:     cfg.XMPPPort,
	}, log)

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
