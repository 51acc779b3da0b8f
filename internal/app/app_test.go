package app

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cronus42/jabber-mcp/internal/xmppclient"
)

func TestAppRunServesPingOverStdio(t *testing.T) {
	t.Parallel()

	cfg := Config{
		LogLevel:              "error",
		LogFormat:             "json",
		QueueIncomingSize:     10,
		QueueOutgoingSize:     10,
		QueuePrioritySize:     5,
		InboxCapacity:         10,
		AddressBookPath:       filepath.Join(t.TempDir(), "book.json"),
		ShutdownDrainDeadline: time.Second,
		ToolCallDeadline:      time.Second,
	}

	client := xmppclient.NewFake()
	a, err := New(cfg, client, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, inR, outW) }()

	go func() {
		inW.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"))
	}()

	scanner := bufio.NewScanner(outR)
	if !scanner.Scan() {
		t.Fatalf("expected a response line, err=%v", scanner.Err())
	}

	var resp map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("response missing result: %v", resp)
	}
	if result["pong"] != true {
		t.Fatalf("pong=%v want true", result["pong"])
	}

	inW.Close()
	cancel()
	<-done
}

func TestAppRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	cfg := Config{
		LogLevel:        "error",
		LogFormat:       "json",
		AddressBookPath: filepath.Join(t.TempDir(), "book.json"),
	}
	client := xmppclient.NewFake()
	a, err := New(cfg, client, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := strings.NewReader("not json\n")
	outR, outW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, in, outW) }()

	scanner := bufio.NewScanner(outR)
	if !scanner.Scan() {
		t.Fatalf("expected a parse-error response, err=%v", scanner.Err())
	}
	var resp map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error object: %v", resp)
	}
	if int(errObj["code"].(float64)) != -32700 {
		t.Fatalf("code=%v want -32700", errObj["code"])
	}

	cancel()
	<-done
}
