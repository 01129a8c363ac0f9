package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/germanamz/callrelay/pkg/calltools"
	"github.com/germanamz/callrelay/pkg/relayclient"
	"github.com/germanamz/callrelay/pkg/tools/mcpserver"
)

var version = "dev"

func runMCP(args []string) error {
	fs := newFlagSet("mcp", "Serve call-control tools for a running relay over stdio.")
	url := fs.String("url", "http://localhost:3001", "base URL of the running relay")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// stdout carries the protocol, so logs go to stderr.
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tb := calltools.New(relayclient.New(*url, nil))
	srv := mcpserver.New("callrelay", version, tb, log)

	return srv.Serve(ctx, os.Stdin, os.Stdout)
}
