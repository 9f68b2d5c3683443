// Command tapnode is a minimal composition root: load config, construct a
// Node with the default stub resolver and go-jose key-ops, and block until
// interrupted. The CLI proper (agent management, message shaping, terminal
// UX) is a separate program; this binary exists only so
// the module is runnable standalone.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tapnode "github.com/tap-rsvp/tap-node"
	"github.com/tap-rsvp/tap-node/internal/config"
	"github.com/tap-rsvp/tap-node/internal/crypto"
	"github.com/tap-rsvp/tap-node/internal/events"
)

func main() {
	cfgPath := os.Getenv("TAP_CONFIG")
	if cfgPath == "" {
		cfgPath = "tapnode.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("tapnode: loading config: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	resolver := crypto.NewStubResolver()
	keys := crypto.NewJoseKeyOps()

	n, err := tapnode.New(cfg, resolver, keys)
	if err != nil {
		log.Fatalf("tapnode: constructing node: %v", err)
	}

	if sink, err := events.NewFileSink(cfg.LogsDir()+"/events.log", events.FormatJSON, 0); err == nil {
		n.Bus.AttachSink(sink)
	} else {
		slog.Warn("tapnode: could not open event sink", "error", err)
	}

	slog.Info("tapnode: started", "root", cfg.Root, "workers", cfg.Pool.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("tapnode: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.Shutdown(shutdownCtx); err != nil {
		slog.Error("tapnode: shutdown error", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
