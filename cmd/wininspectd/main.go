// wininspectd is the desktop-inspection daemon. It exposes a JSON
// request/response protocol over a local pipe and a TCP endpoint,
// through which clients enumerate, inspect, and manipulate the
// windowing/accessibility/process/registry state of the host.
//
// The OS-specific Backend that actually reads windows, pixels,
// processes, and the registry is an external collaborator outside
// this module's scope (spec.md §1); this binary wires in-memory
// backend.NewFakeBackend in its place so the protocol/session/
// snapshot engine can be exercised end to end without a native
// provider.
package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"os/signal"

	"github.com/SemperSupra/WinInspect/internal/auth"
	"github.com/SemperSupra/WinInspect/internal/backend"
	"github.com/SemperSupra/WinInspect/internal/clock"
	"github.com/SemperSupra/WinInspect/internal/config"
	"github.com/SemperSupra/WinInspect/internal/connserver"
	"github.com/SemperSupra/WinInspect/internal/daemonlog"
	"github.com/SemperSupra/WinInspect/internal/discovery"
	"github.com/SemperSupra/WinInspect/internal/dispatch"
	"github.com/SemperSupra/WinInspect/internal/session"
	"github.com/SemperSupra/WinInspect/internal/snapshot"
	"github.com/SemperSupra/WinInspect/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}

	level, err := daemonlog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logger, ring := daemonlog.New(level)

	var keys *auth.KeyStore
	if cfg.AuthKeys != "" {
		keys, err = auth.LoadKeyStore(cfg.AuthKeys)
		if err != nil {
			return fmt.Errorf("loading --auth-keys %s: %w", cfg.AuthKeys, err)
		}
	}

	registry := snapshot.New(cfg.MaxSnaps)
	sessions := session.New(clock.Real(), time.Duration(cfg.SessionTTLSec)*time.Second)
	fakeBackend := backend.NewFakeBackend(nil)

	srv := &connserver.Server{
		Deps: dispatch.Dependencies{
			Registry:       registry,
			Sessions:       sessions,
			Backend:        fakeBackend,
			ReadOnly:       cfg.ReadOnly,
			RequestTimeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
			Logs:           ring,
			MaxWaitMS:      cfg.MaxWaitMS,
			StartedAt:      time.Now(),
		},
		KeyLock:        keys,
		Logger:         logger,
		MaxConnections: int32(cfg.MaxConns),
	}
	srv.Deps.ActiveConnections = srv.ActiveConnections

	responder := &discovery.Responder{
		TCPPort: cfg.Port,
		Env:     fakeBackend.GetEnvMetadata(context.Background()),
		Logger:  logger,
	}

	sup := &supervisor.Supervisor{
		Server:        srv,
		Responder:     responder,
		Sessions:      sessions,
		Logger:        logger,
		PipePath:      pipePath(),
		TCPAddr:       tcpAddr(cfg),
		DiscoveryAddr: fmt.Sprintf(":%d", cfg.Discovery),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("wininspectd starting",
		"pipe", sup.PipePath, "tcp", sup.TCPAddr, "discovery", sup.DiscoveryAddr,
		"read_only", cfg.ReadOnly, "auth_enabled", keys != nil && !keys.Empty())

	return sup.Run(ctx)
}

// pipePath resolves the Pipe Listener's Unix domain socket path (see
// DESIGN.md's Open Question resolution on this OS primitive choice).
func pipePath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir + "/wininspectd.sock"
	}
	return "/tmp/wininspectd.sock"
}

// tcpAddr resolves the TCP Listener's bind address per spec.md §4.7:
// loopback-only unless --public was passed.
func tcpAddr(cfg config.Config) string {
	host := "127.0.0.1"
	if cfg.Public {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, cfg.Port)
}
