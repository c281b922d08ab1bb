// Package supervisor implements the Lifecycle Supervisor: it starts
// the Pipe Listener, TCP Listener, Discovery Responder, and the
// Session Table's reaper, then blocks until its context is cancelled
// (spec.md §4.9). Shutdown is cooperative — listeners stop accepting
// within one poll interval, and in-flight connections finish their
// current request before exiting.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/SemperSupra/WinInspect/internal/connserver"
	"github.com/SemperSupra/WinInspect/internal/discovery"
	"github.com/SemperSupra/WinInspect/internal/session"
)

// Supervisor owns every long-running goroutine of the daemon process.
type Supervisor struct {
	Server    *connserver.Server
	Responder *discovery.Responder
	Sessions  *session.Table
	Logger    *slog.Logger

	PipePath      string
	TCPAddr       string
	DiscoveryAddr string
}

// Run starts all listeners and the session reaper, and blocks until
// ctx is cancelled or a component fails to start. It returns the first
// fatal error encountered by any component, if any; a clean shutdown
// via ctx cancellation returns nil. A bind failure on any listener is
// supervisor-fatal (spec.md §7): it cancels the other components and
// is returned so the caller can exit non-zero instead of running on in
// a silent half-configured state.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 4)

	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errs <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	run("pipe listener", func() error {
		return s.Server.ServePipe(ctx, s.PipePath)
	})
	run("tcp listener", func() error {
		return s.Server.ServeTCP(ctx, s.TCPAddr)
	})
	run("discovery responder", func() error {
		return s.serveDiscovery(ctx)
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Sessions.RunReaper(ctx.Done())
	}()

	var firstErr error
	select {
	case firstErr = <-errs:
		s.Logger.Error("component failed to start, shutting down", "error", firstErr)
		cancel()
	case <-ctx.Done():
		s.Logger.Info("shutdown signal received, draining connections")
	}

	wg.Wait()
	s.Server.Wait()
	close(errs)

	if firstErr != nil {
		return firstErr
	}
	for err := range errs {
		return err
	}
	return nil
}

// serveDiscovery binds the UDP discovery socket itself (rather than
// delegating to Responder.Serve) so it can close the socket directly
// on shutdown the same way connserver's listeners do, instead of
// relying on Responder.Serve's own net.ListenPacket/defer pairing
// racing against ctx cancellation.
func (s *Supervisor) serveDiscovery(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", s.DiscoveryAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	s.Logger.Info("discovery responder listening", "address", s.DiscoveryAddr)
	return s.Responder.ServeOn(conn)
}
