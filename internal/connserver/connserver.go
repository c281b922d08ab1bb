// Package connserver implements the Connection Handler and its two
// Listeners. A handler owns exactly one connection for its lifetime:
// it runs the Auth State Machine, then a request loop that reads one
// framed JSON message at a time, asks the Dispatcher for a response,
// writes it back, and repeats until the peer closes or a frame error
// occurs.
package connserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SemperSupra/WinInspect/internal/auth"
	"github.com/SemperSupra/WinInspect/internal/dispatch"
	"github.com/SemperSupra/WinInspect/internal/wire"
)

// postHandshakeIdleTimeout mirrors auth.IdleTimeout (spec.md §4.4/§5).
// The connection handler applies it as the read deadline after the
// handshake and again after every request frame, since auth.Handshake
// only sets deadlines around the frames it itself reads and writes.
const (
	postHandshakeIdleTimeout = 30 * time.Minute
)

// wireRequest and wireResponse are the JSON shapes exchanged over a
// frame once the connection is authenticated (spec.md §6).
type wireRequest struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// Server owns the pipe and TCP listeners and every connection handler
// spawned from them. It does not own the Dispatcher's Dependencies —
// those are injected so the same Registry/Session Table/Backend are
// shared across both listeners.
type Server struct {
	Deps    dispatch.Dependencies
	KeyLock *auth.KeyStore // nil disables authentication
	Logger  *slog.Logger

	MaxConnections int32

	activeConnections atomic.Int32
	wg                sync.WaitGroup
}

// ServePipe listens on a Unix domain socket at path (the Pipe Listener;
// see DESIGN.md's Open Question resolution on this OS primitive
// choice). The transport is marked auth.TransportPipe, so the Auth
// State Machine applies the pipe-skips-hello asymmetry of spec.md
// §4.4 when authentication is disabled.
func (s *Server) ServePipe(ctx context.Context, path string) error {
	return s.serve(ctx, "unix", path, auth.TransportPipe)
}

// ServeTCP listens on addr (the TCP Listener). It binds exactly the
// host in addr; choosing loopback-only or all interfaces according to
// spec.md §4.7's `--public` flag is the caller's job when building addr.
func (s *Server) ServeTCP(ctx context.Context, addr string) error {
	return s.serve(ctx, "tcp", addr, auth.TransportTCP)
}

func (s *Server) serve(ctx context.Context, network, address string, transport auth.Transport) error {
	if network == "unix" {
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("connserver: removing stale socket %s: %w", address, err)
		}
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("connserver: listening on %s %s: %w", network, address, err)
	}
	if network == "unix" {
		if err := os.Chmod(address, 0700); err != nil {
			listener.Close()
			return fmt.Errorf("connserver: setting permissions on %s: %w", address, err)
		}
		defer os.Remove(address)
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.Logger.Info("listener started", "network", network, "address", address)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.Logger.Warn("accept failed", "network", network, "error", err)
			continue
		}

		if s.MaxConnections > 0 && s.activeConnections.Load() >= s.MaxConnections {
			// spec.md §4.6: accepting would exceed max_connections, so
			// the listener immediately closes the new connection.
			conn.Close()
			continue
		}

		s.activeConnections.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.activeConnections.Add(-1)
			s.handleConnection(ctx, conn, transport)
		}()
	}

	return nil
}

// Wait blocks until every handler spawned by a serve loop has
// returned, for use after cancelling ctx during shutdown.
func (s *Server) Wait() {
	s.wg.Wait()
}

// ActiveConnections reports the current number of connections in the
// Ready or Authenticating state.
func (s *Server) ActiveConnections() int32 {
	return s.activeConnections.Load()
}

// handleConnection runs one connection's full state machine: Opened →
// Authenticating → Ready → Closed (spec.md §4.6). The Closing state
// has no distinct behavior in this implementation since the handler
// always completes its current in-flight request before the loop
// exits — there is no separate drain phase to model.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn, transport auth.Transport) {
	defer conn.Close()

	if err := auth.Handshake(conn, transport, s.KeyLock); err != nil {
		if !errors.Is(err, auth.ErrHandshakeFailed) {
			s.Logger.Debug("handshake error", "error", err, "remote", conn.RemoteAddr())
		}
		return
	}

	conn.SetReadDeadline(time.Now().Add(postHandshakeIdleTimeout))
	s.requestLoop(ctx, conn, &dispatch.ClientSession{})
}

// requestLoop is the Ready-state read/dispatch/write cycle. It runs
// until the peer closes, a frame error occurs, or the context is
// cancelled (supervisor shutdown) — matching spec.md §4.6's
// `Ready → Closed` transitions. At most one request is ever in
// flight: the loop does not read the next frame until the current
// response has been fully written, satisfying spec.md §5's ordering
// guarantee directly through sequential execution.
//
// clientSession is this connection's stack-local ephemeral session
// state (spec.md §3/§9): it outlives any single request but not the
// connection, and backs events.poll whenever a request omits
// session_id.
func (s *Server) requestLoop(ctx context.Context, conn net.Conn, clientSession *dispatch.ClientSession) {
	for {
		if ctx.Err() != nil {
			return
		}

		payload, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.Logger.Debug("frame read error", "error", err)
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(postHandshakeIdleTimeout))

		resp, canonical := s.handleOne(ctx, payload, clientSession)

		var out []byte
		if canonical {
			out, err = dispatch.Canonicalize(resp)
		} else {
			out, err = dispatch.MarshalPlain(resp)
		}
		if err != nil {
			s.Logger.Error("response marshal failed", "error", err)
			return
		}

		if err := wire.WriteFrame(conn, out); err != nil {
			s.Logger.Debug("frame write error", "error", err)
			return
		}
	}
}

// handleOne parses one request frame and dispatches it, returning the
// response envelope and whether the caller asked for canonical
// serialization.
func (s *Server) handleOne(ctx context.Context, payload []byte, clientSession *dispatch.ClientSession) (dispatch.Response, bool) {
	var wr wireRequest
	if err := json.Unmarshal(payload, &wr); err != nil {
		return dispatch.Response{
			OK:    false,
			Error: &dispatch.ResponseError{Code: dispatch.ErrBadRequest, Message: "malformed request: " + err.Error()},
		}, false
	}

	canonical, _ := wr.Params["canonical"].(bool)

	resp := dispatch.Dispatch(ctx, dispatch.Request{
		ID:     wr.ID,
		Method: wr.Method,
		Params: wr.Params,
	}, s.Deps, clientSession)
	return resp, canonical
}
