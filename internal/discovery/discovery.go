// Package discovery implements the Discovery Responder: a stateless
// UDP listener that answers a fixed probe datagram with a JSON
// self-announcement, so clients on the local network can find a
// running daemon without knowing its port in advance.
package discovery

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"runtime"

	"github.com/SemperSupra/WinInspect/internal/backend"
)

// ProbeMessage is the fixed datagram body that triggers a response.
// Anything else received on the socket is dropped silently.
const ProbeMessage = "WININSPECT_DISCOVER"

// maxDatagramSize bounds a single read; the probe message itself is a
// few bytes, so this is generous headroom rather than a tight fit.
const maxDatagramSize = 512

// announcement is the JSON body sent back to a probing client
// (spec.md §4.8).
type announcement struct {
	Type        string `json:"type"`
	Port        int    `json:"port"`
	OS          string `json:"os"`
	IsWine      bool   `json:"is_wine"`
	Hostname    string `json:"hostname"`
	WineVersion string `json:"wine_version,omitempty"`
}

// Responder answers discovery probes with the TCP port clients should
// connect to and the host's environment metadata.
type Responder struct {
	TCPPort int
	Env     backend.EnvMetadata
	Logger  *slog.Logger
}

// Serve listens on UDP addr and runs the responder loop on that
// socket. The socket is private to Serve, so it runs until a read on
// it fails or the process exits; a read that fails with net.ErrClosed
// returns nil, matching the shutdown idiom used by the Pipe/TCP
// listeners in internal/connserver. Callers that need to stop the
// responder use ServeOn with a socket they can close.
func (r *Responder) Serve(addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	return r.serve(conn)
}

// ServeOn runs the responder loop on an already-bound PacketConn, so
// callers (and tests) that need to control shutdown via conn.Close()
// can do so without going through Serve's own addr-based Listen.
func (r *Responder) ServeOn(conn net.PacketConn) error {
	return r.serve(conn)
}

func (r *Responder) serve(conn net.PacketConn) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, clientAddr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if string(buf[:n]) != ProbeMessage {
			continue
		}

		body, err := r.announcement()
		if err != nil {
			r.logError("marshaling announcement", err)
			continue
		}

		if _, err := conn.WriteTo(body, clientAddr); err != nil {
			r.logError("writing announcement", err)
		}
	}
}

func (r *Responder) announcement() ([]byte, error) {
	hostname, _ := os.Hostname()
	return json.Marshal(announcement{
		Type:        "announcement",
		Port:        r.TCPPort,
		OS:          envOrDefault(r.Env.OS, runtime.GOOS),
		IsWine:      r.Env.IsWine,
		Hostname:    hostname,
		WineVersion: r.Env.WineVersion,
	})
}

func envOrDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func (r *Responder) logError(msg string, err error) {
	if r.Logger == nil {
		return
	}
	r.Logger.Warn(msg, "error", err)
}
