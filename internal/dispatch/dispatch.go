// Package dispatch implements the Dispatcher: it binds one parsed
// request to a snapshot and session context, routes it to the Backend
// capability or a Registry operation, and bounds the call with a
// watchdog. The dispatcher holds no state of its own; all of it lives
// in the injected Registry and Session Table.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/SemperSupra/WinInspect/internal/backend"
	"github.com/SemperSupra/WinInspect/internal/daemonlog"
	"github.com/SemperSupra/WinInspect/internal/session"
	"github.com/SemperSupra/WinInspect/internal/snapshot"
	"github.com/SemperSupra/WinInspect/internal/wire"
)

// Fault is the dispatcher's sum-type error: every non-transport failure
// is an (code, message) pair that gets serialized into the response
// envelope's "error" field rather than propagated as a Go error across
// the connection boundary.
type Fault struct {
	Code    string
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func fault(code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error codes from spec.md §6. ErrUnauthorized is never emitted by
// this package: the handshake is a blocking prelude run by the
// Connection Handler before the request loop starts, so no request
// ever reaches Dispatch while unauthenticated (P8 holds vacuously, and
// scenario 4 is satisfied by the handler closing the connection
// without a reply rather than by this package answering with it).
// ErrReadFailed is likewise unused: a Backend read failure is reported
// as E_BAD_REQUEST per §7, so no distinct code is needed for it. Both
// constants are kept so the code's error-code set matches §6's table
// verbatim.
const (
	ErrBadRequest   = "E_BAD_REQUEST"
	ErrBadMethod    = "E_BAD_METHOD"
	ErrBadHwnd      = "E_BAD_HWND"
	ErrBadSnapshot  = "E_BAD_SNAPSHOT"
	ErrNotFound     = "E_NOT_FOUND"
	ErrUnauthorized = "E_UNAUTHORIZED"
	ErrAccessDenied = "E_ACCESS_DENIED"
	ErrTimeout      = "E_TIMEOUT"
	ErrReadFailed   = "E_READ_FAILED"
)

// mutatingMethods is the complete read-only enforcement set (spec.md
// §4.5 rule 1 and §9's Open Question resolution: the original source
// enforces this inconsistently via a substring check on "reg.write";
// this set is enumerated explicitly and completely instead).
var mutatingMethods = map[string]bool{
	"window.setProperty":      true,
	"window.postMessage":      true,
	"window.controlClick":     true,
	"window.controlSend":      true,
	"window.ensureVisible":    true,
	"window.ensureForeground": true,
	"window.highlight":        true,
	"input.send":              true,
	"input.mouseClick":        true,
	"input.keyPress":          true,
	"input.text":              true,
	"input.hook":              true,
	"process.kill":            true,
	"reg.write":               true,
	"reg.delete":              true,
	"clipboard.write":         true,
	"service.control":         true,
	"env.set":                 true,
	"sync.createMutex":        true,
	"mem.write":               true,
	"ui.invoke":               true,
}

// methodCatalogue is the complete set of methods from spec.md §6.
// Anything outside it is E_BAD_METHOD rather than falling through to
// the Backend, so an unimplemented or misspelled method never reaches
// Invoke.
var methodCatalogue = map[string]bool{
	"snapshot.capture": true, "window.listTop": true, "window.listChildren": true,
	"window.getInfo": true, "window.getTree": true, "window.pickAtPoint": true,
	"window.ensureVisible": true, "window.ensureForeground": true, "window.highlight": true,
	"window.setProperty": true, "window.postMessage": true, "window.findRegex": true,
	"window.controlClick": true, "window.controlSend": true, "screen.getPixel": true,
	"screen.capture": true, "screen.pixelSearch": true, "input.send": true,
	"input.mouseClick": true, "input.keyPress": true, "input.text": true, "input.hook": true,
	"process.list": true, "process.kill": true, "file.getInfo": true, "file.read": true,
	"reg.read": true, "reg.write": true, "reg.delete": true, "clipboard.read": true,
	"clipboard.write": true, "service.list": true, "service.status": true, "service.control": true,
	"env.get": true, "env.set": true, "sync.checkMutex": true, "sync.createMutex": true,
	"mem.read": true, "mem.write": true, "image.match": true, "ui.inspect": true,
	"ui.invoke": true, "events.poll": true, "events.subscribe": true, "events.unsubscribe": true,
	"session.terminate": true, "daemon.status": true, "daemon.health": true, "daemon.logs": true,
}

// Request is a parsed client message.
type Request struct {
	ID     string
	Method string
	Params map[string]any
}

// Response is the envelope serialized back to the client (spec.md §6).
type Response struct {
	ID      string         `json:"id"`
	OK      bool           `json:"ok"`
	Result  any            `json:"result,omitempty"`
	Error   *ResponseError `json:"error,omitempty"`
	Metrics Metrics        `json:"metrics"`
}

type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Metrics struct {
	DurationMS int64 `json:"duration_ms"`
}

// ClientSession is the Connection Handler's stack-local, per-connection
// state (spec.md §3: "omitting a session ID yields an ephemeral,
// per-connection state"; §9's design note: "keep stack-local to the
// handler"). It is distinct from the named Session Table, which tracks
// state keyed by a client-supplied session_id and survives across
// connections — ClientSession lives and dies with one connection and
// is consulted only when a request omits session_id entirely.
type ClientSession struct {
	LastSnapshotID string
}

// Dependencies bundles everything the Dispatcher consults, injected so
// the dispatcher itself stays stateless.
type Dependencies struct {
	Registry *snapshot.Registry
	Sessions *session.Table
	Backend  backend.Capability
	ReadOnly bool
	// RequestTimeout bounds the per-request watchdog (spec.md §4.5 rule 7).
	RequestTimeout time.Duration
	// Logs backs daemon.logs. Nil is treated as an empty log.
	Logs *daemonlog.RingBuffer
	// MaxWaitMS bounds params.wait_ms on events.poll (spec.md §5/§6).
	// Zero means the only accepted caller-supplied wait_ms is 0.
	MaxWaitMS int
	// StartedAt backs daemon.status's uptime field. Zero is treated as
	// an unknown start time (uptime reports as 0).
	StartedAt time.Time
	// ActiveConnections backs daemon.status's active_connections field.
	// It lives on the Connection Handler, not the dispatcher, so it is
	// threaded in as a closure to avoid an import cycle. Nil reports 0.
	ActiveConnections func() int32
}

// Dispatch implements the full contract of spec.md §4.5. It takes no
// auth state and does not perform authentication itself: callers only
// reach it after the Auth State Machine, run by the connection handler
// before the request loop starts, has succeeded.
// conn is the calling connection's ClientSession, read and written by
// events.poll whenever a request omits session_id; callers with no
// such concept of a connection (tests exercising the named Session
// Table path) may pass nil.
func Dispatch(ctx context.Context, req Request, deps Dependencies, conn *ClientSession) Response {
	start := time.Now()
	resp := Response{ID: req.ID}

	result, err := dispatchInner(ctx, req, deps, conn)
	resp.Metrics.DurationMS = time.Since(start).Milliseconds()

	if err != nil {
		resp.OK = false
		f := asFault(err)
		resp.Error = &ResponseError{Code: f.Code, Message: f.Message}
		return resp
	}

	resp.OK = true
	resp.Result = result
	return resp
}

func asFault(err error) *Fault {
	if f, ok := err.(*Fault); ok {
		return f
	}
	return fault(ErrBadRequest, "%s", err.Error())
}

func dispatchInner(ctx context.Context, req Request, deps Dependencies, conn *ClientSession) (any, error) {
	if !methodCatalogue[req.Method] {
		return nil, fault(ErrBadMethod, "unknown method %q", req.Method)
	}

	// Rule 1: read-only policy denial, before anything else touches the
	// Backend or Registry.
	if deps.ReadOnly && mutatingMethods[req.Method] {
		return nil, fault(ErrAccessDenied, "daemon is running in read-only mode")
	}

	// Rule 2: canonical flag is consumed by the connection handler when
	// it serializes the response; here we only validate its type.
	if raw, ok := req.Params["canonical"]; ok {
		if _, ok := raw.(bool); !ok {
			return nil, fault(ErrBadRequest, "params.canonical must be a boolean")
		}
	}

	// wait_ms applies only to events.poll (spec.md §6); it bounds
	// polling internal to the Backend, on top of which the dispatcher's
	// own watchdog (rule 7) still applies. The core only validates the
	// type and range here — actually honoring it as a long-poll is the
	// Backend's concern.
	if req.Method == "events.poll" {
		if raw, ok := req.Params["wait_ms"]; ok {
			f, isNumber := raw.(float64)
			if !isNumber || f < 0 || int(f) > deps.MaxWaitMS {
				return nil, fault(ErrBadRequest, "params.wait_ms must be between 0 and %d", deps.MaxWaitMS)
			}
		}
	}

	var sessionRecord *session.Record
	if sid, ok := stringParam(req.Params, "session_id"); ok && req.Method != "session.terminate" {
		rec := deps.Sessions.TouchOrCreate(sid)
		sessionRecord = &rec
	}

	// Rule 3: snapshot.capture is the one method that bypasses the pin
	// discipline entirely — it produces a fresh registry entry and
	// returns immediately.
	if req.Method == "snapshot.capture" {
		snap, err := deps.Backend.CaptureSnapshot(ctx)
		if err != nil {
			return nil, fault(ErrBadRequest, "%s", err.Error())
		}
		id := deps.Registry.Insert(snap)
		return map[string]any{"snapshot_id": id}, nil
	}

	// Session-table-only methods never touch a snapshot or the Backend,
	// so they are answered directly rather than entering the
	// pin/watchdog pipeline below.
	switch req.Method {
	case "session.terminate":
		if sid, ok := stringParam(req.Params, "session_id"); ok {
			deps.Sessions.Terminate(sid)
		}
		return map[string]any{}, nil
	case "events.subscribe", "events.unsubscribe":
		sid, ok := stringParam(req.Params, "session_id")
		if !ok {
			return nil, fault(ErrBadRequest, "params.session_id is required")
		}
		deps.Sessions.SetSubscribed(sid, req.Method == "events.subscribe")
		return map[string]any{}, nil
	case "daemon.status":
		return handleDaemonStatus(deps), nil
	case "daemon.health":
		return map[string]any{"ok": true, "env": deps.Backend.GetEnvMetadata(ctx)}, nil
	case "daemon.logs":
		if deps.Logs == nil {
			return map[string]any{"lines": []string{}}, nil
		}
		return map[string]any{"lines": deps.Logs.Lines()}, nil
	}

	// Rule 4: resolve the primary snapshot, pinning if a snapshot_id was
	// supplied.
	snap, pinnedID, err := resolvePrimarySnapshot(ctx, req, deps)
	if err != nil {
		return nil, err
	}
	if pinnedID != "" {
		defer deps.Registry.Unpin(pinnedID) // Rule 9: unpin on every exit path.
	}

	// Rule 5: resolve the comparison snapshot for events.poll.
	var oldSnap *snapshot.Snapshot
	if req.Method == "events.poll" {
		oldSnap = resolveOldSnapshot(req, deps, sessionRecord, conn)
	}

	// Rule 6 + 7: route to the Backend under a watchdog.
	result, err := watchdogInvoke(ctx, deps, req, snap, oldSnap)
	if err != nil {
		return nil, err
	}

	// Rule 8: events.poll success re-baselines the session — the named
	// Session Table entry when session_id was given, otherwise this
	// connection's own stack-local ClientSession (spec.md §3/§9's
	// ephemeral, per-connection case).
	if req.Method == "events.poll" {
		fresh, ferr := deps.Backend.CaptureSnapshot(ctx)
		if ferr == nil {
			newID := deps.Registry.Insert(fresh)
			if sid, ok := stringParam(req.Params, "session_id"); ok {
				deps.Sessions.UpdateLastSnapshot(sid, newID)
			} else if conn != nil {
				conn.LastSnapshotID = newID
			}
		}
	}

	return result, nil
}

func resolvePrimarySnapshot(ctx context.Context, req Request, deps Dependencies) (snapshot.Snapshot, string, error) {
	if sid, ok := stringParam(req.Params, "snapshot_id"); ok {
		snap, err := deps.Registry.Pin(sid)
		if err != nil {
			return snapshot.Snapshot{}, "", fault(ErrBadSnapshot, "unknown or evicted snapshot_id %q", sid)
		}
		return snap, sid, nil
	}

	snap, err := deps.Backend.CaptureSnapshot(ctx)
	if err != nil {
		return snapshot.Snapshot{}, "", fault(ErrBadRequest, "%s", err.Error())
	}
	return snap, "", nil
}

func resolveOldSnapshot(req Request, deps Dependencies, sessionRecord *session.Record, conn *ClientSession) *snapshot.Snapshot {
	if osid, ok := stringParam(req.Params, "old_snapshot_id"); ok {
		if snap, err := deps.Registry.Peek(osid); err == nil {
			return &snap
		}
		return nil
	}
	if sessionRecord != nil && sessionRecord.LastSnapshotID != "" {
		if snap, err := deps.Registry.Peek(sessionRecord.LastSnapshotID); err == nil {
			return &snap
		}
		return nil
	}
	if conn != nil && conn.LastSnapshotID != "" {
		if snap, err := deps.Registry.Peek(conn.LastSnapshotID); err == nil {
			return &snap
		}
	}
	return nil
}

// watchdogInvoke runs the Backend call on a worker goroutine and bounds
// it with deps.RequestTimeout. If the timeout fires first, the worker's
// eventual result is discarded (it is not cancelled) per spec.md §9's
// "at-most-one reply per request" framing — the goroutine leaks for the
// remaining lifetime of the (abandoned) Backend call; bounding that
// call internally is the Backend's own responsibility.
func watchdogInvoke(ctx context.Context, deps Dependencies, req Request, snap snapshot.Snapshot, oldSnap *snapshot.Snapshot) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			// spec.md §7: any exception thrown from a Backend call is
			// caught and converted to E_BAD_REQUEST; the dispatcher never
			// panics across a connection boundary. A bare recover inside
			// a goroutine would otherwise crash the whole process.
			if r := recover(); r != nil {
				done <- outcome{nil, fault(ErrBadRequest, "backend panic: %v", r)}
			}
		}()
		result, err := routeToBackend(ctx, deps, req, snap, oldSnap)
		done <- outcome{result, err}
	}()

	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case o := <-done:
		return o.result, o.err
	case <-time.After(timeout):
		return nil, fault(ErrTimeout, "request timed out after %s", timeout)
	}
}

func routeToBackend(ctx context.Context, deps Dependencies, req Request, snap snapshot.Snapshot, oldSnap *snapshot.Snapshot) (any, error) {
	switch req.Method {
	case "window.listTop":
		return handleListTop(deps, snap), nil
	case "window.listChildren":
		return handleListChildren(deps, req, snap)
	case "window.getInfo":
		return handleGetInfo(deps, req, snap)
	case "window.pickAtPoint":
		return handlePickAtPoint(deps, req, snap)
	case "window.ensureVisible":
		return handleEnsureVisible(ctx, deps, req)
	case "window.ensureForeground":
		return handleEnsureForeground(ctx, deps, req)
	case "events.poll":
		return handleEventsPoll(ctx, deps, snap, oldSnap)
	default:
		result, err := deps.Backend.Invoke(ctx, req.Method, snap, stripControlParams(req.Params))
		if err != nil {
			return nil, fault(ErrBadRequest, "%s", err.Error())
		}
		return result, nil
	}
}

func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Canonicalize encodes v with the Canonical serialization mode
// (spec.md §4.5's "canonical" param / §8 P5). It is exposed for the
// connection handler, which applies it to the whole Response envelope
// right before writing the frame when the request asked for canonical
// output.
func Canonicalize(v any) ([]byte, error) {
	return wire.CanonicalMarshal(v)
}

// MarshalPlain marshals v with ordinary (non-canonical) json.Marshal,
// for responses where params.canonical was false or absent.
func MarshalPlain(v any) ([]byte, error) {
	return json.Marshal(v)
}
