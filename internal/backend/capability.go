package backend

import (
	"context"

	"github.com/SemperSupra/WinInspect/internal/handle"
	"github.com/SemperSupra/WinInspect/internal/snapshot"
)

// Capability is the polymorphic OS-facing interface the Dispatcher
// calls. The real Win32 provider and FakeBackend both implement it;
// neither shares a type hierarchy with the other.
//
// The methods below cover the subset of the catalogue the dispatcher
// must special-case to satisfy the snapshot/session/watchdog contract
// in spec.md §4.5 (capture, enumeration used for events.poll diffing,
// idempotent ensure-actions). Every other method in the catalogue —
// the long tail of screen/input/process/file/registry/clipboard/
// service/env/sync/mem/image/ui operations — is routed generically
// through Invoke, which receives the snapshot the dispatcher already
// resolved for the request.
type Capability interface {
	// CaptureSnapshot asks the Backend for a fresh observation of the
	// host's windowing state.
	CaptureSnapshot(ctx context.Context) (snapshot.Snapshot, error)

	// ListTop returns the ordered top-level window handles recorded in
	// snap.
	ListTop(snap snapshot.Snapshot) []handle.Handle

	// ListChildren returns the ordered child handles of parent within
	// snap.
	ListChildren(snap snapshot.Snapshot, parent handle.Handle) []handle.Handle

	// GetInfo returns the window's info as observed in snap, or
	// ok=false if no such window exists in snap.
	GetInfo(snap snapshot.Snapshot, h handle.Handle) (info WindowInfo, ok bool)

	// PickAtPoint hit-tests (x, y) against snap under flags, or
	// ok=false if no window is found there.
	PickAtPoint(snap snapshot.Snapshot, x, y int, flags PickFlags) (h handle.Handle, ok bool)

	// EnsureVisible sets the window's visibility to visible. changed
	// reports whether this call actually altered the prior state
	// (idempotence — see spec.md P4).
	EnsureVisible(ctx context.Context, h handle.Handle, visible bool) (changed bool, err error)

	// EnsureForeground makes h the foreground window. changed reports
	// whether this call actually altered the prior foreground window.
	EnsureForeground(ctx context.Context, h handle.Handle) (changed bool, err error)

	// PollEvents computes the events.poll result by comparing old and
	// new snapshots.
	PollEvents(ctx context.Context, old, new snapshot.Snapshot) ([]Event, error)

	// GetEnvMetadata describes the host environment for daemon.health.
	GetEnvMetadata(ctx context.Context) EnvMetadata

	// Invoke handles every other method in the catalogue generically.
	// params is the request's decoded params object (with canonical,
	// session_id, snapshot_id, old_snapshot_id already stripped by the
	// dispatcher — method-specific fields remain). snap is the
	// snapshot the dispatcher resolved for this request. The returned
	// value is placed directly in the response's result field.
	Invoke(ctx context.Context, method string, snap snapshot.Snapshot, params map[string]any) (any, error)
}
