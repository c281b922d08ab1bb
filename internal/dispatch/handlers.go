package dispatch

import (
	"context"
	"time"

	"github.com/SemperSupra/WinInspect/internal/backend"
	"github.com/SemperSupra/WinInspect/internal/handle"
	"github.com/SemperSupra/WinInspect/internal/snapshot"
)

// stripControlParams removes the universal/snapshot-scoped control
// fields the dispatcher already consumed, leaving only method-specific
// fields for the Backend to interpret (per Capability.Invoke's doc
// comment).
func stripControlParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch k {
		case "canonical", "session_id", "snapshot_id", "old_snapshot_id", "wait_ms":
			continue
		default:
			out[k] = v
		}
	}
	return out
}

func handleListTop(deps Dependencies, snap snapshot.Snapshot) []string {
	handles := deps.Backend.ListTop(snap)
	out := make([]string, len(handles))
	for i, h := range handles {
		out[i] = h.String()
	}
	return out
}

func handleListChildren(deps Dependencies, req Request, snap snapshot.Snapshot) (any, error) {
	parent, err := paramHandle(req.Params, "hwnd")
	if err != nil {
		return nil, fault(ErrBadHwnd, "%s", err.Error())
	}
	handles := deps.Backend.ListChildren(snap, parent)
	out := make([]string, len(handles))
	for i, h := range handles {
		out[i] = h.String()
	}
	return out, nil
}

func handleGetInfo(deps Dependencies, req Request, snap snapshot.Snapshot) (any, error) {
	h, err := paramHandle(req.Params, "hwnd")
	if err != nil {
		return nil, fault(ErrBadHwnd, "%s", err.Error())
	}
	info, ok := deps.Backend.GetInfo(snap, h)
	if !ok {
		return nil, fault(ErrNotFound, "no window %s in the resolved snapshot", h.String())
	}
	return info, nil
}

func handlePickAtPoint(deps Dependencies, req Request, snap snapshot.Snapshot) (any, error) {
	x, ok := intParam(req.Params, "x")
	if !ok {
		return nil, fault(ErrBadRequest, "params.x is required")
	}
	y, ok := intParam(req.Params, "y")
	if !ok {
		return nil, fault(ErrBadRequest, "params.y is required")
	}
	flags := backend.PickFlags{}
	if v, ok := req.Params["prefer_child"].(bool); ok {
		flags.PreferChild = v
	}
	if v, ok := req.Params["ignore_transparent"].(bool); ok {
		flags.IgnoreTransparent = v
	}

	h, found := deps.Backend.PickAtPoint(snap, x, y, flags)
	if !found {
		return nil, fault(ErrNotFound, "no window at (%d, %d)", x, y)
	}
	return map[string]any{"hwnd": h.String()}, nil
}

func handleEnsureVisible(ctx context.Context, deps Dependencies, req Request) (any, error) {
	h, err := paramHandle(req.Params, "hwnd")
	if err != nil {
		return nil, fault(ErrBadHwnd, "%s", err.Error())
	}
	visible, ok := req.Params["visible"].(bool)
	if !ok {
		return nil, fault(ErrBadRequest, "params.visible is required")
	}
	changed, err := deps.Backend.EnsureVisible(ctx, h, visible)
	if err != nil {
		return nil, fault(ErrBadRequest, "%s", err.Error())
	}
	return map[string]any{"changed": changed}, nil
}

func handleEnsureForeground(ctx context.Context, deps Dependencies, req Request) (any, error) {
	h, err := paramHandle(req.Params, "hwnd")
	if err != nil {
		return nil, fault(ErrBadHwnd, "%s", err.Error())
	}
	changed, err := deps.Backend.EnsureForeground(ctx, h)
	if err != nil {
		return nil, fault(ErrBadRequest, "%s", err.Error())
	}
	return map[string]any{"changed": changed}, nil
}

func handleEventsPoll(ctx context.Context, deps Dependencies, snap snapshot.Snapshot, oldSnap *snapshot.Snapshot) (any, error) {
	if oldSnap == nil {
		// No prior baseline: nothing to diff against, so no events can
		// be reported. This is the "first call" case from spec.md
		// scenario 5 — the dispatcher records this call's fresh snapshot
		// as the baseline for the next poll.
		return map[string]any{"events": []map[string]any{}}, nil
	}
	events, err := deps.Backend.PollEvents(ctx, *oldSnap, snap)
	if err != nil {
		return nil, fault(ErrBadRequest, "%s", err.Error())
	}
	if events == nil {
		events = []backend.Event{}
	}
	return map[string]any{"events": eventsToWire(events)}, nil
}

func eventsToWire(events []backend.Event) []map[string]any {
	out := make([]map[string]any, len(events))
	for i, e := range events {
		m := map[string]any{"type": string(e.Type), "hwnd": e.Handle.String()}
		if e.Property != "" {
			m["property"] = e.Property
		}
		out[i] = m
	}
	return out
}

func handleDaemonStatus(deps Dependencies) any {
	var uptimeMS int64
	if !deps.StartedAt.IsZero() {
		uptimeMS = time.Since(deps.StartedAt).Milliseconds()
	}
	var active int32
	if deps.ActiveConnections != nil {
		active = deps.ActiveConnections()
	}
	return map[string]any{
		"snapshots":          deps.Registry.Len(),
		"sessions":           deps.Sessions.Len(),
		"read_only":          deps.ReadOnly,
		"uptime_ms":          uptimeMS,
		"active_connections": active,
	}
}

func paramHandle(params map[string]any, key string) (handle.Handle, error) {
	raw, ok := params[key]
	if !ok {
		return 0, errMissingParam(key)
	}
	s, ok := raw.(string)
	if !ok {
		return 0, errWrongType(key, "string")
	}
	return handle.Parse(s)
}

func intParam(params map[string]any, key string) (int, bool) {
	raw, ok := params[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

func errMissingParam(key string) error {
	return fault(ErrBadRequest, "params.%s is required", key)
}

func errWrongType(key, want string) error {
	return fault(ErrBadRequest, "params.%s must be a %s", key, want)
}
