// Package backend defines the Backend Capability the dispatcher
// consumes — the abstract, polymorphic interface over the OS-specific
// window/pixel/process/registry provider — plus FakeBackend, the
// concrete deterministic implementation used by tests and headless
// development.
//
// The real Win32-backed provider is an out-of-scope external
// collaborator per spec.md §1; only the capability surface and the
// fake implementation live here.
package backend

import "github.com/SemperSupra/WinInspect/internal/handle"

// Rect is a window or element bounding rectangle in the coordinate
// space the Backend reports (screen or client, per field name).
type Rect struct {
	Left, Top, Right, Bottom int64
}

// WindowInfo is the result of window.getInfo.
type WindowInfo struct {
	Handle       handle.Handle `json:"hwnd"`
	Parent       handle.Handle `json:"parent"`
	Owner        handle.Handle `json:"owner"`
	ClassName    string        `json:"class_name"`
	Title        string        `json:"title"`
	WindowRect   Rect          `json:"window_rect"`
	ClientRect   Rect          `json:"client_rect"`
	PID          uint32        `json:"pid"`
	TID          uint32        `json:"tid"`
	Style        uint64        `json:"style"`
	ExStyle      uint64        `json:"exstyle"`
	Visible      bool          `json:"visible"`
	Enabled      bool          `json:"enabled"`
	Iconic       bool          `json:"iconic"`
	Zoomed       bool          `json:"zoomed"`
	ProcessImage string        `json:"process_image"`
}

// WindowNode is one node of the result of window.getTree: a window and
// its children, recursively, bounded to MaxTreeDepth levels.
type WindowNode struct {
	Handle    handle.Handle `json:"hwnd"`
	Title     string        `json:"title"`
	ClassName string        `json:"class_name"`
	Children  []WindowNode  `json:"children"`
}

// MaxTreeDepth bounds recursive trees (window.getTree, ui.inspect)
// to prevent stack blowup on pathological or cyclic backend data, per
// spec.md §9's "depth must be bounded (≤ configurable depth, default
// ~10)" design note.
const MaxTreeDepth = 10

// PickFlags controls window.pickAtPoint's hit-testing behavior.
type PickFlags struct {
	PreferChild       bool
	IgnoreTransparent bool
}

// EventType enumerates the events.poll event kinds.
type EventType string

const (
	EventWindowCreated   EventType = "window.created"
	EventWindowDestroyed EventType = "window.destroyed"
	EventWindowChanged   EventType = "window.changed"
)

// Event is one entry in the result of events.poll.
type Event struct {
	Type     EventType     `json:"type"`
	Handle   handle.Handle `json:"hwnd"`
	Property string        `json:"property,omitempty"`
}

// EnvMetadata describes the host environment, returned by
// get_env_metadata and surfaced through daemon.health.
type EnvMetadata struct {
	OS          string `json:"os"`
	IsWine      bool   `json:"is_wine"`
	Arch        string `json:"arch"`
	WineVersion string `json:"wine_version,omitempty"`
}

// UIElementInfo is one node of a ui.inspect accessibility tree.
type UIElementInfo struct {
	AutomationID string          `json:"automation_id"`
	Name         string          `json:"name"`
	ClassName    string          `json:"class_name"`
	ControlType  string          `json:"control_type"`
	BoundingRect Rect            `json:"bounding_rect"`
	Enabled      bool            `json:"enabled"`
	Visible      bool            `json:"visible"`
	Children     []UIElementInfo `json:"children,omitempty"`
}
