package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/SemperSupra/WinInspect/internal/handle"
	"github.com/SemperSupra/WinInspect/internal/snapshot"
)

// fakeWindow is the live, mutable state of one window tracked by
// FakeBackend. Snapshot blobs are a point-in-time JSON copy of this
// map, so events.poll can diff two captured moments without being
// disturbed by actions taken between them.
type fakeWindow struct {
	Handle  handle.Handle `json:"hwnd"`
	Parent  handle.Handle `json:"parent"`
	Owner   handle.Handle `json:"owner"`
	Title   string        `json:"title"`
	Class   string        `json:"class_name"`
	Visible bool          `json:"visible"`
}

// FakeWindowSeed is the input to NewFakeBackend: the initial set of
// windows the fake world starts with.
type FakeWindowSeed struct {
	Handle  handle.Handle
	Parent  handle.Handle
	Owner   handle.Handle
	Title   string
	Class   string
	Visible bool
}

type fakeFile struct {
	content []byte
}

// FakeBackend is a deterministic, in-memory Backend Capability
// implementation used by tests and headless development. It mirrors
// the reference fake provider's idempotence and stable-ordering
// semantics, extended to cover the full method catalogue.
type FakeBackend struct {
	mu sync.Mutex

	windows    map[handle.Handle]*fakeWindow
	foreground handle.Handle

	uiElements     map[handle.Handle][]UIElementInfo
	injectedEvents []string

	files     map[string]*fakeFile
	registry  map[string]map[string]string // key path -> value name -> data
	clipboard string
	env       map[string]string
	mutexes   map[string]bool
	memory    map[uint64][]byte

	envMeta EnvMetadata
}

// NewFakeBackend creates a FakeBackend seeded with the given windows.
func NewFakeBackend(seed []FakeWindowSeed) *FakeBackend {
	fb := &FakeBackend{
		windows:    make(map[handle.Handle]*fakeWindow),
		uiElements: make(map[handle.Handle][]UIElementInfo),
		files:      make(map[string]*fakeFile),
		registry:   make(map[string]map[string]string),
		env:        make(map[string]string),
		mutexes:    make(map[string]bool),
		memory:     make(map[uint64][]byte),
		envMeta:    EnvMetadata{OS: "windows", IsWine: false, Arch: "amd64"},
	}
	for _, w := range seed {
		fb.windows[w.Handle] = &fakeWindow{
			Handle: w.Handle, Parent: w.Parent, Owner: w.Owner,
			Title: w.Title, Class: w.Class, Visible: w.Visible,
		}
	}
	return fb
}

// PutFile seeds a fake file for file.getInfo/file.read to serve.
func (fb *FakeBackend) PutFile(path string, content []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.files[path] = &fakeFile{content: content}
}

// AddUIElement seeds a fake accessibility element for ui.inspect to
// serve under parent.
func (fb *FakeBackend) AddUIElement(parent handle.Handle, info UIElementInfo) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.uiElements[parent] = append(fb.uiElements[parent], info)
}

// AddWindow introduces a new live window into the fake world, as if
// the host had just created it. Used by tests that exercise
// events.poll's window.created detection across two captures.
func (fb *FakeBackend) AddWindow(seed FakeWindowSeed) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.windows[seed.Handle] = &fakeWindow{
		Handle: seed.Handle, Parent: seed.Parent, Owner: seed.Owner,
		Title: seed.Title, Class: seed.Class, Visible: seed.Visible,
	}
}

// RemoveWindow destroys a live window, as if the host had just closed
// it. Used by tests exercising events.poll's window.destroyed detection.
func (fb *FakeBackend) RemoveWindow(h handle.Handle) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	delete(fb.windows, h)
}

// InjectedEvents returns the descriptive log of input/action calls
// made so far, for test assertions.
func (fb *FakeBackend) InjectedEvents() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	out := make([]string, len(fb.injectedEvents))
	copy(out, fb.injectedEvents)
	return out
}

func (fb *FakeBackend) CaptureSnapshot(ctx context.Context) (snapshot.Snapshot, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	var top []uint64
	records := make([]fakeWindow, 0, len(fb.windows))
	for _, w := range fb.windows {
		records = append(records, *w)
		if w.Parent == handle.None {
			top = append(top, uint64(w.Handle))
		}
	}
	sort.Slice(top, func(i, j int) bool { return top[i] < top[j] })
	sort.Slice(records, func(i, j int) bool { return records[i].Handle < records[j].Handle })

	blob, err := json.Marshal(records)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("capturing snapshot: %w", err)
	}
	return snapshot.Snapshot{Blob: blob, Top: top}, nil
}

func decodeBlob(snap snapshot.Snapshot) (map[handle.Handle]fakeWindow, error) {
	var records []fakeWindow
	if len(snap.Blob) > 0 {
		if err := json.Unmarshal(snap.Blob, &records); err != nil {
			return nil, fmt.Errorf("decoding snapshot blob: %w", err)
		}
	}
	out := make(map[handle.Handle]fakeWindow, len(records))
	for _, r := range records {
		out[r.Handle] = r
	}
	return out, nil
}

func (fb *FakeBackend) ListTop(snap snapshot.Snapshot) []handle.Handle {
	out := make([]handle.Handle, len(snap.Top))
	for i, h := range snap.Top {
		out[i] = handle.Handle(h)
	}
	return out
}

func (fb *FakeBackend) ListChildren(snap snapshot.Snapshot, parent handle.Handle) []handle.Handle {
	records, err := decodeBlob(snap)
	if err != nil {
		return nil
	}
	var out []handle.Handle
	for h, w := range records {
		if w.Parent == parent {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (fb *FakeBackend) GetInfo(snap snapshot.Snapshot, h handle.Handle) (WindowInfo, bool) {
	records, err := decodeBlob(snap)
	if err != nil {
		return WindowInfo{}, false
	}
	w, ok := records[h]
	if !ok {
		return WindowInfo{}, false
	}
	return WindowInfo{
		Handle:       w.Handle,
		Parent:       w.Parent,
		Owner:        w.Owner,
		ClassName:    w.Class,
		Title:        w.Title,
		WindowRect:   Rect{0, 0, 100, 100},
		ClientRect:   Rect{0, 0, 100, 100},
		PID:          1234,
		TID:          5678,
		Style:        0,
		ExStyle:      0,
		Visible:      w.Visible,
		Enabled:      true,
		Iconic:       false,
		Zoomed:       false,
		ProcessImage: "fake.exe",
	}, true
}

func (fb *FakeBackend) PickAtPoint(snap snapshot.Snapshot, x, y int, flags PickFlags) (handle.Handle, bool) {
	// Deterministic, ignoring x/y/flags: pick the smallest top-level
	// handle, matching the reference fake provider.
	if len(snap.Top) == 0 {
		return handle.None, false
	}
	smallest := snap.Top[0]
	for _, h := range snap.Top[1:] {
		if h < smallest {
			smallest = h
		}
	}
	return handle.Handle(smallest), true
}

func (fb *FakeBackend) EnsureVisible(ctx context.Context, h handle.Handle, visible bool) (bool, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	w, ok := fb.windows[h]
	if !ok {
		return false, fmt.Errorf("ensureVisible: %w", ErrNoSuchWindow)
	}
	changed := w.Visible != visible
	w.Visible = visible
	return changed, nil
}

func (fb *FakeBackend) EnsureForeground(ctx context.Context, h handle.Handle) (bool, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	changed := fb.foreground != h
	fb.foreground = h
	return changed, nil
}

// ErrNoSuchWindow is returned by action methods when the target handle
// does not exist in the live window set.
var ErrNoSuchWindow = fmt.Errorf("not a valid window handle")

func (fb *FakeBackend) PollEvents(ctx context.Context, old, new snapshot.Snapshot) ([]Event, error) {
	oldRecords, err := decodeBlob(old)
	if err != nil {
		return nil, err
	}
	newRecords, err := decodeBlob(new)
	if err != nil {
		return nil, err
	}

	var events []Event
	var createdHandles []handle.Handle
	for h := range newRecords {
		if _, existed := oldRecords[h]; !existed {
			createdHandles = append(createdHandles, h)
		}
	}
	sort.Slice(createdHandles, func(i, j int) bool { return createdHandles[i] < createdHandles[j] })
	for _, h := range createdHandles {
		events = append(events, Event{Type: EventWindowCreated, Handle: h})
	}

	var destroyedHandles []handle.Handle
	for h := range oldRecords {
		if _, still := newRecords[h]; !still {
			destroyedHandles = append(destroyedHandles, h)
		}
	}
	sort.Slice(destroyedHandles, func(i, j int) bool { return destroyedHandles[i] < destroyedHandles[j] })
	for _, h := range destroyedHandles {
		events = append(events, Event{Type: EventWindowDestroyed, Handle: h})
	}

	var changedHandles []handle.Handle
	for h := range newRecords {
		if _, ok := changedHandlesEntry(oldRecords, newRecords, h); ok {
			changedHandles = append(changedHandles, h)
		}
	}
	sort.Slice(changedHandles, func(i, j int) bool { return changedHandles[i] < changedHandles[j] })
	for _, h := range changedHandles {
		property, _ := changedHandlesEntry(oldRecords, newRecords, h)
		events = append(events, Event{Type: EventWindowChanged, Handle: h, Property: property})
	}

	return events, nil
}

// changedHandlesEntry reports the first property that differs between
// the old and new record for h, if both exist and differ.
func changedHandlesEntry(oldRecords, newRecords map[handle.Handle]fakeWindow, h handle.Handle) (string, bool) {
	oldW, existedBefore := oldRecords[h]
	newW, existsNow := newRecords[h]
	if !existedBefore || !existsNow {
		return "", false
	}
	if oldW.Visible != newW.Visible {
		return "visible", true
	}
	if oldW.Title != newW.Title {
		return "title", true
	}
	return "", false
}

func (fb *FakeBackend) GetEnvMetadata(ctx context.Context) EnvMetadata {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.envMeta
}

func (fb *FakeBackend) Invoke(ctx context.Context, method string, snap snapshot.Snapshot, params map[string]any) (any, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	switch method {
	case "window.getTree":
		return fb.getTree(snap)
	case "window.highlight":
		return map[string]any{"highlighted": true}, nil
	case "window.setProperty":
		h, err := paramHandle(params, "hwnd")
		if err != nil {
			return nil, err
		}
		w, ok := fb.windows[h]
		if !ok {
			return nil, ErrNoSuchWindow
		}
		title, _ := params["title"].(string)
		changed := title != "" && w.Title != title
		if title != "" {
			w.Title = title
		}
		return map[string]any{"changed": changed}, nil
	case "window.postMessage":
		return map[string]any{"sent": true}, nil
	case "window.findRegex":
		pattern, _ := params["pattern"].(string)
		return fb.findRegex(snap, pattern)
	case "window.controlClick", "window.controlSend":
		fb.injectedEvents = append(fb.injectedEvents, method)
		return map[string]any{"sent": true}, nil
	case "screen.getPixel":
		return map[string]any{"r": 0, "g": 0, "b": 0}, nil
	case "screen.capture":
		return map[string]any{"width": 0, "height": 0, "data_b64": ""}, nil
	case "screen.pixelSearch":
		return map[string]any{"found": false}, nil
	case "input.send":
		fb.injectedEvents = append(fb.injectedEvents, "send_input")
		return map[string]any{"sent": true}, nil
	case "input.mouseClick":
		fb.injectedEvents = append(fb.injectedEvents, "mouse_click")
		return map[string]any{"sent": true}, nil
	case "input.keyPress":
		fb.injectedEvents = append(fb.injectedEvents, "key_press")
		return map[string]any{"sent": true}, nil
	case "input.text":
		fb.injectedEvents = append(fb.injectedEvents, "text")
		return map[string]any{"sent": true}, nil
	case "input.hook":
		return map[string]any{"hooked": false}, nil
	case "process.list":
		return []map[string]any{{"pid": 1234, "name": "fake.exe", "path": "C:\\fake.exe"}}, nil
	case "process.kill":
		return map[string]any{"killed": true}, nil
	case "file.getInfo":
		return fb.fileGetInfo(params)
	case "file.read":
		return fb.fileRead(params)
	case "reg.read":
		return fb.regRead(params)
	case "reg.write":
		return fb.regWrite(params)
	case "reg.delete":
		return fb.regDelete(params)
	case "clipboard.read":
		return map[string]any{"text": fb.clipboard}, nil
	case "clipboard.write":
		text, _ := params["text"].(string)
		fb.clipboard = text
		return map[string]any{"ok": true}, nil
	case "service.list":
		return []map[string]any{{"name": "fakesvc", "display_name": "Fake Service", "state": "RUNNING"}}, nil
	case "service.status":
		return map[string]any{"name": "fakesvc", "state": "RUNNING"}, nil
	case "service.control":
		return map[string]any{"ok": true}, nil
	case "env.get":
		name, _ := params["name"].(string)
		return map[string]any{"value": fb.env[name]}, nil
	case "env.set":
		name, _ := params["name"].(string)
		value, _ := params["value"].(string)
		fb.env[name] = value
		return map[string]any{"ok": true}, nil
	case "sync.checkMutex":
		name, _ := params["name"].(string)
		return map[string]any{"exists": fb.mutexes[name]}, nil
	case "sync.createMutex":
		name, _ := params["name"].(string)
		fb.mutexes[name] = true
		return map[string]any{"created": true}, nil
	case "mem.read":
		return fb.memRead(params)
	case "mem.write":
		return fb.memWrite(params)
	case "image.match":
		return map[string]any{"x": 0, "y": 0, "confidence": 0.0}, nil
	case "ui.inspect":
		parent, _ := paramHandle(params, "hwnd")
		var prune func(elems []UIElementInfo, depth int) []UIElementInfo
		prune = func(elems []UIElementInfo, depth int) []UIElementInfo {
			if elems == nil || depth >= MaxTreeDepth {
				return nil
			}
			out := make([]UIElementInfo, len(elems))
			for i, e := range elems {
				e.Children = prune(e.Children, depth+1)
				out[i] = e
			}
			return out
		}
		return prune(fb.uiElements[parent], 0), nil
	case "ui.invoke":
		fb.injectedEvents = append(fb.injectedEvents, "ui_invoke")
		return map[string]any{"invoked": true}, nil
	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

func (fb *FakeBackend) getTree(snap snapshot.Snapshot) ([]WindowNode, error) {
	records, err := decodeBlob(snap)
	if err != nil {
		return nil, err
	}
	byParent := make(map[handle.Handle][]fakeWindow)
	for _, w := range records {
		byParent[w.Parent] = append(byParent[w.Parent], w)
	}
	for _, list := range byParent {
		sort.Slice(list, func(i, j int) bool { return list[i].Handle < list[j].Handle })
	}

	var build func(parent handle.Handle, depth int) []WindowNode
	build = func(parent handle.Handle, depth int) []WindowNode {
		if depth >= MaxTreeDepth {
			return nil
		}
		var nodes []WindowNode
		for _, w := range byParent[parent] {
			nodes = append(nodes, WindowNode{
				Handle:    w.Handle,
				Title:     w.Title,
				ClassName: w.Class,
				Children:  build(w.Handle, depth+1),
			})
		}
		return nodes
	}
	return build(handle.None, 0), nil
}

func (fb *FakeBackend) findRegex(snap snapshot.Snapshot, pattern string) ([]handle.Handle, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("window.findRegex: %w", err)
	}
	records, err := decodeBlob(snap)
	if err != nil {
		return nil, err
	}
	var out []handle.Handle
	for h, w := range records {
		if re.MatchString(w.Title) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (fb *FakeBackend) fileGetInfo(params map[string]any) (any, error) {
	path, _ := params["path"].(string)
	f, ok := fb.files[path]
	if !ok {
		return nil, fmt.Errorf("file.getInfo: no such file %q", path)
	}
	return map[string]any{
		"path":         path,
		"size":         len(f.content),
		"is_directory": false,
		"content_hash": fmt.Sprintf("%x", contentHash(f.content)),
	}, nil
}

func (fb *FakeBackend) fileRead(params map[string]any) (any, error) {
	path, _ := params["path"].(string)
	f, ok := fb.files[path]
	if !ok {
		return nil, fmt.Errorf("file.read: no such file %q", path)
	}
	return map[string]any{
		"content_b64":  encodeBase64(f.content),
		"content_hash": fmt.Sprintf("%x", contentHash(f.content)),
	}, nil
}

func (fb *FakeBackend) regRead(params map[string]any) (any, error) {
	path, _ := params["path"].(string)
	values := fb.registry[path]
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return map[string]any{"path": path, "values": out}, nil
}

func (fb *FakeBackend) regWrite(params map[string]any) (any, error) {
	path, _ := params["path"].(string)
	name, _ := params["name"].(string)
	data, _ := params["data"].(string)
	if fb.registry[path] == nil {
		fb.registry[path] = make(map[string]string)
	}
	fb.registry[path][name] = data
	return map[string]any{"ok": true}, nil
}

func (fb *FakeBackend) regDelete(params map[string]any) (any, error) {
	path, _ := params["path"].(string)
	name, _ := params["name"].(string)
	if values, ok := fb.registry[path]; ok {
		delete(values, name)
	}
	return map[string]any{"ok": true}, nil
}

func (fb *FakeBackend) memRead(params map[string]any) (any, error) {
	address, err := paramUint64(params, "address")
	if err != nil {
		return nil, err
	}
	return map[string]any{"address": address, "data_b64": encodeBase64(fb.memory[address])}, nil
}

func (fb *FakeBackend) memWrite(params map[string]any) (any, error) {
	address, err := paramUint64(params, "address")
	if err != nil {
		return nil, err
	}
	data, _ := params["data_b64"].(string)
	decoded, err := decodeBase64(data)
	if err != nil {
		return nil, fmt.Errorf("mem.write: %w", err)
	}
	fb.memory[address] = decoded
	return map[string]any{"ok": true}, nil
}

