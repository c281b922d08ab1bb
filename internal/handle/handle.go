// Package handle defines the Window Handle type: an opaque 64-bit window
// identifier serialized as "0x" followed by uppercase hex.
package handle

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// None is the sentinel handle meaning "no window" or "the desktop".
const None Handle = 0

// Handle is an opaque identifier of an OS window.
type Handle uint64

// String renders the handle as "0x" followed by uppercase hex, matching
// the wire format.
func (h Handle) String() string {
	return "0x" + strings.ToUpper(strconv.FormatUint(uint64(h), 16))
}

// Parse reads a handle from its wire form. Accepts an optional "0x"/"0X"
// prefix and is case-insensitive; digits without a prefix are also
// accepted since clients occasionally omit it.
func Parse(s string) (Handle, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing window handle %q: %w", s, err)
	}
	return Handle(v), nil
}

// MarshalJSON encodes the handle in wire form: a quoted "0x..." string.
func (h Handle) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes a handle from its wire form.
func (h *Handle) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("window handle must be a string: %w", err)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
