package backend

import (
	"encoding/base64"
	"fmt"

	"github.com/SemperSupra/WinInspect/internal/handle"
)

// paramHandle extracts and parses a window handle field from a decoded
// params object.
func paramHandle(params map[string]any, key string) (handle.Handle, error) {
	raw, ok := params[key]
	if !ok {
		return handle.None, fmt.Errorf("missing required field %q", key)
	}
	s, ok := raw.(string)
	if !ok {
		return handle.None, fmt.Errorf("field %q must be a string", key)
	}
	return handle.Parse(s)
}

// paramUint64 extracts a numeric field decoded by encoding/json (which
// produces float64 for untyped JSON numbers).
func paramUint64(params map[string]any, key string) (uint64, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing required field %q", key)
	}
	f, ok := raw.(float64)
	if !ok {
		return 0, fmt.Errorf("field %q must be a number", key)
	}
	return uint64(f), nil
}

func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
