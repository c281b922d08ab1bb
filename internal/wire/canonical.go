package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalMarshal serializes v as JSON with object keys emitted in
// byte-wise ascending order, recursively, and numbers preserved in
// whatever decimal form they were originally encoded in (encoding/json
// already emits the shortest round-tripping form for floats and exact
// digits for integers). Two implementations using this encoder over
// equal input values produce byte-identical output.
func CanonicalMarshal(v any) ([]byte, error) {
	// Route through a standard marshal/unmarshal pass so that Go
	// struct values (with field tags, omitempty, custom MarshalJSON
	// methods) are reduced to the same generic JSON value tree used for
	// canonicalizing arbitrary Backend-returned data.
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(plain))
	decoder.UseNumber()
	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical marshal: decoding intermediate value: %w", err)
	}

	var buf bytes.Buffer
	if err := canonicalEncode(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalEncode(buf *bytes.Buffer, v any) error {
	switch value := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if value {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		buf.WriteString(string(value))
		return nil
	case string:
		return encodeJSONString(buf, value)
	case []any:
		buf.WriteByte('[')
		for i, elem := range value {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := canonicalEncode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]any:
		keys := make([]string, 0, len(value))
		for k := range value {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeJSONString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := canonicalEncode(buf, value[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("canonical marshal: unsupported value type %T", v)
	}
}

func encodeJSONString(buf *bytes.Buffer, s string) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("canonical marshal: encoding string: %w", err)
	}
	buf.Write(encoded)
	return nil
}
