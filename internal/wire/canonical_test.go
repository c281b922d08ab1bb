package wire

import (
	"encoding/json"
	"testing"
)

func TestCanonicalMarshalSortsKeysRecursively(t *testing.T) {
	value := map[string]any{
		"b": 1,
		"a": map[string]any{
			"z": 1,
			"y": 2,
		},
	}
	got, err := CanonicalMarshal(value)
	if err != nil {
		t.Fatalf("CanonicalMarshal error: %v", err)
	}
	want := `{"a":{"y":2,"z":1},"b":1}`
	if string(got) != want {
		t.Fatalf("CanonicalMarshal = %s, want %s", got, want)
	}
}

func TestCanonicalMarshalRoundTripStable(t *testing.T) {
	value := map[string]any{
		"ok":     true,
		"result": []any{1, 2.5, "x"},
		"nested": map[string]any{"id": "s-1"},
	}

	first, err := CanonicalMarshal(value)
	if err != nil {
		t.Fatalf("CanonicalMarshal error: %v", err)
	}

	var parsed any
	if err := json.Unmarshal(first, &parsed); err != nil {
		t.Fatalf("json.Unmarshal error: %v", err)
	}

	second, err := CanonicalMarshal(parsed)
	if err != nil {
		t.Fatalf("CanonicalMarshal (second pass) error: %v", err)
	}

	if string(first) != string(second) {
		t.Fatalf("canonical form not stable under round trip:\nfirst:  %s\nsecond: %s", first, second)
	}
}

func TestCanonicalMarshalArraysPreserveOrder(t *testing.T) {
	got, err := CanonicalMarshal([]any{3, 1, 2})
	if err != nil {
		t.Fatalf("CanonicalMarshal error: %v", err)
	}
	if string(got) != "[3,1,2]" {
		t.Fatalf("CanonicalMarshal = %s, want [3,1,2] (arrays are not reordered)", got)
	}
}
