package handle

import "testing"

func TestStringUppercaseHex(t *testing.T) {
	h := Handle(0xAB)
	if got, want := h.String(), "0xAB"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestParseCaseInsensitive(t *testing.T) {
	for _, s := range []string{"0x1A", "0x1a", "0X1A", "1a"} {
		h, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", s, err)
		}
		if h != Handle(0x1a) {
			t.Fatalf("Parse(%q) = %v, want 0x1a", s, h)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse("not-hex"); err == nil {
		t.Fatalf("expected error for invalid handle")
	}
}

func TestNoneSentinel(t *testing.T) {
	if None != Handle(0) {
		t.Fatalf("None must be zero value")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	h := Handle(0x2A)
	data, err := h.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON error: %v", err)
	}
	var decoded Handle
	if err := decoded.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON error: %v", err)
	}
	if decoded != h {
		t.Fatalf("round trip: got %v, want %v", decoded, h)
	}
}
