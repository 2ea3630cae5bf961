package codec

import (
	"bytes"
	"testing"
)

type record struct {
	ID     string            `cbor:"id"`
	Blob   []byte            `cbor:"blob"`
	Labels map[string]string `cbor:"labels"`
	Extra  any               `cbor:"extra"`
}

// TestMarshal_deterministic verifies map ordering does not change the bytes.
func TestMarshal_deterministic(t *testing.T) {
	a := record{ID: "p-1", Labels: map[string]string{"z": "1", "a": "2", "m": "3"}}
	b := record{ID: "p-1", Labels: map[string]string{"m": "3", "z": "1", "a": "2"}}

	encA, err := Marshal(a)
	if err != nil {
		t.Fatalf("Marshal(a) failed: %v", err)
	}
	encB, err := Marshal(b)
	if err != nil {
		t.Fatalf("Marshal(b) failed: %v", err)
	}
	if !bytes.Equal(encA, encB) {
		t.Error("equal records encoded differently")
	}
}

// TestUnmarshal_untypedMaps verifies nested maps decode with string keys.
func TestUnmarshal_untypedMaps(t *testing.T) {
	in := record{
		ID:    "m-1",
		Blob:  []byte{0xff, 0x00, 0x10},
		Extra: map[string]any{"tripId": "t-9", "seats": 4},
	}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var out record
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !bytes.Equal(out.Blob, in.Blob) {
		t.Errorf("Blob = %v, want %v", out.Blob, in.Blob)
	}
	extra, ok := out.Extra.(map[string]any)
	if !ok {
		t.Fatalf("Extra type = %T, want map[string]any", out.Extra)
	}
	if extra["tripId"] != "t-9" {
		t.Errorf("tripId = %v, want t-9", extra["tripId"])
	}
}
