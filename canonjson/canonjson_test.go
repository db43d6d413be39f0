package canonjson

import (
	"bytes"
	"testing"
)

func TestCanonicalize_KeyOrder(t *testing.T) {
	got, err := Canonicalize([]byte(`{"b":1,"a":{"z":true,"m":null}}`))
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	want := `{"a":{"m":null,"z":true},"b":1}`
	if string(got) != want {
		t.Fatalf("canonical form: got %s want %s", got, want)
	}
}

func TestCanonicalize_InsensitiveToInputOrder(t *testing.T) {
	a, err := Canonicalize([]byte(`{"x": 1, "y": [2, {"b": "v", "a": "u"}]}`))
	if err != nil {
		t.Fatalf("Canonicalize a: %v", err)
	}
	b, err := Canonicalize([]byte(`{"y":[2,{"a":"u","b":"v"}],"x":1}`))
	if err != nil {
		t.Fatalf("Canonicalize b: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("canonical forms differ: %s vs %s", a, b)
	}
}

func TestCanonicalize_PreservesNumberText(t *testing.T) {
	got, err := Canonicalize([]byte(`{"n":1.50,"m":1e3}`))
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	want := `{"m":1e3,"n":1.50}`
	if string(got) != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestCanonicalize_RejectsTrailingData(t *testing.T) {
	if _, err := Canonicalize([]byte(`{"a":1} {"b":2}`)); err == nil {
		t.Fatal("expected error for multiple JSON values")
	}
}

func TestSHA256Hex_Deterministic(t *testing.T) {
	type rec struct {
		B string `json:"b"`
		A int    `json:"a"`
	}
	h1, err := SHA256Hex(rec{B: "x", A: 7})
	if err != nil {
		t.Fatalf("SHA256Hex: %v", err)
	}
	h2, err := SHA256Hex(map[string]any{"a": 7, "b": "x"})
	if err != nil {
		t.Fatalf("SHA256Hex: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("digests differ: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("unexpected digest length: %d", len(h1))
	}
}
