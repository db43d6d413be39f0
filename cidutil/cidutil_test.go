package cidutil

import (
	"strings"
	"testing"
)

func TestCIDv1RawSHA256_Deterministic(t *testing.T) {
	a := CIDv1RawSHA256([]byte("hello"))
	b := CIDv1RawSHA256([]byte("hello"))
	if a == "" || a != b {
		t.Fatalf("CID not deterministic: %q vs %q", a, b)
	}
	if CIDv1RawSHA256([]byte("other")) == a {
		t.Fatal("distinct inputs produced identical CIDs")
	}
}

func TestDigest_RoundTrip(t *testing.T) {
	d := Digest([]byte("payload"))
	if !strings.HasPrefix(d, DigestPrefix) {
		t.Fatalf("digest missing prefix: %s", d)
	}
	hexPart, err := ParseDigest(d)
	if err != nil {
		t.Fatalf("ParseDigest: %v", err)
	}
	if len(hexPart) != 64 {
		t.Fatalf("hex length: %d", len(hexPart))
	}
	if !ValidDigest(d) {
		t.Fatal("ValidDigest rejected own output")
	}
}

func TestCIDFromDigest_MatchesDirectCID(t *testing.T) {
	data := []byte("archive bytes")
	c, err := CIDFromDigest(Digest(data))
	if err != nil {
		t.Fatalf("CIDFromDigest: %v", err)
	}
	if c.String() != CIDv1RawSHA256(data) {
		t.Fatalf("digest-derived CID %s, direct CID %s", c, CIDv1RawSHA256(data))
	}
	if _, err := CIDFromDigest("sha256:abcd"); err == nil {
		t.Fatal("malformed digest accepted")
	}
}

func TestParseDigest_Rejects(t *testing.T) {
	cases := []string{
		"",
		"sha256:",
		"sha256:abcd",
		"sha512:" + strings.Repeat("a", 64),
		"sha256:" + strings.Repeat("A", 64),
		"sha256:" + strings.Repeat("z", 64),
	}
	for _, c := range cases {
		if _, err := ParseDigest(c); err == nil {
			t.Errorf("ParseDigest(%q): expected error", c)
		}
	}
}
