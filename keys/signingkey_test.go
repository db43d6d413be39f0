package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"
)

func TestSigningKeyFromSeedFormat(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = 0x42
	}
	signingKey := SigningKeyFromSeed(seed)
	if !strings.HasPrefix(signingKey, "ed25519:") {
		t.Fatalf("expected ed25519 prefix, got %q", signingKey)
	}
	b64 := strings.TrimPrefix(signingKey, "ed25519:")
	pubBytes, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("expected valid base64: %v", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		t.Fatalf("expected %d pubkey bytes, got %d", ed25519.PublicKeySize, len(pubBytes))
	}
}

func TestParseSeedHex(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	encoded := hex.EncodeToString(seed)

	cases := []struct {
		name  string
		input string
		ok    bool
	}{
		{"plain", encoded, true},
		{"0x prefix", "0x" + encoded, true},
		{"surrounding whitespace", "  " + encoded + "\n", true},
		{"short", encoded[:10], false},
		{"not hex", strings.Repeat("zz", ed25519.SeedSize), false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseSeedHex(tc.input)
			if tc.ok != (err == nil) {
				t.Fatalf("ParseSeedHex(%q): %v", tc.input, err)
			}
			if tc.ok && string(got) != string(seed) {
				t.Fatalf("seed round trip lost bytes")
			}
		})
	}
}
