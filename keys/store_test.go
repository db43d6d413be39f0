package keys

import (
	"crypto/ed25519"
	"os"
	"runtime"
	"testing"
)

func testSeed(fill byte) []byte {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = fill
	}
	return seed
}

func TestStoreRoundTrip(t *testing.T) {
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	seed := testSeed(7)
	signingKey, path, err := st.Generate("release", seed, false)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if signingKey != SigningKeyFromSeed(seed) {
		t.Fatalf("signing key mismatch: %q", signingKey)
	}

	got, err := st.Seed("release")
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if string(got) != string(seed) {
		t.Fatal("stored seed does not round trip")
	}
	if sk, err := st.SigningKey("release"); err != nil || sk != signingKey {
		t.Fatalf("SigningKey: %q, %v", sk, err)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat seed file: %v", err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("seed file mode %v, want 0600", info.Mode().Perm())
		}
	}
}

func TestStoreRefusesOverwrite(t *testing.T) {
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := st.Generate("release", testSeed(1), false); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, _, err := st.Generate("release", testSeed(2), false); err == nil {
		t.Fatal("existing seed silently overwritten")
	}
	// The original seed is intact.
	got, err := st.Seed("release")
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if string(got) != string(testSeed(1)) {
		t.Fatal("stored seed changed")
	}
	// Explicit overwrite replaces it.
	if _, _, err := st.Generate("release", testSeed(2), true); err != nil {
		t.Fatalf("Generate overwrite: %v", err)
	}
	if got, _ := st.Seed("release"); string(got) != string(testSeed(2)) {
		t.Fatal("overwrite did not take effect")
	}
}

func TestStoreRejectsBadInput(t *testing.T) {
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := st.Generate("", testSeed(1), false); err == nil {
		t.Fatal("empty name accepted")
	}
	if _, _, err := st.Generate("../escape", testSeed(1), false); err == nil {
		t.Fatal("path-like name accepted")
	}
	if _, _, err := st.Generate("release", []byte("short"), false); err == nil {
		t.Fatal("undersized seed accepted")
	}
	if _, err := st.Seed("absent"); err == nil {
		t.Fatal("missing seed read successfully")
	}
}
