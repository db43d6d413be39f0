package receipt

import (
	"bytes"
	"crypto/ed25519"
	"strings"
	"testing"
	"time"

	"github.com/warden-foundation/warden/keys"
	"github.com/warden-foundation/warden/manifest"
)

func sampleReceipt() *Receipt {
	return &Receipt{
		SubmissionID:   "sub-42",
		InstalledAt:    time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		PackageID:      "PKG-A",
		PackageType:    "library",
		PackageVersion: "1.2.0",
		SpecID:         "SPEC-1",
		ManifestHash:   strings.Repeat("ab", 32),
		ArtifactDigest: "sha256:" + strings.Repeat("cd", 32),
		ArchiveCID:     "bafkreievwqzz",
		Assets: []manifest.Asset{
			{Path: "lib/b.py", Hash: "sha256:" + strings.Repeat("b", 64)},
			{Path: "lib/a.py", Hash: "sha256:" + strings.Repeat("a", 64)},
		},
		Gates: []GateLine{
			{Name: "ownership", Passed: true},
			{Name: "lineage", Passed: true},
			{Name: "signature", Passed: true},
		},
		Warnings: []string{"signature waived for artifact sha256:" + strings.Repeat("cd", 32)},
	}
}

func TestRender_Deterministic(t *testing.T) {
	r := sampleReceipt()
	a := Render(r, RenderOptions{})
	b := Render(r, RenderOptions{})
	if !bytes.Equal(a, b) {
		t.Fatal("render is not deterministic")
	}

	// Assets are emitted sorted regardless of input order.
	shuffled := sampleReceipt()
	shuffled.Assets[0], shuffled.Assets[1] = shuffled.Assets[1], shuffled.Assets[0]
	if !bytes.Equal(Render(shuffled, RenderOptions{}), a) {
		t.Fatal("asset input order leaked into the document")
	}

	if !strings.HasPrefix(string(a), Preamble) || !strings.Contains(string(a), Postamble) {
		t.Fatal("missing preamble or postamble")
	}
}

func TestParse_RoundTrip(t *testing.T) {
	r := sampleReceipt()
	got, err := Parse(Render(r, RenderOptions{}))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.SubmissionID != r.SubmissionID || got.PackageID != r.PackageID || got.PackageVersion != r.PackageVersion {
		t.Fatalf("identity mismatch: %+v", got)
	}
	if !got.InstalledAt.Equal(r.InstalledAt) {
		t.Fatalf("timestamp mismatch: %v", got.InstalledAt)
	}
	if len(got.Assets) != 2 || got.Assets[0].Path != "lib/a.py" {
		t.Fatalf("assets: %+v", got.Assets)
	}
	if len(got.Gates) != 3 || !got.Gates[2].Passed {
		t.Fatalf("gates: %+v", got.Gates)
	}
	if len(got.Warnings) != 1 {
		t.Fatalf("warnings: %+v", got.Warnings)
	}
}

func TestParse_Rejections(t *testing.T) {
	valid := string(Render(sampleReceipt(), RenderOptions{}))
	cases := []struct {
		name string
		data string
	}{
		{"BOM", "\xEF\xBB\xBF" + valid},
		{"CR line endings", strings.ReplaceAll(valid, "\n", "\r\n")},
		{"missing preamble", strings.TrimPrefix(valid, Preamble+"\n")},
		{"missing postamble", strings.TrimSuffix(valid, Postamble+"\n")},
		{"path without hash", strings.Replace(valid, "Hash: sha256:"+strings.Repeat("a", 64)+"\n", "", 1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.data)); err == nil {
				t.Fatal("malformed receipt accepted")
			}
		})
	}
}

func TestSignature(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	signerKey := keys.SigningKeyFromSeed(seed)

	signed := Render(sampleReceipt(), RenderOptions{SignerKey: signerKey, PrivateKey: priv})
	ok, err := VerifySignature(signed)
	if err != nil || !ok {
		t.Fatalf("VerifySignature: %v, %v", ok, err)
	}

	unsigned := Render(sampleReceipt(), RenderOptions{})
	ok, err = VerifySignature(unsigned)
	if err != nil || ok {
		t.Fatalf("unsigned receipt: %v, %v", ok, err)
	}

	tampered := bytes.Replace(signed, []byte("Package-Version: 1.2.0"), []byte("Package-Version: 6.6.6"), 1)
	if ok, err := VerifySignature(tampered); err == nil && ok {
		t.Fatal("tampered receipt verified")
	}
}
