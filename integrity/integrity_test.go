package integrity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/warden-foundation/warden/cidutil"
	"github.com/warden-foundation/warden/registry"
)

func newChecker(t *testing.T, files map[string]string) (*Checker, *registry.Store) {
	t.Helper()
	root := t.TempDir()
	reg, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	var records []registry.OwnershipRecord
	for p, content := range files {
		target := filepath.Join(root, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		records = append(records, registry.OwnershipRecord{
			FilePath:       p,
			OwnerPackageID: "PKG-A",
			RecordedHash:   cidutil.Digest([]byte(content)),
		})
	}
	if err := reg.SaveOwnership(records); err != nil {
		t.Fatalf("SaveOwnership: %v", err)
	}
	return &Checker{Root: root, Registry: reg}, reg
}

func findingCodes(r Report) map[string]string {
	out := map[string]string{}
	for _, f := range r.Findings {
		out[f.Path] = f.Code
	}
	return out
}

func TestCheck_CleanTree(t *testing.T) {
	c, _ := newChecker(t, map[string]string{
		"lib/x.py":      "alpha",
		"lib/y.py":      "beta",
		"etc/rules.cfg": "gamma",
	})
	report, err := c.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !report.Clean || len(report.Findings) != 0 || report.Records != 3 {
		t.Fatalf("report: %+v", report)
	}
	if report.MerkleRoot == "" {
		t.Fatal("merkle root missing")
	}
}

func TestCheck_HashMismatch(t *testing.T) {
	c, _ := newChecker(t, map[string]string{"lib/x.py": "alpha"})
	if err := os.WriteFile(filepath.Join(c.Root, "lib", "x.py"), []byte("mutated"), 0o644); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	report, err := c.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if report.Clean || findingCodes(report)["lib/x.py"] != CodeHashMismatch {
		t.Fatalf("report: %+v", report)
	}
}

func TestCheck_FileMissing(t *testing.T) {
	c, _ := newChecker(t, map[string]string{"lib/x.py": "alpha", "lib/y.py": "beta"})
	if err := os.Remove(filepath.Join(c.Root, "lib", "y.py")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	report, err := c.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if report.Clean || findingCodes(report)["lib/y.py"] != CodeFileMissing {
		t.Fatalf("report: %+v", report)
	}
}

func TestCheck_OrphanDetection(t *testing.T) {
	c, _ := newChecker(t, map[string]string{"lib/x.py": "alpha"})
	if err := os.WriteFile(filepath.Join(c.Root, "lib", "stray.py"), []byte("unaccounted"), 0o644); err != nil {
		t.Fatalf("plant orphan: %v", err)
	}
	report, err := c.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if report.Clean || findingCodes(report)["lib/stray.py"] != CodeOrphan {
		t.Fatalf("report: %+v", report)
	}
}

func TestCheck_EmptyRegistryFlagsEverything(t *testing.T) {
	c, reg := newChecker(t, map[string]string{"lib/x.py": "alpha"})
	if err := reg.SaveOwnership(nil); err != nil {
		t.Fatalf("SaveOwnership: %v", err)
	}
	report, err := c.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if report.Clean || findingCodes(report)["lib/x.py"] != CodeOrphan {
		t.Fatalf("report: %+v", report)
	}
}

func TestCheck_SymlinkIsViolation(t *testing.T) {
	c, _ := newChecker(t, map[string]string{"lib/x.py": "alpha"})
	outside := filepath.Join(t.TempDir(), "outside.txt")
	if err := os.WriteFile(outside, []byte("external"), 0o644); err != nil {
		t.Fatalf("write target: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(c.Root, "lib", "planted")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	report, err := c.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if report.Clean || findingCodes(report)["lib/planted"] != CodeIrregularFile {
		t.Fatalf("report: %+v", report)
	}
}

// A registered path replaced by a symlink to matching content passes the
// hash recomputation of pass 1; pass 2 must still flag it.
func TestCheck_RegisteredPathReplacedBySymlink(t *testing.T) {
	c, _ := newChecker(t, map[string]string{"lib/x.py": "alpha"})
	outside := filepath.Join(t.TempDir(), "shadow.py")
	if err := os.WriteFile(outside, []byte("alpha"), 0o644); err != nil {
		t.Fatalf("write target: %v", err)
	}
	target := filepath.Join(c.Root, "lib", "x.py")
	if err := os.Remove(target); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := os.Symlink(outside, target); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	report, err := c.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if report.Clean || findingCodes(report)["lib/x.py"] != CodeIrregularFile {
		t.Fatalf("report: %+v", report)
	}
}

func TestCheck_RelativeRootRejected(t *testing.T) {
	reg, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	c := &Checker{Root: "relative/root", Registry: reg}
	if _, err := c.Check(); !IsKind(err, KindConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestMerkleRoot(t *testing.T) {
	a := cidutil.Digest([]byte("alpha"))
	b := cidutil.Digest([]byte("beta"))
	g := cidutil.Digest([]byte("gamma"))

	if MerkleRoot([]string{a, b, g}) != MerkleRoot([]string{g, a, b}) {
		t.Fatal("root depends on input order")
	}
	if MerkleRoot([]string{a, b}) == MerkleRoot([]string{a, g}) {
		t.Fatal("different sets produced equal roots")
	}
	if MerkleRoot([]string{a}) == MerkleRoot([]string{b}) {
		t.Fatal("single-leaf roots collide")
	}
	if MerkleRoot(nil) != MerkleRoot([]string{}) {
		t.Fatal("empty roots disagree")
	}
	// Odd tails duplicate, so {a,b,b} and {a,b} differ only by one level.
	if MerkleRoot([]string{a, b, g}) == MerkleRoot([]string{a, b}) {
		t.Fatal("odd tail not folded in")
	}
}
