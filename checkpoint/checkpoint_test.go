package checkpoint

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/warden-foundation/warden/cidutil"
	"github.com/warden-foundation/warden/integrity"
	"github.com/warden-foundation/warden/ledger"
	"github.com/warden-foundation/warden/manifest"
	"github.com/warden-foundation/warden/registry"
	"github.com/warden-foundation/warden/storage/localfs"
)

type harness struct {
	manager *Manager
	ledger  *ledger.Ledger
	casDir  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "governed")
	for _, dir := range []string{root, filepath.Join(base, "workspace"), filepath.Join(base, "ledgers")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	led, err := ledger.Open(filepath.Join(base, "ledgers"), ledger.TierHO1)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	if _, err := led.WriteGenesis("sub-genesis", "", ""); err != nil {
		t.Fatalf("WriteGenesis: %v", err)
	}
	reg, err := registry.Open(filepath.Join(base, "registries"))
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	casDir := filepath.Join(base, "archives")
	cas, err := localfs.New(casDir)
	if err != nil {
		t.Fatalf("localfs.New: %v", err)
	}

	seq := 0
	mg := &Manager{
		Dir:             filepath.Join(base, "checkpoints"),
		Root:            root,
		WorkspaceDir:    filepath.Join(base, "workspace"),
		MaxArchiveBytes: 1 << 20,
		Registry:        reg,
		Ledger:          led,
		CAS:             cas,
		newID: func() string {
			seq++
			return string(rune('a' + seq - 1))
		},
	}
	return &harness{manager: mg, ledger: led, casDir: casDir}
}

// installPackage simulates an installed package: governed files on disk,
// ownership and package rows, archive in the CAS.
func (h *harness) installPackage(t *testing.T, packageID string, files map[string]string) {
	t.Helper()
	src := t.TempDir()
	for p, content := range files {
		for _, dir := range []string{src, h.manager.Root} {
			target := filepath.Join(dir, filepath.FromSlash(p))
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				t.Fatalf("mkdir: %v", err)
			}
			if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
		}
	}
	m, err := manifest.BuildManifest(src, packageID, "library", "1.0.0", "SPEC-1")
	if err != nil {
		t.Fatalf("BuildManifest: %v", err)
	}
	var buf bytes.Buffer
	if err := manifest.Pack(&buf, m, src, manifest.CompressionZstd); err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if _, err := h.manager.CAS.Put(buf.Bytes()); err != nil {
		t.Fatalf("CAS.Put: %v", err)
	}

	reg := h.manager.Registry
	ownership, err := reg.LoadOwnership()
	if err != nil {
		t.Fatalf("LoadOwnership: %v", err)
	}
	for _, a := range m.Assets {
		ownership = append(ownership, registry.OwnershipRecord{
			FilePath: a.Path, OwnerPackageID: packageID, RecordedHash: a.Hash,
		})
	}
	if err := reg.SaveOwnership(ownership); err != nil {
		t.Fatalf("SaveOwnership: %v", err)
	}
	packages, err := reg.LoadPackages()
	if err != nil {
		t.Fatalf("LoadPackages: %v", err)
	}
	packages = append(packages, registry.PackageRecord{
		PackageID:      packageID,
		PackageType:    "library",
		Version:        "1.0.0",
		SpecID:         "SPEC-1",
		ManifestHash:   m.ManifestHash,
		ArtifactDigest: cidutil.Digest(buf.Bytes()),
		InstalledAt:    "2026-01-01T00:00:00Z",
	})
	if err := reg.SavePackages(packages); err != nil {
		t.Fatalf("SavePackages: %v", err)
	}
}

func hashTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		out[filepath.ToSlash(rel)] = cidutil.Digest(raw)
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	return out
}

func lastEvent(t *testing.T, led *ledger.Ledger) ledger.Entry {
	t.Helper()
	entries, err := led.ReadAll()
	if err != nil || len(entries) == 0 {
		t.Fatalf("ReadAll: %v", err)
	}
	return entries[len(entries)-1]
}

func TestCreate(t *testing.T) {
	h := newHarness(t)
	h.installPackage(t, "PKG-A", map[string]string{"lib/x.py": "alpha"})
	h.installPackage(t, "PKG-B", map[string]string{"lib/y.py": "beta"})

	ckpt, err := h.manager.Create("sub-1", "before upgrade")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(ckpt.Packages) != 2 || ckpt.MerkleRoot == "" || ckpt.ManifestHash == "" {
		t.Fatalf("checkpoint: %+v", ckpt)
	}
	if ckpt.LedgerEntryID == "" {
		t.Fatal("ledger entry id missing")
	}
	last := lastEvent(t, h.ledger)
	if last.EventType != ledger.EventVersionCheckpoint || last.EntryHash != ckpt.LedgerEntryID {
		t.Fatalf("ledger entry: %+v", last)
	}

	loaded, err := h.manager.Load(ckpt.VersionID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.MerkleRoot != ckpt.MerkleRoot || len(loaded.Packages) != 2 {
		t.Fatalf("loaded: %+v", loaded)
	}

	report, err := (&integrity.Checker{Root: h.manager.Root, Registry: h.manager.Registry}).Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if report.MerkleRoot != ckpt.MerkleRoot {
		t.Fatalf("merkle root drifted: %s vs %s", report.MerkleRoot, ckpt.MerkleRoot)
	}
}

func TestCreate_RequiresCleanTree(t *testing.T) {
	h := newHarness(t)
	h.installPackage(t, "PKG-A", map[string]string{"lib/x.py": "alpha"})
	if err := os.WriteFile(filepath.Join(h.manager.Root, "stray.txt"), []byte("orphan"), 0o644); err != nil {
		t.Fatalf("plant orphan: %v", err)
	}
	if _, err := h.manager.Create("sub-1", ""); !IsKind(err, KindIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestLoad_Unknown(t *testing.T) {
	h := newHarness(t)
	if _, err := h.manager.Load("missing"); !IsKind(err, KindNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestRollback_RestoresCheckpointState(t *testing.T) {
	h := newHarness(t)
	h.installPackage(t, "PKG-A", map[string]string{"lib/x.py": "alpha", "lib/z.py": "zeta"})
	ckpt, err := h.manager.Create("sub-1", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	wantTree := hashTree(t, h.manager.Root)
	wantOwnership, err := h.manager.Registry.LoadOwnership()
	if err != nil {
		t.Fatalf("LoadOwnership: %v", err)
	}

	// Drift: mutate a governed file, drop another, add an intruder, and
	// install an extra package.
	if err := os.WriteFile(filepath.Join(h.manager.Root, "lib", "x.py"), []byte("mutated"), 0o644); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if err := os.Remove(filepath.Join(h.manager.Root, "lib", "z.py")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := os.WriteFile(filepath.Join(h.manager.Root, "intruder.py"), []byte("orphan"), 0o644); err != nil {
		t.Fatalf("intrude: %v", err)
	}
	outside := filepath.Join(t.TempDir(), "outside.txt")
	if err := os.WriteFile(outside, []byte("external"), 0o644); err != nil {
		t.Fatalf("write link target: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(h.manager.Root, "lib", "planted")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	h.installPackage(t, "PKG-B", map[string]string{"lib/extra.py": "extra"})

	res, err := h.manager.Rollback("sub-2", ckpt.VersionID)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if res.Outcome != OutcomeRolledBack {
		t.Fatalf("result: %+v", res)
	}
	if !res.Report.Clean {
		t.Fatalf("post-rollback report not clean: %+v", res.Report)
	}

	if _, err := os.Lstat(filepath.Join(h.manager.Root, "lib", "planted")); !os.IsNotExist(err) {
		t.Fatalf("planted symlink survived rollback: %v", err)
	}
	gotTree := hashTree(t, h.manager.Root)
	if len(gotTree) != len(wantTree) {
		t.Fatalf("tree mismatch: %v vs %v", gotTree, wantTree)
	}
	for p, sum := range wantTree {
		if gotTree[p] != sum {
			t.Fatalf("file %s not restored", p)
		}
	}
	gotOwnership, err := h.manager.Registry.LoadOwnership()
	if err != nil {
		t.Fatalf("LoadOwnership: %v", err)
	}
	if len(gotOwnership) != len(wantOwnership) {
		t.Fatalf("ownership mismatch: %v vs %v", gotOwnership, wantOwnership)
	}

	last := lastEvent(t, h.ledger)
	if last.EventType != ledger.EventRolledBack {
		t.Fatalf("ledger entry: %+v", last)
	}
}

func TestRollback_AtomicOnDigestFailure(t *testing.T) {
	h := newHarness(t)
	h.installPackage(t, "PKG-A", map[string]string{"lib/x.py": "alpha"})
	ckpt, err := h.manager.Create("sub-1", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Destroy the archive backing store, then drift the tree.
	if err := os.RemoveAll(h.casDir); err != nil {
		t.Fatalf("destroy cas: %v", err)
	}
	if err := os.WriteFile(filepath.Join(h.manager.Root, "lib", "x.py"), []byte("drifted"), 0o644); err != nil {
		t.Fatalf("drift: %v", err)
	}
	preTree := hashTree(t, h.manager.Root)
	preOwnership, err := h.manager.Registry.LoadOwnership()
	if err != nil {
		t.Fatalf("LoadOwnership: %v", err)
	}

	res, err := h.manager.Rollback("sub-2", ckpt.VersionID)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if res.Outcome != OutcomeRollbackFailed || res.Reason == "" {
		t.Fatalf("result: %+v", res)
	}

	// Zero mutation: the drifted tree and registry are untouched.
	postTree := hashTree(t, h.manager.Root)
	if len(postTree) != len(preTree) || postTree["lib/x.py"] != preTree["lib/x.py"] {
		t.Fatalf("tree mutated: %v vs %v", preTree, postTree)
	}
	postOwnership, err := h.manager.Registry.LoadOwnership()
	if err != nil {
		t.Fatalf("LoadOwnership: %v", err)
	}
	if len(postOwnership) != len(preOwnership) {
		t.Fatalf("registry mutated: %v vs %v", preOwnership, postOwnership)
	}

	last := lastEvent(t, h.ledger)
	if last.EventType != ledger.EventRollbackFailed {
		t.Fatalf("ledger entry: %+v", last)
	}
}
