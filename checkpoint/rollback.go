package checkpoint

import (
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"

	"github.com/warden-foundation/warden/cidutil"
	"github.com/warden-foundation/warden/integrity"
	"github.com/warden-foundation/warden/ledger"
	"github.com/warden-foundation/warden/manifest"
)

// Rollback outcomes.
const (
	OutcomeRolledBack     = "ROLLED_BACK"
	OutcomeRollbackFailed = "ROLLBACK_FAILED"
)

// RollbackResult is the outcome of one rollback attempt.
type RollbackResult struct {
	VersionID string
	Outcome   string
	Reason    string
	Report    integrity.Report
}

// restorePackage is one verified, extracted archive staged for commit.
type restorePackage struct {
	ref       PackageRef
	workspace string
	manifest  *manifest.Manifest
}

// Rollback restores the governed state recorded by a checkpoint.
//
// Every referenced archive is fetched from the CAS and digest-verified
// before the first mutation; a single failed check aborts with the
// registry and governed tree untouched. After restore the integrity
// checker must report clean, or the rollback is recorded as failed.
func (mg *Manager) Rollback(submissionID, versionID string) (RollbackResult, error) {
	res := RollbackResult{VersionID: versionID, Outcome: OutcomeRollbackFailed}
	if err := mg.checkConfig(); err != nil {
		return res, err
	}
	ckpt, err := mg.Load(versionID)
	if err != nil {
		return res, err
	}
	log := mg.logger().With("version_id", versionID, "submission_id", submissionID)

	workspace := filepath.Join(mg.WorkspaceDir, "rollback-"+versionID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return res, wrapError(KindInternal, "WARDEN-CKP-020", "create rollback workspace", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workspace); rmErr != nil {
			log.Warn("rollback workspace cleanup failed", "error", rmErr)
		}
	}()

	// Phase 1: fetch, verify, and extract every archive. No governed
	// state is touched until all of them pass.
	staged := make([]restorePackage, 0, len(ckpt.Packages))
	for _, ref := range ckpt.Packages {
		c, err := cid.Decode(ref.ArchiveCID)
		if err != nil {
			return mg.failRollback(log, res, submissionID,
				fmt.Sprintf("package %q has malformed archive cid %q", ref.PackageID, ref.ArchiveCID))
		}
		raw, err := mg.CAS.Get(c)
		if err != nil {
			return mg.failRollback(log, res, submissionID,
				fmt.Sprintf("archive for package %q unavailable: %v", ref.PackageID, err))
		}
		if got := cidutil.Digest(raw); got != ref.ArtifactDigest {
			return mg.failRollback(log, res, submissionID,
				fmt.Sprintf("archive for package %q has digest %s, checkpoint records %s", ref.PackageID, got, ref.ArtifactDigest))
		}
		pkgDir := filepath.Join(workspace, ref.PackageID)
		m, err := manifest.Extract(bytes.NewReader(raw), pkgDir, mg.MaxArchiveBytes)
		if err != nil {
			return mg.failRollback(log, res, submissionID,
				fmt.Sprintf("archive for package %q does not extract: %v", ref.PackageID, err))
		}
		if m.ManifestHash != ref.ManifestHash {
			return mg.failRollback(log, res, submissionID,
				fmt.Sprintf("archive for package %q carries manifest hash %s, checkpoint records %s", ref.PackageID, m.ManifestHash, ref.ManifestHash))
		}
		staged = append(staged, restorePackage{ref: ref, workspace: pkgDir, manifest: m})
	}

	// Phase 2: restore. The registry snapshot first, then the tree.
	if err := copyTables(filepath.Join(mg.Dir, versionID, registryDir), mg.Registry.Dir()); err != nil {
		return res, err
	}
	if err := mg.restoreTree(staged); err != nil {
		return res, err
	}

	report, err := (&integrity.Checker{Root: mg.Root, Registry: mg.Registry}).Check()
	if err != nil {
		return res, err
	}
	res.Report = report
	if !report.Clean {
		return mg.failRollback(log, res, submissionID,
			fmt.Sprintf("post-rollback integrity check found %d violations", len(report.Findings)))
	}

	if _, err := mg.Ledger.Append(ledger.Entry{
		EventType:    ledger.EventRolledBack,
		SubmissionID: submissionID,
		Decision:     ledger.DecisionApproved,
		Metadata: map[string]any{
			"version_id":  versionID,
			"merkle_root": report.MerkleRoot,
			"packages":    len(ckpt.Packages),
		},
	}); err != nil {
		return res, err
	}
	res.Outcome = OutcomeRolledBack
	log.Info("rollback complete", "merkle_root", report.MerkleRoot, "packages", len(ckpt.Packages))
	return res, nil
}

// failRollback records the terminal rollback_failed entry and returns the
// failed result.
func (mg *Manager) failRollback(log *slog.Logger, res RollbackResult, submissionID, reason string) (RollbackResult, error) {
	res.Outcome = OutcomeRollbackFailed
	res.Reason = reason
	if _, err := mg.Ledger.Append(ledger.Entry{
		EventType:    ledger.EventRollbackFailed,
		SubmissionID: submissionID,
		Decision:     ledger.DecisionDenied,
		Reason:       reason,
		Metadata: map[string]any{
			"version_id": res.VersionID,
		},
	}); err != nil {
		return res, err
	}
	log.Warn("rollback failed", "reason", reason)
	return res, nil
}

// restoreTree makes the governed root match the restored registry: files
// the registry does not know are removed, every checkpointed asset is
// rewritten from its verified archive. Only regular files can be
// registered, so symlinks and other irregular entries are always pruned.
func (mg *Manager) restoreTree(staged []restorePackage) error {
	ownership, err := mg.Registry.LoadOwnership()
	if err != nil {
		return err
	}
	registered := make(map[string]bool, len(ownership))
	for _, rec := range ownership {
		registered[rec.FilePath] = true
	}

	err = filepath.WalkDir(mg.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(mg.Root, p)
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || !registered[filepath.ToSlash(rel)] {
			return os.Remove(p)
		}
		return nil
	})
	if err != nil {
		return wrapError(KindInternal, "WARDEN-CKP-021", "prune unregistered files", err)
	}

	for _, pkg := range staged {
		for _, a := range pkg.manifest.Assets {
			src := filepath.Join(pkg.workspace, filepath.FromSlash(a.Path))
			dst := filepath.Join(mg.Root, filepath.FromSlash(a.Path))
			raw, err := os.ReadFile(src)
			if err != nil {
				return wrapError(KindInternal, "WARDEN-CKP-022", fmt.Sprintf("read staged asset %q", a.Path), err)
			}
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return wrapError(KindInternal, "WARDEN-CKP-023", fmt.Sprintf("create directory for %q", a.Path), err)
			}
			tmp, err := os.CreateTemp(filepath.Dir(dst), ".warden-restore-*")
			if err != nil {
				return wrapError(KindInternal, "WARDEN-CKP-024", fmt.Sprintf("stage %q", a.Path), err)
			}
			tmpPath := tmp.Name()
			if _, err := tmp.Write(raw); err != nil {
				_ = tmp.Close()
				_ = os.Remove(tmpPath)
				return wrapError(KindInternal, "WARDEN-CKP-024", fmt.Sprintf("stage %q", a.Path), err)
			}
			if err := tmp.Close(); err != nil {
				_ = os.Remove(tmpPath)
				return wrapError(KindInternal, "WARDEN-CKP-024", fmt.Sprintf("close %q", a.Path), err)
			}
			if err := os.Chmod(tmpPath, 0o644); err != nil {
				_ = os.Remove(tmpPath)
				return wrapError(KindInternal, "WARDEN-CKP-024", fmt.Sprintf("chmod %q", a.Path), err)
			}
			if err := os.Rename(tmpPath, dst); err != nil {
				_ = os.Remove(tmpPath)
				return wrapError(KindInternal, "WARDEN-CKP-025", fmt.Sprintf("restore %q", a.Path), err)
			}
		}
	}
	return nil
}
