// Package checkpoint snapshots governed state and restores it
// transactionally.
//
// A checkpoint captures the registry tables verbatim, the integrity
// Merkle root, and the content-addressed digest of every installed
// package archive. Rollback restores that state all-or-nothing: every
// archive is fetched and digest-verified before the first mutation, and
// the rollback only reports success after a clean post-restore integrity
// pass.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/warden-foundation/warden/canonjson"
	"github.com/warden-foundation/warden/cidutil"
	"github.com/warden-foundation/warden/integrity"
	"github.com/warden-foundation/warden/ledger"
	"github.com/warden-foundation/warden/registry"
	"github.com/warden-foundation/warden/storage"
)

const (
	metadataFile = "checkpoint.json"
	registryDir  = "registry"
)

// PackageRef pins one installed package to its archive in the CAS.
type PackageRef struct {
	PackageID      string `json:"package_id"`
	PackageType    string `json:"package_type"`
	Version        string `json:"version"`
	SpecID         string `json:"spec_id"`
	ManifestHash   string `json:"manifest_hash"`
	ArtifactDigest string `json:"artifact_digest"`
	ArchiveCID     string `json:"archive_cid"`
}

// Checkpoint is the persisted snapshot metadata. The registry tables are
// copied verbatim alongside it. Checkpoints are never mutated after
// creation.
type Checkpoint struct {
	VersionID     string       `json:"version_id"`
	Label         string       `json:"label,omitempty"`
	CreatedAt     string       `json:"created_at"`
	MerkleRoot    string       `json:"merkle_root"`
	ManifestHash  string       `json:"manifest_hash"`
	Packages      []PackageRef `json:"packages"`
	LedgerEntryID string       `json:"ledger_entry_id"`
}

// Manager creates checkpoints and performs rollbacks for one tier.
type Manager struct {
	Dir             string
	Root            string
	WorkspaceDir    string
	MaxArchiveBytes int64

	Registry *registry.Store
	Ledger   *ledger.Ledger
	CAS      storage.CAS
	Log      *slog.Logger

	now   func() time.Time
	newID func() string
}

func (mg *Manager) logger() *slog.Logger {
	if mg.Log != nil {
		return mg.Log
	}
	return slog.Default()
}

func (mg *Manager) clock() time.Time {
	if mg.now != nil {
		return mg.now()
	}
	return time.Now()
}

func (mg *Manager) versionID() string {
	if mg.newID != nil {
		return mg.newID()
	}
	return uuid.NewString()
}

func (mg *Manager) checkConfig() error {
	if mg.Dir == "" || mg.Root == "" || mg.WorkspaceDir == "" {
		return newError(KindConfig, "WARDEN-CKP-001", "checkpoint paths are not configured")
	}
	return nil
}

// Create snapshots the current governed state. It requires a clean
// integrity pass; a dirty tree cannot be checkpointed.
func (mg *Manager) Create(submissionID, label string) (*Checkpoint, error) {
	if err := mg.checkConfig(); err != nil {
		return nil, err
	}
	report, err := (&integrity.Checker{Root: mg.Root, Registry: mg.Registry}).Check()
	if err != nil {
		return nil, err
	}
	if !report.Clean {
		return nil, newError(KindIntegrity, "WARDEN-CKP-002",
			fmt.Sprintf("governed tree is not clean: %d findings", len(report.Findings)))
	}

	packages, err := mg.Registry.LoadPackages()
	if err != nil {
		return nil, err
	}
	refs := make([]PackageRef, 0, len(packages))
	for _, p := range packages {
		c, err := cidutil.CIDFromDigest(p.ArtifactDigest)
		if err != nil {
			return nil, wrapError(KindInternal, "WARDEN-CKP-003",
				fmt.Sprintf("package %q has unusable artifact digest", p.PackageID), err)
		}
		refs = append(refs, PackageRef{
			PackageID:      p.PackageID,
			PackageType:    p.PackageType,
			Version:        p.Version,
			SpecID:         p.SpecID,
			ManifestHash:   p.ManifestHash,
			ArtifactDigest: p.ArtifactDigest,
			ArchiveCID:     c.String(),
		})
	}
	refsHash, err := canonjson.SHA256Hex(refs)
	if err != nil {
		return nil, wrapError(KindInternal, "WARDEN-CKP-004", "canonicalize package refs", err)
	}

	ckpt := &Checkpoint{
		VersionID:    mg.versionID(),
		Label:        label,
		CreatedAt:    mg.clock().UTC().Format(time.RFC3339),
		MerkleRoot:   report.MerkleRoot,
		ManifestHash: refsHash,
		Packages:     refs,
	}

	dir := filepath.Join(mg.Dir, ckpt.VersionID)
	if err := os.MkdirAll(filepath.Join(dir, registryDir), 0o755); err != nil {
		return nil, wrapError(KindInternal, "WARDEN-CKP-005", "create checkpoint directory", err)
	}
	if err := copyTables(mg.Registry.Dir(), filepath.Join(dir, registryDir)); err != nil {
		return nil, err
	}

	entryID, err := mg.Ledger.Append(ledger.Entry{
		EventType:    ledger.EventVersionCheckpoint,
		SubmissionID: submissionID,
		Decision:     ledger.DecisionApproved,
		Reason:       label,
		Metadata: map[string]any{
			"version_id":    ckpt.VersionID,
			"merkle_root":   ckpt.MerkleRoot,
			"manifest_hash": ckpt.ManifestHash,
			"packages":      len(ckpt.Packages),
		},
	})
	if err != nil {
		return nil, err
	}
	ckpt.LedgerEntryID = entryID

	raw, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return nil, wrapError(KindInternal, "WARDEN-CKP-006", "serialize checkpoint", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), append(raw, '\n'), 0o644); err != nil {
		return nil, wrapError(KindInternal, "WARDEN-CKP-007", "write checkpoint metadata", err)
	}
	mg.logger().Info("checkpoint created",
		"version_id", ckpt.VersionID, "merkle_root", ckpt.MerkleRoot, "packages", len(ckpt.Packages))
	return ckpt, nil
}

// Load reads a checkpoint's metadata by version id.
func (mg *Manager) Load(versionID string) (*Checkpoint, error) {
	if err := mg.checkConfig(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(mg.Dir, versionID, metadataFile))
	if os.IsNotExist(err) {
		return nil, newError(KindNotFound, "WARDEN-CKP-008", fmt.Sprintf("checkpoint %q not found", versionID))
	}
	if err != nil {
		return nil, wrapError(KindInternal, "WARDEN-CKP-009", "read checkpoint metadata", err)
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(raw, &ckpt); err != nil {
		return nil, wrapError(KindInternal, "WARDEN-CKP-010", "parse checkpoint metadata", err)
	}
	if ckpt.VersionID != versionID {
		return nil, newError(KindInternal, "WARDEN-CKP-011",
			fmt.Sprintf("checkpoint metadata declares version %q, directory is %q", ckpt.VersionID, versionID))
	}
	return &ckpt, nil
}

// List returns the version ids of all stored checkpoints, sorted.
func (mg *Manager) List() ([]string, error) {
	if err := mg.checkConfig(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(mg.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError(KindInternal, "WARDEN-CKP-012", "list checkpoints", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// copyTables copies the registry table files from src to dst. Tables
// absent in src are removed from dst, so a restore is exact.
func copyTables(src, dst string) error {
	for _, name := range registry.TableFiles() {
		raw, err := os.ReadFile(filepath.Join(src, name))
		if os.IsNotExist(err) {
			if rmErr := os.Remove(filepath.Join(dst, name)); rmErr != nil && !os.IsNotExist(rmErr) {
				return wrapError(KindInternal, "WARDEN-CKP-013", fmt.Sprintf("remove stale table %q", name), rmErr)
			}
			continue
		}
		if err != nil {
			return wrapError(KindInternal, "WARDEN-CKP-014", fmt.Sprintf("read table %q", name), err)
		}
		if err := os.WriteFile(filepath.Join(dst, name), raw, 0o644); err != nil {
			return wrapError(KindInternal, "WARDEN-CKP-015", fmt.Sprintf("write table %q", name), err)
		}
	}
	return nil
}
