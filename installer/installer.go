// Package installer performs transactional package installation.
//
// Every install is one transaction: extract into an ephemeral workspace,
// verify content against the manifest, record intent in the ledger, run
// the gate pipeline, and only then touch the destination tree. Validation
// happens entirely before any destination write; a failed gate leaves the
// governed tree and the registry exactly as they were. The workspace is
// discarded in all cases.
package installer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/warden-foundation/warden/cidutil"
	"github.com/warden-foundation/warden/gate"
	"github.com/warden-foundation/warden/ledger"
	"github.com/warden-foundation/warden/manifest"
	"github.com/warden-foundation/warden/receipt"
	"github.com/warden-foundation/warden/registry"
	"github.com/warden-foundation/warden/storage"
)

// Transaction states. A transaction is ephemeral: it exists only between
// the install_started entry and the terminal ledger entry.
const (
	StateStarted   = "STARTED"
	StateValidated = "VALIDATED"
	StateCommitted = "COMMITTED"
	StateFailed    = "FAILED"
)

// Outcome is the closed set of install results.
type Outcome string

const (
	OutcomeInstalled Outcome = "INSTALLED"
	OutcomeNoOp      Outcome = "NO_OP"
	OutcomeFailed    Outcome = "FAILED"
)

// Failure codes reported alongside OutcomeFailed, in addition to the gate
// issue codes.
const (
	FailTamperDetected     = "TAMPER_DETECTED"
	FailDeclaredIDMismatch = "DECLARED_ID_MISMATCH"
	FailRedefinition       = "PACKAGE_REDEFINITION"
)

// Result is the outcome of one install transaction.
type Result struct {
	Outcome        Outcome
	SubmissionID   string
	PackageID      string
	Version        string
	ManifestHash   string
	ArtifactDigest string
	ArchiveCID     string
	ReceiptPath    string
	FailureCode    string
	Reason         string
	Gates          gate.Result
}

// Registry is the slice of the registry store the installer reads and
// writes through. *registry.Store implements it.
type Registry interface {
	LoadSnapshot() (*registry.Snapshot, error)
	RegisterOwners(ownerPackageID string, hashes map[string]string) error
	LoadPackages() ([]registry.PackageRecord, error)
	SavePackages(records []registry.PackageRecord) error
}

// Installer wires one tier's durable state: destination root, registry,
// ledger, archive store, and the gate pipeline.
type Installer struct {
	Root            string
	WorkspaceDir    string
	ReceiptsDir     string
	MaxArchiveBytes int64

	Registry Registry
	Ledger   *ledger.Ledger
	CAS      storage.CAS
	Pipeline *gate.Pipeline
	Log      *slog.Logger

	now func() time.Time
}

func (in *Installer) logger() *slog.Logger {
	if in.Log != nil {
		return in.Log
	}
	return slog.Default()
}

func (in *Installer) clock() time.Time {
	if in.now != nil {
		return in.now()
	}
	return time.Now()
}

// Install runs one full install transaction for the archive at
// archivePath. declaredID is the package id the caller claims to be
// submitting; a mismatch with the manifest is a recorded failure.
//
// A Result with OutcomeFailed and a nil error is a policy decision,
// durably recorded in the ledger. A non-nil error means the transaction
// could not run (bad input or I/O failure before any mutation).
func (in *Installer) Install(ctx context.Context, archivePath, declaredID, submissionID string) (Result, error) {
	res := Result{Outcome: OutcomeFailed, SubmissionID: submissionID}
	log := in.logger().With("submission_id", submissionID, "declared_id", declaredID)

	if submissionID == "" {
		return res, newError(KindConfig, "WARDEN-INS-001", "submission id is required")
	}
	if in.Root == "" || in.WorkspaceDir == "" || in.ReceiptsDir == "" {
		return res, newError(KindConfig, "WARDEN-INS-002", "installer paths are not configured")
	}

	archiveBytes, err := os.ReadFile(archivePath)
	if err != nil {
		return res, wrapError(KindConfig, "WARDEN-INS-003", fmt.Sprintf("read archive %q", archivePath), err)
	}
	res.ArtifactDigest = cidutil.Digest(archiveBytes)

	// Extraction happens in a caller-invisible workspace; the destination
	// tree is untouched until every check has passed.
	workspace := filepath.Join(in.WorkspaceDir, submissionID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return res, wrapError(KindInternal, "WARDEN-INS-004", "create workspace", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workspace); rmErr != nil {
			log.Warn("workspace cleanup failed", "error", rmErr)
		}
	}()

	m, err := manifest.Extract(bytes.NewReader(archiveBytes), workspace, in.MaxArchiveBytes)
	if err != nil {
		return res, wrapError(KindConfig, "WARDEN-INS-005", "extract archive", err)
	}
	res.PackageID = m.PackageID
	res.Version = m.Version
	res.ManifestHash = m.ManifestHash
	log = log.With("package_id", m.PackageID, "manifest_hash", m.ManifestHash)

	// Crash-consistency boundary: intent is durable before anything else
	// happens. A process that dies past this point leaves a started entry
	// with no terminal entry, which is detectable evidence, never silence.
	if _, err := in.Ledger.Append(ledger.Entry{
		EventType:    ledger.EventInstallStarted,
		SubmissionID: submissionID,
		Metadata: map[string]any{
			"package_id":      m.PackageID,
			"manifest_hash":   m.ManifestHash,
			"artifact_digest": res.ArtifactDigest,
		},
	}); err != nil {
		return res, err
	}
	log.Info("install started", "state", StateStarted)

	if declaredID != "" && declaredID != m.PackageID {
		return in.fail(log, res, FailDeclaredIDMismatch,
			fmt.Sprintf("declared package id %q does not match manifest package id %q", declaredID, m.PackageID))
	}

	// Tamper detection: recompute every asset hash from the extracted
	// bytes, independent of any signature check.
	for _, a := range m.Assets {
		raw, err := os.ReadFile(filepath.Join(workspace, filepath.FromSlash(a.Path)))
		if err != nil {
			return res, wrapError(KindInternal, "WARDEN-INS-006", fmt.Sprintf("read extracted asset %q", a.Path), err)
		}
		if got := cidutil.Digest(raw); got != a.Hash {
			return in.fail(log, res, FailTamperDetected,
				fmt.Sprintf("asset %q content hash %s does not match declared %s", a.Path, got, a.Hash))
		}
	}

	// Idempotency, computed against the most recent terminal outcome.
	prior, err := in.Ledger.LastTerminal(m.PackageID)
	if err != nil {
		return res, err
	}
	var priorOutcome *gate.PriorOutcome
	if prior != nil {
		priorOutcome = &gate.PriorOutcome{
			Installed:    prior.EventType == ledger.EventInstalled && prior.Decision != ledger.DecisionDenied,
			ManifestHash: prior.ManifestHash(),
		}
	}
	switch gate.CheckIdempotency(priorOutcome, m.ManifestHash) {
	case gate.NoOp:
		res.Outcome = OutcomeNoOp
		res.Reason = "identical content already installed"
		if _, err := in.Ledger.Append(ledger.Entry{
			EventType:    ledger.EventInstalled,
			SubmissionID: submissionID,
			Decision:     ledger.DecisionNoOp,
			Reason:       res.Reason,
			Metadata: map[string]any{
				"package_id":      m.PackageID,
				"manifest_hash":   m.ManifestHash,
				"artifact_digest": res.ArtifactDigest,
			},
		}); err != nil {
			return res, err
		}
		log.Info("install skipped", "outcome", res.Outcome)
		return res, nil
	case gate.Redefinition:
		return in.fail(log, res, FailRedefinition,
			fmt.Sprintf("package %q is already installed with manifest hash %s", m.PackageID, priorOutcome.ManifestHash))
	}

	snap, err := in.Registry.LoadSnapshot()
	if err != nil {
		return res, err
	}
	gateRes, err := in.Pipeline.Run(m, snap, res.ArtifactDigest)
	if err != nil {
		return res, err
	}
	res.Gates = gateRes
	if !gateRes.Passed {
		v, _ := gateRes.FirstFailure()
		code := ""
		reason := "gate failed"
		if len(v.Errors) > 0 {
			code = v.Errors[0].Code
			reason = v.Errors[0].Message
		}
		return in.fail(log, res, code, reason)
	}
	log.Info("install validated", "state", StateValidated)

	if err := ctx.Err(); err != nil {
		return res, wrapError(KindInternal, "WARDEN-INS-007", "install cancelled before commit", err)
	}

	// Commit: archive into content-addressed storage, then the registry,
	// then workspace into the destination tree. Ownership is claimed
	// before the first destination write, so a conflicting claim that
	// only surfaces at commit time is a recorded failure with the
	// governed tree untouched.
	archiveCID, err := in.CAS.Put(archiveBytes)
	if err != nil {
		return res, wrapError(KindInternal, "WARDEN-INS-008", "store archive", err)
	}
	res.ArchiveCID = archiveCID.String()

	if err := in.updateRegistry(m, res.ArtifactDigest); err != nil {
		if registry.IsKind(err, registry.KindConflict) {
			return in.fail(log, res, gate.CodeOwnershipConflict, err.Error())
		}
		return res, err
	}
	if err := in.copyWorkspace(workspace, m); err != nil {
		return res, err
	}

	rcpt := &receipt.Receipt{
		SubmissionID:   submissionID,
		InstalledAt:    in.clock(),
		PackageID:      m.PackageID,
		PackageType:    m.PackageType,
		PackageVersion: m.Version,
		SpecID:         m.SpecID,
		ManifestHash:   m.ManifestHash,
		ArtifactDigest: res.ArtifactDigest,
		ArchiveCID:     res.ArchiveCID,
		Assets:         m.Assets,
	}
	for _, v := range gateRes.Verdicts {
		rcpt.Gates = append(rcpt.Gates, receipt.GateLine{Name: v.Gate, Passed: v.Passed})
		for _, w := range v.Warnings {
			rcpt.Warnings = append(rcpt.Warnings, w.Message)
		}
	}
	receiptPath, err := in.writeReceipt(rcpt)
	if err != nil {
		return res, err
	}
	res.ReceiptPath = receiptPath

	if _, err := in.Ledger.Append(ledger.Entry{
		EventType:    ledger.EventInstalled,
		SubmissionID: submissionID,
		Decision:     ledger.DecisionApproved,
		Metadata: map[string]any{
			"package_id":      m.PackageID,
			"manifest_hash":   m.ManifestHash,
			"artifact_digest": res.ArtifactDigest,
			"archive_cid":     res.ArchiveCID,
		},
	}); err != nil {
		return res, err
	}
	res.Outcome = OutcomeInstalled
	log.Info("install committed", "state", StateCommitted, "archive_cid", res.ArchiveCID)
	return res, nil
}

// fail records the terminal install_failed entry and returns the failed
// result. The destination tree has not been touched.
func (in *Installer) fail(log *slog.Logger, res Result, code, reason string) (Result, error) {
	res.Outcome = OutcomeFailed
	res.FailureCode = code
	res.Reason = reason
	if _, err := in.Ledger.Append(ledger.Entry{
		EventType:    ledger.EventInstallFailed,
		SubmissionID: res.SubmissionID,
		Decision:     ledger.DecisionDenied,
		Reason:       reason,
		Metadata: map[string]any{
			"package_id":      res.PackageID,
			"manifest_hash":   res.ManifestHash,
			"artifact_digest": res.ArtifactDigest,
			"failure_code":    code,
		},
	}); err != nil {
		return res, err
	}
	log.Warn("install failed", "state", StateFailed, "failure_code", code, "reason", reason)
	return res, nil
}

// copyWorkspace moves validated content into the destination tree. Each
// file lands via a same-directory temp file and rename.
func (in *Installer) copyWorkspace(workspace string, m *manifest.Manifest) error {
	for _, a := range m.Assets {
		src := filepath.Join(workspace, filepath.FromSlash(a.Path))
		dst := filepath.Join(in.Root, filepath.FromSlash(a.Path))
		raw, err := os.ReadFile(src)
		if err != nil {
			return wrapError(KindInternal, "WARDEN-INS-009", fmt.Sprintf("read workspace asset %q", a.Path), err)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return wrapError(KindInternal, "WARDEN-INS-010", fmt.Sprintf("create destination directory for %q", a.Path), err)
		}
		tmp, err := os.CreateTemp(filepath.Dir(dst), ".warden-commit-*")
		if err != nil {
			return wrapError(KindInternal, "WARDEN-INS-011", fmt.Sprintf("stage %q", a.Path), err)
		}
		tmpPath := tmp.Name()
		if _, err := tmp.Write(raw); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return wrapError(KindInternal, "WARDEN-INS-011", fmt.Sprintf("stage %q", a.Path), err)
		}
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return wrapError(KindInternal, "WARDEN-INS-011", fmt.Sprintf("sync %q", a.Path), err)
		}
		if err := tmp.Close(); err != nil {
			_ = os.Remove(tmpPath)
			return wrapError(KindInternal, "WARDEN-INS-011", fmt.Sprintf("close %q", a.Path), err)
		}
		if err := os.Chmod(tmpPath, 0o644); err != nil {
			_ = os.Remove(tmpPath)
			return wrapError(KindInternal, "WARDEN-INS-011", fmt.Sprintf("chmod %q", a.Path), err)
		}
		if err := os.Rename(tmpPath, dst); err != nil {
			_ = os.Remove(tmpPath)
			return wrapError(KindInternal, "WARDEN-INS-012", fmt.Sprintf("commit %q", a.Path), err)
		}
	}
	return nil
}

// updateRegistry records ownership for every asset in one atomic unit,
// then upserts the package record.
func (in *Installer) updateRegistry(m *manifest.Manifest, artifactDigest string) error {
	hashes := make(map[string]string, len(m.Assets))
	for _, a := range m.Assets {
		hashes[a.Path] = a.Hash
	}
	if err := in.Registry.RegisterOwners(m.PackageID, hashes); err != nil {
		return err
	}
	packages, err := in.Registry.LoadPackages()
	if err != nil {
		return err
	}
	rec := registry.PackageRecord{
		PackageID:      m.PackageID,
		PackageType:    m.PackageType,
		Version:        m.Version,
		SpecID:         m.SpecID,
		ManifestHash:   m.ManifestHash,
		ArtifactDigest: artifactDigest,
		InstalledAt:    in.clock().UTC().Format(time.RFC3339),
	}
	replaced := false
	for i, p := range packages {
		if p.PackageID == m.PackageID {
			packages[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		packages = append(packages, rec)
	}
	return in.Registry.SavePackages(packages)
}

func (in *Installer) writeReceipt(r *receipt.Receipt) (string, error) {
	if err := os.MkdirAll(in.ReceiptsDir, 0o755); err != nil {
		return "", wrapError(KindInternal, "WARDEN-INS-013", "create receipts directory", err)
	}
	path := filepath.Join(in.ReceiptsDir, receipt.Filename(r.PackageID, r.PackageVersion, r.SubmissionID))
	if err := os.WriteFile(path, receipt.Render(r, receipt.RenderOptions{}), 0o644); err != nil {
		return "", wrapError(KindInternal, "WARDEN-INS-013", "write receipt", err)
	}
	return path, nil
}
