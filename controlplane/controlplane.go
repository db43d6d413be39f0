// Package controlplane is the outward-facing facade of one warden tier.
//
// Every operation takes an authenticated principal and checks
// authorization first, before validation, before any gate, before any
// mutation. Mutating operations additionally require a usable ledger
// chain: a broken chain halts installs, checkpoints, and rollbacks until
// an audited repair entry is recorded.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/warden-foundation/warden/authz"
	"github.com/warden-foundation/warden/checkpoint"
	"github.com/warden-foundation/warden/config"
	"github.com/warden-foundation/warden/gate"
	"github.com/warden-foundation/warden/installer"
	"github.com/warden-foundation/warden/integrity"
	"github.com/warden-foundation/warden/ledger"
	"github.com/warden-foundation/warden/policy"
	"github.com/warden-foundation/warden/registry"
	"github.com/warden-foundation/warden/storage"
	"github.com/warden-foundation/warden/storage/localfs"
)

// ControlPlane wires one tier's durable state behind the collaborator
// contract. Construct with New; the zero value is not usable.
type ControlPlane struct {
	cfg  *config.Config
	tier ledger.Tier
	root string

	policy     *policy.Policy
	ledger     *ledger.Ledger
	registry   *registry.Store
	authorizer *authz.Authorizer
	installer  *installer.Installer
	checkpoint *checkpoint.Manager
	log        *slog.Logger

	newID func() string
}

// New builds the control plane for one tier from a validated config. It
// creates the configured directories and loads the trust policy; it does
// not create a ledger genesis entry (see InitTier).
func New(cfg *config.Config, tier ledger.Tier, log *slog.Logger) (*ControlPlane, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, wrapError(KindConfig, "WARDEN-CPL-001", "prepare directories", err)
	}
	pol, err := policy.Load(cfg.Paths.TrustPolicy)
	if err != nil {
		return nil, err
	}
	led, err := ledger.Open(cfg.Paths.Ledgers, tier)
	if err != nil {
		return nil, err
	}
	reg, err := registry.Open(filepath.Join(cfg.Paths.Registries, string(tier)))
	if err != nil {
		return nil, err
	}
	cas, err := buildArchiveStore(cfg)
	if err != nil {
		return nil, err
	}
	// One governed root per tier. Additional configured roots are reserved
	// for multi-tier deployments driven by separate control planes.
	root := cfg.Paths.GovernedRoots[0]

	pipeline := &gate.Pipeline{Policy: pol, HasWaiver: led.HasWaiver}
	log = log.With("tier", string(tier))

	cp := &ControlPlane{
		cfg:        cfg,
		tier:       tier,
		root:       root,
		policy:     pol,
		ledger:     led,
		registry:   reg,
		authorizer: &authz.Authorizer{Policy: pol},
		installer: &installer.Installer{
			Root:            root,
			WorkspaceDir:    cfg.Paths.Workspace,
			ReceiptsDir:     cfg.Paths.Receipts,
			MaxArchiveBytes: cfg.Install.MaxArchiveBytes,
			Registry:        reg,
			Ledger:          led,
			CAS:             cas,
			Pipeline:        pipeline,
			Log:             log,
		},
		checkpoint: &checkpoint.Manager{
			Dir:             cfg.Paths.Checkpoints,
			Root:            root,
			WorkspaceDir:    cfg.Paths.Workspace,
			MaxArchiveBytes: cfg.Install.MaxArchiveBytes,
			Registry:        reg,
			Ledger:          led,
			CAS:             cas,
			Log:             log,
		},
		log:   log,
		newID: uuid.NewString,
	}
	return cp, nil
}

// buildArchiveStore opens the archive CAS, mirrored when the config names
// secondary stores.
func buildArchiveStore(cfg *config.Config) (storage.CAS, error) {
	primary, err := localfs.New(cfg.Paths.Archives)
	if err != nil {
		return nil, err
	}
	if len(cfg.Paths.ArchiveMirrors) == 0 {
		return primary, nil
	}
	mirrored := storage.MirroredCAS{
		Backends: []storage.NamedCAS{{Name: "primary", CAS: primary}},
	}
	for i, dir := range cfg.Paths.ArchiveMirrors {
		mirror, err := localfs.New(dir)
		if err != nil {
			return nil, err
		}
		mirrored.Backends = append(mirrored.Backends, storage.NamedCAS{
			Name: fmt.Sprintf("mirror-%d", i+1),
			CAS:  mirror,
		})
	}
	return mirrored, nil
}

// Ledger exposes the tier ledger for read-side tooling.
func (cp *ControlPlane) Ledger() *ledger.Ledger { return cp.ledger }

// Registry exposes the tier registry for read-side tooling.
func (cp *ControlPlane) Registry() *registry.Store { return cp.registry }

// InitTier writes the tier's genesis entry. Bootstrap only: it runs before
// any trust policy grants exist, so it takes no principal.
func (cp *ControlPlane) InitTier(parentRef, parentHash string) (string, error) {
	return cp.ledger.WriteGenesis(cp.newID(), parentRef, parentHash)
}

// requireUsableChain verifies the ledger hash chain and rejects mutation
// when it is broken. Trust in entries after a break is compromised, so
// the tier is halted until a repair entry anchors a new verified head.
func (cp *ControlPlane) requireUsableChain() error {
	report, entries, err := cp.ledger.VerifyChain()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return newError(KindChainIntegrity, "WARDEN-CPL-002",
			fmt.Sprintf("tier %s has no ledger; run init first", cp.tier))
	}
	if !report.Usable(entries) {
		return newError(KindChainIntegrity, "WARDEN-CPL-003",
			fmt.Sprintf("tier %s ledger chain is broken (%d issues); installs are halted until repair", cp.tier, len(report.Issues)))
	}
	return nil
}

// Install submits one package archive.
func (cp *ControlPlane) Install(ctx context.Context, p authz.Principal, archivePath, declaredID string) (installer.Result, error) {
	if err := cp.authorizer.Authorize(p, authz.OpInstall); err != nil {
		return installer.Result{}, err
	}
	if err := cp.requireUsableChain(); err != nil {
		return installer.Result{}, err
	}
	return cp.installer.Install(ctx, archivePath, declaredID, cp.newID())
}

// VerifyIntegrity reconciles the governed tree against the registry.
func (cp *ControlPlane) VerifyIntegrity(ctx context.Context, p authz.Principal) (integrity.Report, error) {
	if err := cp.authorizer.Authorize(p, authz.OpVerify); err != nil {
		return integrity.Report{}, err
	}
	_ = ctx
	return (&integrity.Checker{Root: cp.root, Registry: cp.registry}).Check()
}

// VerifyLedger verifies the tier's hash chain without mutating anything.
func (cp *ControlPlane) VerifyLedger(ctx context.Context, p authz.Principal) (ledger.Report, error) {
	if err := cp.authorizer.Authorize(p, authz.OpVerify); err != nil {
		return ledger.Report{}, err
	}
	_ = ctx
	report, _, err := cp.ledger.VerifyChain()
	return report, err
}

// Checkpoint snapshots the current governed state.
func (cp *ControlPlane) Checkpoint(ctx context.Context, p authz.Principal, label string) (*checkpoint.Checkpoint, error) {
	if err := cp.authorizer.Authorize(p, authz.OpCheckpoint); err != nil {
		return nil, err
	}
	if err := cp.requireUsableChain(); err != nil {
		return nil, err
	}
	_ = ctx
	return cp.checkpoint.Create(cp.newID(), label)
}

// Rollback restores a checkpoint transactionally.
func (cp *ControlPlane) Rollback(ctx context.Context, p authz.Principal, versionID string) (checkpoint.RollbackResult, error) {
	if err := cp.authorizer.Authorize(p, authz.OpRollback); err != nil {
		return checkpoint.RollbackResult{}, err
	}
	if err := cp.requireUsableChain(); err != nil {
		return checkpoint.RollbackResult{}, err
	}
	_ = ctx
	return cp.checkpoint.Rollback(cp.newID(), versionID)
}

// RecordWaiver records a signature waiver bound to one artifact digest.
func (cp *ControlPlane) RecordWaiver(ctx context.Context, p authz.Principal, packageID, artifactDigest, reason string) (string, error) {
	if err := cp.authorizer.Authorize(p, authz.OpWaiver); err != nil {
		return "", err
	}
	if err := cp.requireUsableChain(); err != nil {
		return "", err
	}
	_ = ctx
	entryID, err := cp.ledger.RecordWaiver(cp.newID(), packageID, artifactDigest, reason)
	if err != nil {
		return "", err
	}
	cp.log.Info("signature waiver recorded",
		"principal", p.Name, "package_id", packageID, "artifact_digest", artifactDigest)
	return entryID, nil
}

// RepairLedger records an audited chain-repair entry anchoring a new
// verified head. History before it is left exactly as found.
func (cp *ControlPlane) RepairLedger(ctx context.Context, p authz.Principal, reason string) (string, error) {
	if err := cp.authorizer.Authorize(p, authz.OpRepair); err != nil {
		return "", err
	}
	_ = ctx
	entryID, err := cp.ledger.WriteRepair(cp.newID(), reason)
	if err != nil {
		return "", err
	}
	cp.log.Warn("ledger chain repair recorded", "principal", p.Name, "reason", reason)
	return entryID, nil
}

// ListCheckpoints names the stored checkpoint versions.
func (cp *ControlPlane) ListCheckpoints(ctx context.Context, p authz.Principal) ([]string, error) {
	if err := cp.authorizer.Authorize(p, authz.OpVerify); err != nil {
		return nil, err
	}
	_ = ctx
	return cp.checkpoint.List()
}
