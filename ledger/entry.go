package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/warden-foundation/warden/canonjson"
)

// Tier is a trust/privilege level with its own ledger and registry.
//
// Naming is canonical: "root" for the kernel tier, "ho1"/"ho2" for the
// operational tiers. The legacy FIRST/SECOND scheme is rejected at parse.
type Tier string

const (
	TierRoot Tier = "root"
	TierHO1  Tier = "ho1"
	TierHO2  Tier = "ho2"
)

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierRoot, TierHO1, TierHO2:
		return Tier(s), nil
	case "FIRST", "SECOND", "first", "second":
		return "", newError(KindParse, "WARDEN-LED-002", fmt.Sprintf("legacy tier name %q; use root/ho1/ho2", s))
	default:
		return "", newError(KindParse, "WARDEN-LED-001", fmt.Sprintf("unknown tier %q", s))
	}
}

// Event types recorded by the control plane.
const (
	EventGenesis           = "genesis"
	EventInstallStarted    = "install_started"
	EventInstalled         = "installed"
	EventInstallFailed     = "install_failed"
	EventSignatureWaiver   = "signature_waiver"
	EventVersionCheckpoint = "version_checkpoint"
	EventRolledBack        = "rolled_back"
	EventRollbackFailed    = "rollback_failed"
	EventChainRepair       = "chain_repair"
)

// Decisions recorded on terminal entries.
const (
	DecisionApproved = "approved"
	DecisionDenied   = "denied"
	DecisionNoOp     = "no_op"
)

// Provenance carries caller-session identity inside entry metadata.
type Provenance struct {
	SessionID string `json:"session_id,omitempty"`
	WorkOrder string `json:"work_order,omitempty"`
}

// Entry is one immutable ledger record. Entries are never mutated or
// deleted; a ledger is a strictly growing sequence.
//
// EntryHash covers the canonical JSON serialization of the entry with the
// entry_hash field removed. PreviousHash of entry i equals EntryHash of
// entry i-1; the first entry is a genesis entry whose PreviousHash is empty
// (root tier) or the parent tier's last entry hash at creation time.
type Entry struct {
	EventType    string         `json:"event_type"`
	SubmissionID string         `json:"submission_id"`
	Decision     string         `json:"decision,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Timestamp    string         `json:"timestamp"`
	PreviousHash string         `json:"previous_hash"`
	EntryHash    string         `json:"entry_hash"`
}

// ComputeEntryHash returns the SHA-256 hex digest of the canonical entry
// serialization excluding entry_hash.
func ComputeEntryHash(e Entry) (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", wrapError(KindParse, "WARDEN-LED-010", "marshal entry", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", wrapError(KindParse, "WARDEN-LED-010", "reshape entry", err)
	}
	delete(m, "entry_hash")
	sum, err := canonjson.SHA256Hex(m)
	if err != nil {
		return "", wrapError(KindParse, "WARDEN-LED-011", "canonicalize entry", err)
	}
	return sum, nil
}

// Seal fills Timestamp (if unset), PreviousHash, and EntryHash.
func (e *Entry) seal(previousHash string, now time.Time) error {
	if e.Timestamp == "" {
		e.Timestamp = now.UTC().Format(time.RFC3339Nano)
	}
	e.PreviousHash = previousHash
	sum, err := ComputeEntryHash(*e)
	if err != nil {
		return err
	}
	e.EntryHash = sum
	return nil
}

// PackageID returns the package_id metadata value, if present.
func (e Entry) PackageID() string {
	return e.metaString("package_id")
}

// ArtifactDigest returns the artifact_digest metadata value, if present.
func (e Entry) ArtifactDigest() string {
	return e.metaString("artifact_digest")
}

// ManifestHash returns the manifest_hash metadata value, if present.
func (e Entry) ManifestHash() string {
	return e.metaString("manifest_hash")
}

func (e Entry) metaString(key string) string {
	if e.Metadata == nil {
		return ""
	}
	if s, ok := e.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// Terminal reports whether the entry records an install outcome.
func (e Entry) Terminal() bool {
	return e.EventType == EventInstalled || e.EventType == EventInstallFailed
}
