// Package gate implements the pre-install validation pipeline.
//
// Gates are pure checks over a candidate manifest and a registry snapshot.
// They run in fixed order and short-circuit on the first hard failure. No
// gate mutates anything; the installer owns all side effects.
package gate

import (
	"fmt"

	"github.com/warden-foundation/warden/keys"
	"github.com/warden-foundation/warden/manifest"
	"github.com/warden-foundation/warden/policy"
	"github.com/warden-foundation/warden/registry"
)

// Issue codes reported by the gates.
const (
	CodeOwnershipConflict  = "OWNERSHIP_CONFLICT"
	CodeSpecNotFound       = "SPEC_NOT_FOUND"
	CodeFrameworkNotFound  = "FRAMEWORK_NOT_FOUND"
	CodeSignatureMissing   = "SIGNATURE_MISSING"
	CodeSignatureInvalid   = "SIGNATURE_INVALID"
	CodeSignatureUntrusted = "SIGNATURE_UNTRUSTED"
	CodeSignatureWaived    = "SIGNATURE_WAIVED"
)

// Gate names, in pipeline order.
const (
	GateOwnership = "ownership"
	GateLineage   = "lineage"
	GateSignature = "signature"
)

// Issue is one finding from a gate.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Verdict is the outcome of a single gate.
type Verdict struct {
	Gate     string  `json:"gate"`
	Passed   bool    `json:"passed"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Result is the outcome of a pipeline run. Verdicts holds one entry per
// gate that ran; after a hard failure later gates do not run.
type Result struct {
	Passed   bool      `json:"passed"`
	Verdicts []Verdict `json:"verdicts"`
}

// FirstFailure returns the first failing verdict, if any.
func (r Result) FirstFailure() (Verdict, bool) {
	for _, v := range r.Verdicts {
		if !v.Passed {
			return v, true
		}
	}
	return Verdict{}, false
}

// Pipeline runs the gates against one trust policy. HasWaiver consults the
// tier ledger for a recorded signature waiver bound to an artifact digest.
type Pipeline struct {
	Policy    *policy.Policy
	HasWaiver func(artifactDigest string) (bool, error)
}

// Run executes the gates in order: ownership, lineage, signature.
// artifactDigest is the digest of the submitted archive bytes, used to
// match signature waivers.
func (p *Pipeline) Run(m *manifest.Manifest, snap *registry.Snapshot, artifactDigest string) (Result, error) {
	var res Result

	v := CheckOwnership(m, snap)
	res.Verdicts = append(res.Verdicts, v)
	if !v.Passed {
		return res, nil
	}

	v = CheckLineage(m, snap)
	res.Verdicts = append(res.Verdicts, v)
	if !v.Passed {
		return res, nil
	}

	v, err := p.checkSignature(m, artifactDigest)
	if err != nil {
		return Result{}, err
	}
	res.Verdicts = append(res.Verdicts, v)
	if !v.Passed {
		return res, nil
	}

	res.Passed = true
	return res, nil
}

// CheckOwnership verifies that every asset path is unowned or already
// owned by the candidate package. A path owned by a different package is a
// conflict, never resolved by overwrite.
func CheckOwnership(m *manifest.Manifest, snap *registry.Snapshot) Verdict {
	v := Verdict{Gate: GateOwnership, Passed: true}
	for _, a := range m.Assets {
		owner := snap.Owner(a.Path)
		if owner == "" || owner == m.PackageID {
			continue
		}
		v.Passed = false
		v.Errors = append(v.Errors, Issue{
			Code:    CodeOwnershipConflict,
			Message: fmt.Sprintf("path %q is owned by %q", a.Path, owner),
		})
	}
	return v
}

// CheckLineage verifies the candidate's spec resolves to a registered
// framework. Missing spec and missing framework are distinct findings.
func CheckLineage(m *manifest.Manifest, snap *registry.Snapshot) Verdict {
	v := Verdict{Gate: GateLineage, Passed: true}
	if !snap.SpecExists(m.SpecID) {
		v.Passed = false
		v.Errors = append(v.Errors, Issue{
			Code:    CodeSpecNotFound,
			Message: fmt.Sprintf("spec %q is not registered", m.SpecID),
		})
		return v
	}
	if fw, ok := snap.SpecFrameworkMatches(m.SpecID); !ok {
		v.Passed = false
		v.Errors = append(v.Errors, Issue{
			Code:    CodeFrameworkNotFound,
			Message: fmt.Sprintf("spec %q declares framework %q, which is not registered", m.SpecID, fw),
		})
	}
	return v
}

func (p *Pipeline) checkSignature(m *manifest.Manifest, artifactDigest string) (Verdict, error) {
	v := Verdict{Gate: GateSignature, Passed: true}

	if m.Signature == nil {
		eligible := p.Policy != nil && p.Policy.WaiverEligible(m.PackageType)
		waived := false
		if eligible && p.HasWaiver != nil {
			var err error
			waived, err = p.HasWaiver(artifactDigest)
			if err != nil {
				return Verdict{}, err
			}
		}
		if eligible && waived {
			v.Warnings = append(v.Warnings, Issue{
				Code:    CodeSignatureWaived,
				Message: fmt.Sprintf("signature waived for artifact %s", artifactDigest),
			})
			return v, nil
		}
		v.Passed = false
		v.Errors = append(v.Errors, Issue{
			Code:    CodeSignatureMissing,
			Message: "package declares no signature and no waiver applies",
		})
		return v, nil
	}

	trustKey := m.Signature.Alg + ":" + m.Signature.Key
	if p.Policy == nil {
		v.Passed = false
		v.Errors = append(v.Errors, Issue{Code: CodeSignatureUntrusted, Message: "no trust policy loaded"})
		return v, nil
	}
	if _, ok := p.Policy.TrustedRole(trustKey); !ok {
		v.Passed = false
		v.Errors = append(v.Errors, Issue{
			Code:    CodeSignatureUntrusted,
			Message: fmt.Sprintf("signing key %s is not in the trust policy", trustKey),
		})
		return v, nil
	}

	payload, err := m.SigningPayload()
	if err != nil {
		return Verdict{}, err
	}
	if err := keys.VerifyDetached(payload, m.Signature.Alg, trustKey, m.Signature.Sig); err != nil {
		// An invalid signature is never waivable.
		v.Passed = false
		v.Errors = append(v.Errors, Issue{
			Code:    CodeSignatureInvalid,
			Message: err.Error(),
		})
	}
	return v, nil
}

// IdempotencyDecision is the outcome of the idempotency check, computed
// independently of the gates.
type IdempotencyDecision int

const (
	// Proceed means the package has no terminal history for this hash.
	Proceed IdempotencyDecision = iota
	// NoOp means the exact same package content was already decided;
	// installation is skipped and reported as success without mutation.
	NoOp
	// Redefinition means the same package id arrived with different
	// content. This is treated as unsanctioned redefinition and fails.
	Redefinition
)

// PriorOutcome summarizes the most recent terminal ledger entry for a
// package id.
type PriorOutcome struct {
	Installed    bool
	ManifestHash string
}

// CheckIdempotency compares the candidate manifest hash against the most
// recent terminal ledger outcome for the same package id.
//
// An installed package with identical content is a NoOp; with different
// content it is a Redefinition and fails. A previously failed install
// never blocks resubmission.
func CheckIdempotency(prior *PriorOutcome, currentHash string) IdempotencyDecision {
	if prior == nil {
		return Proceed
	}
	if !prior.Installed {
		return Proceed
	}
	if prior.ManifestHash == currentHash {
		return NoOp
	}
	return Redefinition
}
