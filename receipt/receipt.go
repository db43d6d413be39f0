// Package receipt implements the canonical install receipt format.
//
// A receipt is a deterministic, section-based text document recording what
// an install committed: the package identity, every installed asset with
// its hash, and the gate verdicts that admitted it. Receipts are written
// to the receipts area, never under a governed root, and may carry a
// detached ed25519 signature computed over the document excluding the
// Signature line.
package receipt

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/warden-foundation/warden/manifest"
)

const (
	Preamble  = "-----BEGIN WARDEN RECEIPT-----"
	Postamble = "-----END WARDEN RECEIPT-----"
)

// GateLine records one gate verdict in the receipt.
type GateLine struct {
	Name   string
	Passed bool
}

// Receipt describes one committed installation.
type Receipt struct {
	SubmissionID   string
	InstalledAt    time.Time // informational only; zero means omit
	PackageID      string
	PackageType    string
	PackageVersion string
	SpecID         string
	ManifestHash   string
	ArtifactDigest string
	ArchiveCID     string
	Assets         []manifest.Asset
	Gates          []GateLine
	Warnings       []string
}

// RenderOptions controls optional receipt signing.
type RenderOptions struct {
	SignerKey  string
	PrivateKey ed25519.PrivateKey
}

// Render produces the canonical receipt document. Sections are always
// present and ordering is deterministic.
func Render(r *Receipt, opts RenderOptions) []byte {
	var sb strings.Builder
	sb.WriteString(Preamble)
	sb.WriteString("\n")

	sb.WriteString("META\n")
	metaLines := []string{
		"Spec: warden-receipt-1",
		"Submission-ID: " + r.SubmissionID,
		"Version: 1",
	}
	if !r.InstalledAt.IsZero() {
		metaLines = append(metaLines, "Installed-At: "+r.InstalledAt.UTC().Format(time.RFC3339))
	}
	sort.Strings(metaLines)
	for _, l := range metaLines {
		sb.WriteString(l)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	sb.WriteString("PACKAGE\n")
	pkgLines := []string{
		"Archive-CID: " + r.ArchiveCID,
		"Artifact-Digest: " + r.ArtifactDigest,
		"Manifest-Hash: " + r.ManifestHash,
		"Package-ID: " + r.PackageID,
		"Package-Type: " + r.PackageType,
		"Package-Version: " + r.PackageVersion,
		"Spec-ID: " + r.SpecID,
	}
	sort.Strings(pkgLines)
	for _, l := range pkgLines {
		sb.WriteString(l)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	sb.WriteString("ASSETS\n")
	assets := append([]manifest.Asset(nil), r.Assets...)
	sort.Slice(assets, func(i, j int) bool { return assets[i].Path < assets[j].Path })
	for _, a := range assets {
		sb.WriteString("Path: ")
		sb.WriteString(a.Path)
		sb.WriteString("\n")
		sb.WriteString("Hash: ")
		sb.WriteString(a.Hash)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	sb.WriteString("GATES\n")
	for _, g := range r.Gates {
		sb.WriteString("Gate: ")
		sb.WriteString(g.Name)
		sb.WriteString("\n")
		sb.WriteString("Passed: ")
		sb.WriteString(strconv.FormatBool(g.Passed))
		sb.WriteString("\n")
	}
	warnings := append([]string(nil), r.Warnings...)
	sort.Strings(warnings)
	for _, w := range warnings {
		sb.WriteString("Warning: ")
		sb.WriteString(w)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	sb.WriteString("CRYPTO\n")
	cryptoLines := []string{}
	if opts.SignerKey != "" {
		cryptoLines = append(cryptoLines,
			"Hash-Alg: sha256",
			"Signature-Alg: ed25519",
			"Signature: 0",
			"Signer-Key: "+opts.SignerKey,
		)
	}
	sort.Strings(cryptoLines)
	for _, l := range cryptoLines {
		sb.WriteString(l)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	sb.WriteString(Postamble)
	sb.WriteString("\n")
	out := []byte(sb.String())

	if len(opts.PrivateKey) > 0 && opts.SignerKey != "" {
		sig, err := sign(out, opts.PrivateKey)
		if err == nil {
			out = []byte(strings.Replace(string(out), "Signature: 0", "Signature: "+sig, 1))
		}
	}
	return out
}

// Filename returns the canonical receipt file name for a submission.
func Filename(packageID, version, submissionID string) string {
	return fmt.Sprintf("%s-%s-%s.receipt", packageID, version, submissionID)
}

// Parse reads a receipt document back into its structured form. The format
// is strict: no BOM, no CR line endings, no trailing whitespace.
func Parse(data []byte) (*Receipt, error) {
	s := string(data)
	if strings.HasPrefix(s, "\xEF\xBB\xBF") {
		return nil, errors.New("BOM not allowed")
	}
	if strings.Contains(s, "\r") {
		return nil, errors.New("CR line endings not allowed")
	}
	for _, line := range strings.Split(s, "\n") {
		if len(line) > 0 && (line[len(line)-1] == ' ' || line[len(line)-1] == '\t') {
			return nil, errors.New("trailing whitespace forbidden")
		}
	}
	if !strings.HasPrefix(s, Preamble) {
		return nil, errors.New("missing receipt preamble")
	}
	if !strings.HasSuffix(strings.TrimSpace(s), Postamble) {
		return nil, errors.New("missing receipt postamble")
	}

	sections := map[string]bool{"META": true, "PACKAGE": true, "ASSETS": true, "GATES": true, "CRYPTO": true}
	var curr string
	r := &Receipt{}
	var pendingPath string
	var pendingGate string
	haveGate := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if sections[line] {
			curr = line
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch curr {
		case "META":
			switch key {
			case "Submission-ID":
				r.SubmissionID = value
			case "Installed-At":
				ts, err := time.Parse(time.RFC3339, value)
				if err != nil {
					return nil, fmt.Errorf("invalid Installed-At: %w", err)
				}
				r.InstalledAt = ts
			}
		case "PACKAGE":
			switch key {
			case "Package-ID":
				r.PackageID = value
			case "Package-Type":
				r.PackageType = value
			case "Package-Version":
				r.PackageVersion = value
			case "Spec-ID":
				r.SpecID = value
			case "Manifest-Hash":
				r.ManifestHash = value
			case "Artifact-Digest":
				r.ArtifactDigest = value
			case "Archive-CID":
				r.ArchiveCID = value
			}
		case "ASSETS":
			switch key {
			case "Path":
				if pendingPath != "" {
					return nil, errors.New("Path without Hash")
				}
				pendingPath = value
			case "Hash":
				if pendingPath == "" {
					return nil, errors.New("Hash without Path")
				}
				r.Assets = append(r.Assets, manifest.Asset{Path: pendingPath, Hash: value})
				pendingPath = ""
			}
		case "GATES":
			switch key {
			case "Gate":
				if haveGate {
					return nil, errors.New("Gate without Passed")
				}
				pendingGate = value
				haveGate = true
			case "Passed":
				if !haveGate {
					return nil, errors.New("Passed without Gate")
				}
				passed, err := strconv.ParseBool(value)
				if err != nil {
					return nil, fmt.Errorf("invalid Passed value: %w", err)
				}
				r.Gates = append(r.Gates, GateLine{Name: pendingGate, Passed: passed})
				haveGate = false
			case "Warning":
				r.Warnings = append(r.Warnings, value)
			}
		}
	}
	if pendingPath != "" {
		return nil, errors.New("Path without Hash")
	}
	if haveGate {
		return nil, errors.New("Gate without Passed")
	}
	if r.SubmissionID == "" || r.PackageID == "" {
		return nil, errors.New("receipt missing Submission-ID or Package-ID")
	}
	return r, nil
}

// VerifySignature verifies the CRYPTO signature, if present.
//
// Returns (true, nil) if the document is signed and the signature
// verifies, (false, nil) if the document is unsigned, and (false, err) for
// malformed or invalid signatures.
func VerifySignature(data []byte) (bool, error) {
	s := string(data)
	signerKey, hasKey := singleField(s, "Signer-Key")
	sigB64, hasSig := singleField(s, "Signature")
	sigAlg, hasAlg := singleField(s, "Signature-Alg")
	hashAlg, hasHash := singleField(s, "Hash-Alg")
	if !hasKey && !hasSig && !hasAlg && !hasHash {
		return false, nil
	}
	if !(hasKey && hasSig && hasAlg && hasHash) {
		return false, errors.New("CRYPTO: incomplete signature fields")
	}
	if sigAlg != "ed25519" {
		return false, fmt.Errorf("CRYPTO: unsupported Signature-Alg %q", sigAlg)
	}
	if hashAlg != "sha256" {
		return false, fmt.Errorf("CRYPTO: unsupported Hash-Alg %q", hashAlg)
	}

	const prefix = "ed25519:"
	if !strings.HasPrefix(signerKey, prefix) {
		return false, fmt.Errorf("CRYPTO: unsupported Signer-Key %q", signerKey)
	}
	pub, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(signerKey, prefix))
	if err != nil {
		return false, fmt.Errorf("CRYPTO: invalid Signer-Key encoding: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, errors.New("CRYPTO: invalid Signer-Key length")
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("CRYPTO: invalid Signature encoding: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, errors.New("CRYPTO: invalid Signature length")
	}

	scope, err := signatureScope(data)
	if err != nil {
		return false, err
	}
	digest := sha256.Sum256(scope)
	if !ed25519.Verify(ed25519.PublicKey(pub), digest[:], sig) {
		return false, errors.New("CRYPTO: signature did not verify")
	}
	return true, nil
}

func sign(receiptBytes []byte, privateKey ed25519.PrivateKey) (string, error) {
	scope, err := signatureScope(receiptBytes)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(scope)
	sig := ed25519.Sign(privateKey, digest[:])
	return base64.StdEncoding.EncodeToString(sig), nil
}

// signatureScope is the document with the Signature line removed.
func signatureScope(receiptBytes []byte) ([]byte, error) {
	lines := strings.Split(string(receiptBytes), "\n")
	var out []string
	removed := false
	for _, l := range lines {
		if strings.HasPrefix(l, "Signature: ") {
			if removed {
				return nil, errors.New("multiple Signature lines")
			}
			removed = true
			continue
		}
		out = append(out, l)
	}
	if !removed {
		return nil, errors.New("missing Signature line")
	}
	return []byte(strings.Join(out, "\n")), nil
}

func singleField(s, key string) (string, bool) {
	var value string
	found := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, key+": "); ok {
			if found {
				return "", false
			}
			value = v
			found = true
		}
	}
	return value, found
}
