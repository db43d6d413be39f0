package registry

import (
	"fmt"
	"path"
	"strings"

	"github.com/warden-foundation/warden/cidutil"
)

// OwnershipRecord maps one governed relative path to exactly one owner
// package. At most one live record exists per path.
type OwnershipRecord struct {
	FilePath       string
	OwnerPackageID string
	RecordedHash   string
}

func (r OwnershipRecord) validate() error {
	if err := validGovernedPath(r.FilePath); err != nil {
		return err
	}
	if r.OwnerPackageID == "" {
		return newError(KindParse, "WARDEN-REG-011", fmt.Sprintf("ownership record for %q has no owner", r.FilePath))
	}
	if !cidutil.ValidDigest(r.RecordedHash) {
		return newError(KindParse, "WARDEN-REG-012", fmt.Sprintf("ownership record for %q has malformed hash %q", r.FilePath, r.RecordedHash))
	}
	return nil
}

// PackageRecord is the installed state of one package.
type PackageRecord struct {
	PackageID      string
	PackageType    string
	Version        string
	SpecID         string
	ManifestHash   string
	ArtifactDigest string
	InstalledAt    string
}

func (r PackageRecord) validate() error {
	if r.PackageID == "" {
		return newError(KindParse, "WARDEN-REG-020", "package record missing package_id")
	}
	if r.SpecID == "" {
		return newError(KindParse, "WARDEN-REG-021", fmt.Sprintf("package %q missing spec_id", r.PackageID))
	}
	if r.ManifestHash == "" {
		return newError(KindParse, "WARDEN-REG-022", fmt.Sprintf("package %q missing manifest_hash", r.PackageID))
	}
	if !cidutil.ValidDigest(r.ArtifactDigest) {
		return newError(KindParse, "WARDEN-REG-023", fmt.Sprintf("package %q has malformed artifact digest %q", r.PackageID, r.ArtifactDigest))
	}
	return nil
}

// FrameworkRecord declares one registered framework.
type FrameworkRecord struct {
	FrameworkID string
	Name        string
}

func (r FrameworkRecord) validate() error {
	if r.FrameworkID == "" {
		return newError(KindParse, "WARDEN-REG-030", "framework record missing framework_id")
	}
	return nil
}

// SpecRecord binds a spec to its declaring framework.
type SpecRecord struct {
	SpecID      string
	FrameworkID string
	Name        string
}

func (r SpecRecord) validate() error {
	if r.SpecID == "" {
		return newError(KindParse, "WARDEN-REG-040", "spec record missing spec_id")
	}
	if r.FrameworkID == "" {
		return newError(KindParse, "WARDEN-REG-041", fmt.Sprintf("spec %q missing framework_id", r.SpecID))
	}
	return nil
}

// validGovernedPath accepts clean, relative, forward-slash paths only.
// Anything that could escape a governed root is rejected at load time.
func validGovernedPath(p string) error {
	if p == "" {
		return newError(KindParse, "WARDEN-REG-010", "governed path is empty")
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return newError(KindParse, "WARDEN-REG-013", fmt.Sprintf("governed path %q must be relative with forward slashes", p))
	}
	clean := path.Clean(p)
	if clean != p || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return newError(KindParse, "WARDEN-REG-014", fmt.Sprintf("governed path %q is not in canonical form", p))
	}
	return nil
}
