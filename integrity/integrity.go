// Package integrity reconciles the ownership registry against the
// governed tree.
//
// The check is two passes. Pass 1 walks the registry: every registered
// path must exist on disk with exactly its recorded content hash. Pass 2
// walks the disk: every file under the governed root must have a registry
// record. Unaccounted-for files are violations, never accepted. The check
// never mutates anything.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/warden-foundation/warden/cidutil"
	"github.com/warden-foundation/warden/registry"
)

// Finding codes.
const (
	CodeHashMismatch  = "HASH_MISMATCH"
	CodeFileMissing   = "FILE_MISSING"
	CodeOrphan        = "ORPHAN"
	CodeIrregularFile = "IRREGULAR_FILE"
)

// Finding is one reconciliation violation.
type Finding struct {
	Code   string `json:"code"`
	Path   string `json:"path"`
	Detail string `json:"detail,omitempty"`
}

// Report is the outcome of one integrity check. MerkleRoot summarizes the
// registered state and is computed whether or not the check is clean.
type Report struct {
	Records    int       `json:"records"`
	Clean      bool      `json:"clean"`
	Findings   []Finding `json:"findings,omitempty"`
	MerkleRoot string    `json:"merkle_root"`
}

// Checker reconciles one governed root against its ownership registry.
type Checker struct {
	Root     string
	Registry *registry.Store
}

// Check runs both passes and computes the Merkle root.
func (c *Checker) Check() (Report, error) {
	if c.Root == "" || !filepath.IsAbs(c.Root) {
		return Report{}, newError(KindConfig, "WARDEN-INT-001", fmt.Sprintf("governed root must be absolute, got %q", c.Root))
	}
	ownership, err := c.Registry.LoadOwnership()
	if err != nil {
		return Report{}, err
	}

	report := Report{Records: len(ownership), Clean: true}
	flag := func(code, path, detail string) {
		report.Clean = false
		report.Findings = append(report.Findings, Finding{Code: code, Path: path, Detail: detail})
	}

	// Pass 1: registry against disk.
	registered := make(map[string]string, len(ownership))
	hashes := make([]string, 0, len(ownership))
	for _, rec := range ownership {
		registered[rec.FilePath] = rec.RecordedHash
		hashes = append(hashes, rec.RecordedHash)

		raw, err := os.ReadFile(filepath.Join(c.Root, filepath.FromSlash(rec.FilePath)))
		if os.IsNotExist(err) {
			flag(CodeFileMissing, rec.FilePath, fmt.Sprintf("registered to %q but absent from disk", rec.OwnerPackageID))
			continue
		}
		if err != nil {
			return Report{}, wrapError(KindIO, "WARDEN-INT-002", fmt.Sprintf("read governed file %q", rec.FilePath), err)
		}
		if got := cidutil.Digest(raw); got != rec.RecordedHash {
			flag(CodeHashMismatch, rec.FilePath, fmt.Sprintf("recorded %s, on disk %s", rec.RecordedHash, got))
		}
	}

	// Pass 2: disk against registry. Only regular files can be governed;
	// a symlink or device node under a governed root is a violation even
	// when its target content would hash correctly.
	err = filepath.WalkDir(c.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(c.Root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !d.Type().IsRegular() {
			flag(CodeIrregularFile, name, "not a regular file")
			return nil
		}
		if _, ok := registered[name]; !ok {
			flag(CodeOrphan, name, "present on disk with no registry record")
		}
		return nil
	})
	if err != nil {
		return Report{}, wrapError(KindIO, "WARDEN-INT-003", "walk governed root", err)
	}

	report.MerkleRoot = MerkleRoot(hashes)
	return report, nil
}

// MerkleRoot combines the sorted registered hashes pairwise into one
// summary digest. An odd tail is duplicated at each level. The input order
// does not matter; the input set does.
func MerkleRoot(hashes []string) string {
	sorted := append([]string(nil), hashes...)
	sort.Strings(sorted)

	level := make([][]byte, 0, len(sorted))
	for _, h := range sorted {
		sum := sha256.Sum256([]byte(h))
		level = append(level, sum[:])
	}
	if len(level) == 0 {
		sum := sha256.Sum256(nil)
		return "sha256:" + hex.EncodeToString(sum[:])
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			h := sha256.New()
			_, _ = h.Write(level[i])
			_, _ = h.Write(level[i+1])
			next = append(next, h.Sum(nil))
		}
		level = next
	}
	return "sha256:" + hex.EncodeToString(level[0])
}
