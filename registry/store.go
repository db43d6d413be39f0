// Package registry persists the governed state tables: file ownership,
// installed packages, and framework/spec lineage.
//
// Each table is one header-row CSV file. Loads validate every row and fail
// fast on the first malformed record. Saves always rewrite the whole file
// through a temp-file/fsync/rename sequence; partial-row patching is not
// supported, so a load+mutate+save is one logical unit.
package registry

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const (
	ownershipFile  = "ownership.csv"
	packagesFile   = "packages.csv"
	frameworksFile = "frameworks.csv"
	specsFile      = "specs.csv"
)

var (
	ownershipHeader  = []string{"file_path", "owner_package_id", "recorded_hash"}
	packagesHeader   = []string{"package_id", "package_type", "version", "spec_id", "manifest_hash", "artifact_digest", "installed_at"}
	frameworksHeader = []string{"framework_id", "name"}
	specsHeader      = []string{"spec_id", "framework_id", "name"}
)

// Store reads and writes the registry tables under one directory.
type Store struct {
	dir string
}

// Open prepares a store rooted at dir. Missing table files read as empty
// tables; they are created on first save.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, newError(KindParse, "WARDEN-REG-001", "registry directory is required")
	}
	if !filepath.IsAbs(dir) {
		return nil, newError(KindParse, "WARDEN-REG-002", fmt.Sprintf("registry directory must be absolute, got %q", dir))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapError(KindIO, "WARDEN-REG-003", "create registry directory", err)
	}
	return &Store{dir: filepath.Clean(dir)}, nil
}

// Dir returns the store's directory.
func (s *Store) Dir() string { return s.dir }

// TableFiles lists the table file names managed by a store. Snapshot and
// restore tooling copies these files verbatim.
func TableFiles() []string {
	return []string{ownershipFile, packagesFile, frameworksFile, specsFile}
}

// LoadOwnership reads the full ownership table. Duplicate paths are a load
// failure, not a last-row-wins merge.
func (s *Store) LoadOwnership() ([]OwnershipRecord, error) {
	rows, err := s.loadRows(ownershipFile, ownershipHeader)
	if err != nil {
		return nil, err
	}
	records := make([]OwnershipRecord, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		r := OwnershipRecord{FilePath: row[0], OwnerPackageID: row[1], RecordedHash: row[2]}
		if err := r.validate(); err != nil {
			return nil, err
		}
		if seen[r.FilePath] {
			return nil, newError(KindParse, "WARDEN-REG-015", fmt.Sprintf("duplicate ownership record for %q", r.FilePath))
		}
		seen[r.FilePath] = true
		records = append(records, r)
	}
	return records, nil
}

// SaveOwnership rewrites the ownership table, sorted by path.
func (s *Store) SaveOwnership(records []OwnershipRecord) error {
	sorted := append([]OwnershipRecord(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FilePath < sorted[j].FilePath })
	rows := make([][]string, 0, len(sorted))
	seen := make(map[string]bool, len(sorted))
	for _, r := range sorted {
		if err := r.validate(); err != nil {
			return err
		}
		if seen[r.FilePath] {
			return newError(KindConflict, "WARDEN-REG-016", fmt.Sprintf("two owners proposed for %q", r.FilePath))
		}
		seen[r.FilePath] = true
		rows = append(rows, []string{r.FilePath, r.OwnerPackageID, r.RecordedHash})
	}
	return s.saveRows(ownershipFile, ownershipHeader, rows)
}

// LoadPackages reads the installed-package table.
func (s *Store) LoadPackages() ([]PackageRecord, error) {
	rows, err := s.loadRows(packagesFile, packagesHeader)
	if err != nil {
		return nil, err
	}
	records := make([]PackageRecord, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		r := PackageRecord{
			PackageID:      row[0],
			PackageType:    row[1],
			Version:        row[2],
			SpecID:         row[3],
			ManifestHash:   row[4],
			ArtifactDigest: row[5],
			InstalledAt:    row[6],
		}
		if err := r.validate(); err != nil {
			return nil, err
		}
		if seen[r.PackageID] {
			return nil, newError(KindParse, "WARDEN-REG-024", fmt.Sprintf("duplicate package record %q", r.PackageID))
		}
		seen[r.PackageID] = true
		records = append(records, r)
	}
	return records, nil
}

// SavePackages rewrites the installed-package table, sorted by id.
func (s *Store) SavePackages(records []PackageRecord) error {
	sorted := append([]PackageRecord(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PackageID < sorted[j].PackageID })
	rows := make([][]string, 0, len(sorted))
	for _, r := range sorted {
		if err := r.validate(); err != nil {
			return err
		}
		rows = append(rows, []string{r.PackageID, r.PackageType, r.Version, r.SpecID, r.ManifestHash, r.ArtifactDigest, r.InstalledAt})
	}
	return s.saveRows(packagesFile, packagesHeader, rows)
}

// LoadFrameworks reads the framework table.
func (s *Store) LoadFrameworks() ([]FrameworkRecord, error) {
	rows, err := s.loadRows(frameworksFile, frameworksHeader)
	if err != nil {
		return nil, err
	}
	records := make([]FrameworkRecord, 0, len(rows))
	for _, row := range rows {
		r := FrameworkRecord{FrameworkID: row[0], Name: row[1]}
		if err := r.validate(); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

// SaveFrameworks rewrites the framework table, sorted by id.
func (s *Store) SaveFrameworks(records []FrameworkRecord) error {
	sorted := append([]FrameworkRecord(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FrameworkID < sorted[j].FrameworkID })
	rows := make([][]string, 0, len(sorted))
	for _, r := range sorted {
		if err := r.validate(); err != nil {
			return err
		}
		rows = append(rows, []string{r.FrameworkID, r.Name})
	}
	return s.saveRows(frameworksFile, frameworksHeader, rows)
}

// LoadSpecs reads the spec table.
func (s *Store) LoadSpecs() ([]SpecRecord, error) {
	rows, err := s.loadRows(specsFile, specsHeader)
	if err != nil {
		return nil, err
	}
	records := make([]SpecRecord, 0, len(rows))
	for _, row := range rows {
		r := SpecRecord{SpecID: row[0], FrameworkID: row[1], Name: row[2]}
		if err := r.validate(); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

// SaveSpecs rewrites the spec table, sorted by id.
func (s *Store) SaveSpecs(records []SpecRecord) error {
	sorted := append([]SpecRecord(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SpecID < sorted[j].SpecID })
	rows := make([][]string, 0, len(sorted))
	for _, r := range sorted {
		if err := r.validate(); err != nil {
			return err
		}
		rows = append(rows, []string{r.SpecID, r.FrameworkID, r.Name})
	}
	return s.saveRows(specsFile, specsHeader, rows)
}

// FindOwner returns the owning package id for a governed path, or "" when
// the path has no owner.
func (s *Store) FindOwner(path string) (string, error) {
	records, err := s.LoadOwnership()
	if err != nil {
		return "", err
	}
	for _, r := range records {
		if r.FilePath == path {
			return r.OwnerPackageID, nil
		}
	}
	return "", nil
}

// RegisterOwner records ownership of a governed path. Re-registering the
// same owner updates the recorded hash; a different owner is a conflict and
// leaves the table unchanged.
func (s *Store) RegisterOwner(path, ownerPackageID, recordedHash string) error {
	records, err := s.LoadOwnership()
	if err != nil {
		return err
	}
	for i, r := range records {
		if r.FilePath != path {
			continue
		}
		if r.OwnerPackageID != ownerPackageID {
			return newError(KindConflict, "WARDEN-REG-017",
				fmt.Sprintf("path %q is owned by %q, not %q", path, r.OwnerPackageID, ownerPackageID))
		}
		records[i].RecordedHash = recordedHash
		return s.SaveOwnership(records)
	}
	records = append(records, OwnershipRecord{FilePath: path, OwnerPackageID: ownerPackageID, RecordedHash: recordedHash})
	return s.SaveOwnership(records)
}

// RegisterOwners records ownership of a set of governed paths as one
// load+save unit. hashes maps each path to its recorded content hash. A
// conflict on any path leaves the table entirely unchanged.
func (s *Store) RegisterOwners(ownerPackageID string, hashes map[string]string) error {
	records, err := s.LoadOwnership()
	if err != nil {
		return err
	}
	index := make(map[string]int, len(records))
	for i, r := range records {
		index[r.FilePath] = i
	}
	paths := make([]string, 0, len(hashes))
	for p := range hashes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		i, ok := index[p]
		if !ok {
			records = append(records, OwnershipRecord{FilePath: p, OwnerPackageID: ownerPackageID, RecordedHash: hashes[p]})
			continue
		}
		if records[i].OwnerPackageID != ownerPackageID {
			return newError(KindConflict, "WARDEN-REG-018",
				fmt.Sprintf("path %q is owned by %q, not %q", p, records[i].OwnerPackageID, ownerPackageID))
		}
		records[i].RecordedHash = hashes[p]
	}
	return s.SaveOwnership(records)
}

// Snapshot is a point-in-time read of every table, used by the gate
// pipeline. Projections over it are read-only.
type Snapshot struct {
	Ownership  []OwnershipRecord
	Packages   []PackageRecord
	Frameworks []FrameworkRecord
	Specs      []SpecRecord

	owners     map[string]string
	frameworks map[string]bool
	specs      map[string]SpecRecord
	packages   map[string]PackageRecord
}

// LoadSnapshot reads all four tables as one unit.
func (s *Store) LoadSnapshot() (*Snapshot, error) {
	ownership, err := s.LoadOwnership()
	if err != nil {
		return nil, err
	}
	packages, err := s.LoadPackages()
	if err != nil {
		return nil, err
	}
	frameworks, err := s.LoadFrameworks()
	if err != nil {
		return nil, err
	}
	specs, err := s.LoadSpecs()
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Ownership:  ownership,
		Packages:   packages,
		Frameworks: frameworks,
		Specs:      specs,
		owners:     make(map[string]string, len(ownership)),
		frameworks: make(map[string]bool, len(frameworks)),
		specs:      make(map[string]SpecRecord, len(specs)),
		packages:   make(map[string]PackageRecord, len(packages)),
	}
	for _, r := range ownership {
		snap.owners[r.FilePath] = r.OwnerPackageID
	}
	for _, r := range frameworks {
		snap.frameworks[r.FrameworkID] = true
	}
	for _, r := range specs {
		snap.specs[r.SpecID] = r
	}
	for _, r := range packages {
		snap.packages[r.PackageID] = r
	}
	return snap, nil
}

// Owner returns the owner of a path, or "" when unowned.
func (sn *Snapshot) Owner(path string) string { return sn.owners[path] }

// FrameworkExists reports whether a framework is registered.
func (sn *Snapshot) FrameworkExists(frameworkID string) bool { return sn.frameworks[frameworkID] }

// SpecExists reports whether a spec is registered.
func (sn *Snapshot) SpecExists(specID string) bool {
	_, ok := sn.specs[specID]
	return ok
}

// SpecFrameworkMatches reports whether a spec resolves to a registered
// framework, returning that framework's id.
func (sn *Snapshot) SpecFrameworkMatches(specID string) (string, bool) {
	spec, ok := sn.specs[specID]
	if !ok {
		return "", false
	}
	if !sn.frameworks[spec.FrameworkID] {
		return spec.FrameworkID, false
	}
	return spec.FrameworkID, true
}

// Package returns the installed record for a package id.
func (sn *Snapshot) Package(packageID string) (PackageRecord, bool) {
	r, ok := sn.packages[packageID]
	return r, ok
}

func (s *Store) loadRows(name string, header []string) ([][]string, error) {
	path := filepath.Join(s.dir, name)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wrapError(KindIO, "WARDEN-REG-004", fmt.Sprintf("open %s", name), err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(header)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, wrapError(KindParse, "WARDEN-REG-005", fmt.Sprintf("parse %s", name), err)
	}
	if len(rows) == 0 {
		return nil, newError(KindParse, "WARDEN-REG-006", fmt.Sprintf("%s exists but has no header row", name))
	}
	for i, col := range header {
		if rows[0][i] != col {
			return nil, newError(KindParse, "WARDEN-REG-007",
				fmt.Sprintf("%s header column %d is %q, want %q", name, i, rows[0][i], col))
		}
	}
	return rows[1:], nil
}

// saveRows rewrites one table atomically: temp file in the same directory,
// fsync, rename over the target.
func (s *Store) saveRows(name string, header []string, rows [][]string) error {
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return wrapError(KindIO, "WARDEN-REG-008", fmt.Sprintf("create temp for %s", name), err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		cleanup()
		return wrapError(KindIO, "WARDEN-REG-009", fmt.Sprintf("write %s header", name), err)
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			cleanup()
			return wrapError(KindIO, "WARDEN-REG-009", fmt.Sprintf("write %s row", name), err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		cleanup()
		return wrapError(KindIO, "WARDEN-REG-009", fmt.Sprintf("flush %s", name), err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return wrapError(KindIO, "WARDEN-REG-009", fmt.Sprintf("sync %s", name), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return wrapError(KindIO, "WARDEN-REG-009", fmt.Sprintf("close %s", name), err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, name)); err != nil {
		_ = os.Remove(tmpPath)
		return wrapError(KindIO, "WARDEN-REG-009", fmt.Sprintf("rename %s into place", name), err)
	}
	return nil
}
