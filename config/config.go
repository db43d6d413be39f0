// Package config provides configuration loading for warden components.
//
// Configuration is loaded from a single YAML file passed explicitly by the
// caller (or named by the WARDEN_CONFIG environment variable in the CLI).
// There are no fallbacks and no automatic discovery: every component
// receives a *Config through its constructor, and nothing reads the
// filesystem at import time.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for a warden deployment.
type Config struct {
	// Paths configures every directory warden touches.
	Paths PathsConfig `yaml:"paths"`

	// Install configures the atomic installer.
	Install InstallConfig `yaml:"install"`
}

// PathsConfig names the directories of one deployment. All mutation happens
// inside these; the ledger append boundary and the governed roots are
// derived from here.
type PathsConfig struct {
	// Root is the base directory for warden state.
	Root string `yaml:"root"`

	// Ledgers holds one append-only JSONL ledger file per tier. This is the
	// approved append boundary: ledger writes outside it are rejected.
	Ledgers string `yaml:"ledgers"`

	// Registries holds the CSV registry files.
	Registries string `yaml:"registries"`

	// GovernedRoots are the trees whose every file must be accounted for in
	// the ownership registry.
	GovernedRoots []string `yaml:"governed_roots"`

	// Receipts is the non-pristine area where install receipts are written.
	// Never inside a governed root.
	Receipts string `yaml:"receipts"`

	// Workspace is where archives are extracted before validation.
	Workspace string `yaml:"workspace"`

	// Archives is the content-addressed store retaining installed package
	// archives for rollback.
	Archives string `yaml:"archives"`

	// ArchiveMirrors are optional secondary archive stores kept
	// byte-identical with Archives. Rollback reads fall back to a mirror
	// when the primary store is lost.
	ArchiveMirrors []string `yaml:"archive_mirrors"`

	// Checkpoints holds checkpoint metadata and registry snapshots.
	Checkpoints string `yaml:"checkpoints"`

	// TrustPolicy is the trust policy document (trusted keys, waiver rules).
	TrustPolicy string `yaml:"trust_policy"`
}

// InstallConfig tunes installer behavior.
type InstallConfig struct {
	// MaxArchiveBytes bounds a single package archive after decompression.
	MaxArchiveBytes int64 `yaml:"max_archive_bytes"`
}

// DefaultMaxArchiveBytes bounds decompressed archives when the config file
// does not say otherwise.
const DefaultMaxArchiveBytes = int64(256 << 20)

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config: path is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config rooted at root with the conventional layout.
// Used by tests and by `warden init`.
func Default(root string) *Config {
	cfg := &Config{
		Paths: PathsConfig{
			Root:          root,
			Ledgers:       filepath.Join(root, "ledgers"),
			Registries:    filepath.Join(root, "registries"),
			GovernedRoots: []string{filepath.Join(root, "governed")},
			Receipts:      filepath.Join(root, "receipts"),
			Workspace:     filepath.Join(root, "workspace"),
			Archives:      filepath.Join(root, "archives"),
			Checkpoints:   filepath.Join(root, "checkpoints"),
			TrustPolicy:   filepath.Join(root, "trust-policy.txt"),
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Install.MaxArchiveBytes == 0 {
		c.Install.MaxArchiveBytes = DefaultMaxArchiveBytes
	}
	p := &c.Paths
	if p.Root != "" {
		def := func(field *string, name string) {
			if *field == "" {
				*field = filepath.Join(p.Root, name)
			}
		}
		def(&p.Ledgers, "ledgers")
		def(&p.Registries, "registries")
		def(&p.Receipts, "receipts")
		def(&p.Workspace, "workspace")
		def(&p.Archives, "archives")
		def(&p.Checkpoints, "checkpoints")
	}
}

// Validate checks structural invariants. It does not touch the filesystem.
func (c *Config) Validate() error {
	p := c.Paths
	named := map[string]string{
		"paths.root":       p.Root,
		"paths.ledgers":    p.Ledgers,
		"paths.registries": p.Registries,
		"paths.receipts":   p.Receipts,
		"paths.workspace":  p.Workspace,
		"paths.archives":   p.Archives,
		"paths.checkpoints": p.Checkpoints,
	}
	for name, v := range named {
		if v == "" {
			return fmt.Errorf("config: %s is required", name)
		}
		if !filepath.IsAbs(v) {
			return fmt.Errorf("config: %s must be absolute, got %q", name, v)
		}
	}
	if len(p.GovernedRoots) == 0 {
		return errors.New("config: paths.governed_roots must name at least one tree")
	}
	for _, root := range p.GovernedRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("config: governed root must be absolute, got %q", root)
		}
		// Receipts intermixed with governed content would violate the
		// pristine-tree contract.
		if within(p.Receipts, root) {
			return fmt.Errorf("config: receipts dir %q is inside governed root %q", p.Receipts, root)
		}
		if within(p.Workspace, root) {
			return fmt.Errorf("config: workspace dir %q is inside governed root %q", p.Workspace, root)
		}
	}
	for _, m := range p.ArchiveMirrors {
		if !filepath.IsAbs(m) {
			return fmt.Errorf("config: archive mirror must be absolute, got %q", m)
		}
	}
	if c.Install.MaxArchiveBytes <= 0 {
		return errors.New("config: install.max_archive_bytes must be positive")
	}
	return nil
}

// EnsureDirs creates every configured directory. Called once at startup by
// the control plane, never implicitly.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.Paths.Root,
		c.Paths.Ledgers,
		c.Paths.Registries,
		c.Paths.Receipts,
		c.Paths.Workspace,
		c.Paths.Archives,
		c.Paths.Checkpoints,
	}
	dirs = append(dirs, c.Paths.GovernedRoots...)
	dirs = append(dirs, c.Paths.ArchiveMirrors...)
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", d, err)
		}
	}
	return nil
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
