// Package manifest defines the package manifest format and its archive
// container.
//
// A manifest is strict JSON: unknown fields are rejected, the document must
// satisfy the embedded schema, asset paths must be canonical and sorted,
// and the declared manifest_hash must equal the recomputed hash of the
// canonical asset list. A manifest is created when a package is packed and
// is never mutated afterwards.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/warden-foundation/warden/canonjson"
	"github.com/warden-foundation/warden/cidutil"
)

// Asset is one governed file declared by a manifest. Hash is
// "sha256:<64 hex>" over the file content.
type Asset struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// Signature is an optional detached signature over SigningPayload.
// Key and Sig are base64 (std encoding, with padding).
type Signature struct {
	Alg string `json:"alg"`
	Key string `json:"key"`
	Sig string `json:"sig"`
}

// Manifest describes one installable package.
type Manifest struct {
	PackageID    string     `json:"package_id"`
	PackageType  string     `json:"package_type"`
	Version      string     `json:"version"`
	SpecID       string     `json:"spec_id"`
	Assets       []Asset    `json:"assets"`
	ManifestHash string     `json:"manifest_hash"`
	Signature    *Signature `json:"signature,omitempty"`
}

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["package_id", "package_type", "version", "spec_id", "assets", "manifest_hash"],
  "properties": {
    "package_id": {"type": "string", "minLength": 1},
    "package_type": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "spec_id": {"type": "string", "minLength": 1},
    "assets": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["path", "hash"],
        "properties": {
          "path": {"type": "string", "minLength": 1},
          "hash": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"}
        }
      }
    },
    "manifest_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "signature": {
      "type": "object",
      "additionalProperties": false,
      "required": ["alg", "key", "sig"],
      "properties": {
        "alg": {"type": "string", "enum": ["ed25519", "dilithium3"]},
        "key": {"type": "string", "minLength": 1},
        "sig": {"type": "string", "minLength": 1}
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inmemory://manifest", strings.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("inmemory://manifest")
}

// Parse decodes and fully validates a manifest document.
func Parse(raw []byte) (*Manifest, error) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, wrapError(KindParse, "WARDEN-MAN-001", "manifest is not valid JSON", err)
	}
	if err := compiledSchema.Validate(payload); err != nil {
		return nil, wrapError(KindSchema, "WARDEN-MAN-002", "manifest does not satisfy schema", err)
	}

	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, wrapError(KindParse, "WARDEN-MAN-003", "decode manifest", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the structural invariants the schema cannot express:
// canonical sorted unique asset paths and a matching manifest_hash.
func (m *Manifest) Validate() error {
	if len(m.Assets) == 0 {
		return newError(KindParse, "WARDEN-MAN-010", "manifest declares no assets")
	}
	seen := make(map[string]bool, len(m.Assets))
	for i, a := range m.Assets {
		if err := validAssetPath(a.Path); err != nil {
			return err
		}
		if !cidutil.ValidDigest(a.Hash) {
			return newError(KindParse, "WARDEN-MAN-012", fmt.Sprintf("asset %q has malformed hash %q", a.Path, a.Hash))
		}
		if seen[a.Path] {
			return newError(KindParse, "WARDEN-MAN-013", fmt.Sprintf("duplicate asset path %q", a.Path))
		}
		seen[a.Path] = true
		if i > 0 && m.Assets[i-1].Path > a.Path {
			return newError(KindParse, "WARDEN-MAN-014", "asset list is not sorted by path")
		}
	}
	sum, err := ComputeAssetsHash(m.Assets)
	if err != nil {
		return err
	}
	if sum != m.ManifestHash {
		return newError(KindHash, "WARDEN-MAN-015",
			fmt.Sprintf("manifest_hash %s does not match computed %s", m.ManifestHash, sum))
	}
	return nil
}

// ComputeAssetsHash returns the SHA-256 hex digest of the canonical
// key-sorted serialization of the asset list.
func ComputeAssetsHash(assets []Asset) (string, error) {
	sum, err := canonjson.SHA256Hex(assets)
	if err != nil {
		return "", wrapError(KindHash, "WARDEN-MAN-016", "canonicalize asset list", err)
	}
	return sum, nil
}

// SigningPayload returns the canonical serialization the detached
// signature covers: the manifest with the signature field removed.
func (m *Manifest) SigningPayload() ([]byte, error) {
	clone := *m
	clone.Signature = nil
	raw, err := canonjson.Marshal(clone)
	if err != nil {
		return nil, wrapError(KindHash, "WARDEN-MAN-017", "canonicalize signing payload", err)
	}
	return raw, nil
}

// Encode serializes the manifest in canonical form.
func (m *Manifest) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	raw, err := canonjson.Marshal(m)
	if err != nil {
		return nil, wrapError(KindParse, "WARDEN-MAN-018", "encode manifest", err)
	}
	return append(raw, '\n'), nil
}

// SortAssets orders assets lexicographically by path, the canonical form.
func SortAssets(assets []Asset) {
	sort.Slice(assets, func(i, j int) bool { return assets[i].Path < assets[j].Path })
}

// validAssetPath accepts clean, relative, forward-slash paths. Anything
// that could escape a governed root is rejected.
func validAssetPath(p string) error {
	if p == "" {
		return newError(KindParse, "WARDEN-MAN-011", "asset path is empty")
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return newError(KindParse, "WARDEN-MAN-011", fmt.Sprintf("asset path %q must be relative with forward slashes", p))
	}
	clean := path.Clean(p)
	if clean != p || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return newError(KindParse, "WARDEN-MAN-011", fmt.Sprintf("asset path %q is not in canonical form", p))
	}
	return nil
}
