// Package cidutil provides content identifiers for governed artifacts.
//
// Archives stored in the CAS are keyed by CIDv1 (raw + sha2-256). Manifest
// assets and checkpoint package digests use the textual "sha256:<64 hex>"
// digest form; both derive from the same SHA-256 preimage.
package cidutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// DigestPrefix is the scheme prefix for textual artifact digests.
const DigestPrefix = "sha256:"

// CIDv1RawSHA256 returns a CIDv1 string using the "raw" multicodec
// and a sha2-256 multihash.
func CIDv1RawSHA256(data []byte) string {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		// multihash.Sum only errors for invalid inputs; with SHA2_256 and -1 length,
		// this should be unreachable.
		return ""
	}
	return cid.NewCidV1(cid.Raw, sum).String()
}

// CIDv1RawSHA256CID returns a CIDv1 (raw + sha2-256) derived from data.
func CIDv1RawSHA256CID(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// CIDFromDigest converts a textual "sha256:<64 hex>" digest into the
// CIDv1 (raw + sha2-256) under which the same bytes are stored in the
// CAS. No archive bytes are needed; both forms share the SHA-256 preimage.
func CIDFromDigest(digest string) (cid.Cid, error) {
	hexSum, err := ParseDigest(digest)
	if err != nil {
		return cid.Undef, err
	}
	raw, err := hex.DecodeString(hexSum)
	if err != nil {
		return cid.Undef, err
	}
	sum, err := multihash.Encode(raw, multihash.SHA2_256)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// Digest returns the "sha256:<64 hex>" digest of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return DigestPrefix + hex.EncodeToString(sum[:])
}

// ParseDigest validates a textual digest and returns its hex portion.
func ParseDigest(s string) (string, error) {
	rest, ok := strings.CutPrefix(s, DigestPrefix)
	if !ok {
		return "", fmt.Errorf("cidutil: digest %q missing %q prefix", s, DigestPrefix)
	}
	if len(rest) != 64 {
		return "", fmt.Errorf("cidutil: digest hex length %d, want 64", len(rest))
	}
	if _, err := hex.DecodeString(rest); err != nil {
		return "", fmt.Errorf("cidutil: invalid digest hex: %w", err)
	}
	if strings.ToLower(rest) != rest {
		return "", fmt.Errorf("cidutil: digest hex must be lowercase")
	}
	return rest, nil
}

// ValidDigest reports whether s is a well-formed "sha256:<64 hex>" digest.
func ValidDigest(s string) bool {
	_, err := ParseDigest(s)
	return err == nil
}
