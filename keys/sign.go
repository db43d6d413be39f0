package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"
)

func digestFor(hashAlg string, message []byte) ([]byte, error) {
	switch hashAlg {
	case "sha256":
		s := sha256.Sum256(message)
		return s[:], nil
	case "sha512":
		s := sha512.Sum512(message)
		return s[:], nil
	case "sha3-256":
		s := sha3.Sum256(message)
		return s[:], nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %q", hashAlg)
	}
}

// SignEd25519SHA256 returns a base64 signature over sha256(message).
func SignEd25519SHA256(message []byte, privateKey ed25519.PrivateKey) string {
	digest := sha256.Sum256(message)
	sig := ed25519.Sign(privateKey, digest[:])
	return base64.StdEncoding.EncodeToString(sig)
}

// VerifyEd25519SHA256 verifies a base64 signature over sha256(message).
func VerifyEd25519SHA256(message []byte, pubB64, sigB64 string) error {
	pub, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest := sha256.Sum256(message)
	if !ed25519.Verify(ed25519.PublicKey(pub), digest[:], sig) {
		return fmt.Errorf("ed25519 signature verification failed")
	}
	return nil
}

// SignDilithium3 returns a base64 dilithium3 signature over hash(message).
// hashAlg must be one of: sha256, sha512, sha3-256.
func SignDilithium3(message []byte, hashAlg string, privateKey *mode3.PrivateKey) (string, error) {
	if privateKey == nil {
		return "", fmt.Errorf("missing private key")
	}
	digest, err := digestFor(hashAlg, message)
	if err != nil {
		return "", err
	}
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(privateKey, digest, sig)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyDilithium3 verifies a base64 dilithium3 signature over
// hash(message).
func VerifyDilithium3(message []byte, hashAlg, pubB64, sigB64 string) error {
	pubRaw, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	var pub mode3.PublicKey
	if err := pub.UnmarshalBinary(pubRaw); err != nil {
		return fmt.Errorf("invalid dilithium3 public key: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest, err := digestFor(hashAlg, message)
	if err != nil {
		return err
	}
	if !mode3.Verify(&pub, digest, sig) {
		return fmt.Errorf("dilithium3 signature verification failed")
	}
	return nil
}

// VerifyDetached verifies a detached signature against a trust-policy
// signing-key string ("<alg>:<base64>"). The declared algorithm must match
// the key's algorithm prefix.
func VerifyDetached(message []byte, alg, trustKey, sigB64 string) error {
	keyAlg, pubB64, ok := strings.Cut(trustKey, ":")
	if !ok {
		return fmt.Errorf("signing key %q missing algorithm prefix", trustKey)
	}
	if keyAlg != alg {
		return fmt.Errorf("signature algorithm %q does not match key algorithm %q", alg, keyAlg)
	}
	switch alg {
	case "ed25519":
		return VerifyEd25519SHA256(message, pubB64, sigB64)
	case "dilithium3":
		return VerifyDilithium3(message, "sha256", pubB64, sigB64)
	default:
		return fmt.Errorf("unsupported signature algorithm: %q", alg)
	}
}

// GenerateDilithium3Keypair returns a new Dilithium3 keypair.
func GenerateDilithium3Keypair(rand io.Reader) (*mode3.PublicKey, *mode3.PrivateKey, error) {
	return mode3.GenerateKey(rand)
}
