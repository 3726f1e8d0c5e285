package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/mr-tron/base58"

	"github.com/roach88/spacesync/internal/fault"
)

// Algorithm names a signature scheme.
type Algorithm string

const (
	Ed25519    Algorithm = "ed25519"
	Dilithium3 Algorithm = "dilithium3"
)

// SeedSize is the seed length accepted by FromSeed for every algorithm.
const SeedSize = 32

// Signer signs digests on behalf of one identity.
type Signer interface {
	// PublicKey returns the key string identifying this signer.
	PublicKey() string
	// Algorithm returns the signature scheme.
	Algorithm() Algorithm
	// Sign signs a digest produced by the ir hash functions.
	Sign(digest []byte) ([]byte, error)
	// Seed returns the private seed, for persistence.
	Seed() []byte
}

// FormatKey encodes a public key as a key string.
func FormatKey(alg Algorithm, pub []byte) string {
	return string(alg) + ":" + base58.Encode(pub)
}

// ParseKey splits a key string into algorithm and raw public key bytes.
func ParseKey(key string) (Algorithm, []byte, error) {
	alg, enc, ok := strings.Cut(key, ":")
	if !ok || enc == "" {
		return "", nil, fmt.Errorf("invalid key string %q", key)
	}
	pub, err := base58.Decode(enc)
	if err != nil {
		return "", nil, fmt.Errorf("invalid key encoding: %w", err)
	}
	switch Algorithm(alg) {
	case Ed25519:
		if len(pub) != ed25519.PublicKeySize {
			return "", nil, fmt.Errorf("invalid ed25519 public key length %d", len(pub))
		}
	case Dilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub); err != nil {
			return "", nil, fmt.Errorf("invalid dilithium3 public key: %w", err)
		}
	default:
		return "", nil, fmt.Errorf("unsupported key algorithm %q", alg)
	}
	return Algorithm(alg), pub, nil
}

// Verify checks sig over digest against a key string.
// Any failure, including an unparseable key, is SignatureInvalid.
func Verify(key string, digest, sig []byte) error {
	alg, pub, err := ParseKey(key)
	if err != nil {
		return fault.Wrap(fault.SignatureInvalid, err, "parse signer key")
	}
	switch alg {
	case Ed25519:
		if !ed25519.Verify(ed25519.PublicKey(pub), digest, sig) {
			return fault.New(fault.SignatureInvalid, "ed25519 signature does not verify").With("key", Short(key))
		}
	case Dilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub); err != nil {
			return fault.Wrap(fault.SignatureInvalid, err, "parse dilithium3 key")
		}
		if len(sig) != mode3.SignatureSize || !mode3.Verify(&pk, digest, sig) {
			return fault.New(fault.SignatureInvalid, "dilithium3 signature does not verify").With("key", Short(key))
		}
	}
	return nil
}

// Short returns an abbreviated key string for logs.
func Short(key string) string {
	alg, enc, ok := strings.Cut(key, ":")
	if !ok || len(enc) <= 8 {
		return key
	}
	return alg + ":" + enc[:8]
}

// Generate creates a new random signer.
func Generate(alg Algorithm, r io.Reader) (Signer, error) {
	if r == nil {
		r = rand.Reader
	}
	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return FromSeed(alg, seed)
}

// FromSeed recreates a signer from its persisted seed.
func FromSeed(alg Algorithm, seed []byte) (Signer, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	switch alg {
	case Ed25519:
		return NewEd25519(seed), nil
	case Dilithium3:
		return NewDilithium3(seed), nil
	default:
		return nil, fmt.Errorf("unsupported key algorithm %q", alg)
	}
}

// DeriveSeed deterministically derives a named seed from a root seed.
// Tests and scenarios use it to get stable identities.
func DeriveSeed(root []byte, label string) []byte {
	h := sha256.New()
	_, _ = h.Write(root)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte("spacesync-keys-v1"))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(label))
	return h.Sum(nil)[:SeedSize]
}

// Ed25519Signer is the default signer.
type Ed25519Signer struct {
	seed []byte
	priv ed25519.PrivateKey
	key  string
}

// NewEd25519 builds a signer from a 32-byte seed.
func NewEd25519(seed []byte) *Ed25519Signer {
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Ed25519Signer{
		seed: append([]byte(nil), seed...),
		priv: priv,
		key:  FormatKey(Ed25519, pub),
	}
}

func (s *Ed25519Signer) PublicKey() string    { return s.key }
func (s *Ed25519Signer) Algorithm() Algorithm { return Ed25519 }
func (s *Ed25519Signer) Seed() []byte         { return append([]byte(nil), s.seed...) }

func (s *Ed25519Signer) Sign(digest []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, digest), nil
}

// PrivateKey exposes the key for token signing.
func (s *Ed25519Signer) PrivateKey() ed25519.PrivateKey {
	return s.priv
}

// Dilithium3Signer is the post-quantum signer.
type Dilithium3Signer struct {
	seed []byte
	priv *mode3.PrivateKey
	key  string
}

// NewDilithium3 builds a signer from a 32-byte seed.
func NewDilithium3(seed []byte) *Dilithium3Signer {
	var s [mode3.SeedSize]byte
	copy(s[:], seed)
	pub, priv := mode3.NewKeyFromSeed(&s)
	return &Dilithium3Signer{
		seed: append([]byte(nil), seed...),
		priv: priv,
		key:  FormatKey(Dilithium3, pub.Bytes()),
	}
}

func (s *Dilithium3Signer) PublicKey() string    { return s.key }
func (s *Dilithium3Signer) Algorithm() Algorithm { return Dilithium3 }
func (s *Dilithium3Signer) Seed() []byte         { return append([]byte(nil), s.seed...) }

func (s *Dilithium3Signer) Sign(digest []byte) ([]byte, error) {
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(s.priv, digest, sig)
	return sig, nil
}
