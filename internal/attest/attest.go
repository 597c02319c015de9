// Package attest signs and verifies provider envelopes with BLS12-381.
//
// The provider signs Digest(env) for every response it emits; a party that
// knows the provider's public key rejects responses whose signature does not
// verify before they reach the pending table.
package attest

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"

	"ShareLink/internal/wire"
)

const (
	// PublicKeySize is the size of a compressed BLS public key in bytes.
	PublicKeySize = 48

	// SignatureSize is the size of a compressed BLS signature in bytes.
	SignatureSize = 96
)

// ErrBadSignature is returned when an envelope signature is missing or invalid.
var ErrBadSignature = errors.New("bad provider signature")

// dst is the domain separation tag for envelope signatures.
var dst = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// digestContext binds digests to this protocol.
const digestContext = "sharelink-envelope-v1"

// Digest returns BLAKE3(context || channel || 0 || op_id || 0 || payload).
// The payload is the uncompressed one, so compression does not affect signatures.
func Digest(env *wire.Envelope) [32]byte {
	h := blake3.New()
	h.Write([]byte(digestContext))
	h.Write([]byte(env.Channel))
	h.Write([]byte{0})
	h.Write([]byte(env.OpID))
	h.Write([]byte{0})
	h.Write(env.Payload)

	var sum [32]byte
	h.Sum(sum[:0])

	return sum
}

// Signer holds a BLS private/public key pair.
type Signer struct {
	secret *blst.SecretKey // secret is the private key
	public *blst.P1Affine  // public is the public key
}

// NewSigner creates a signer from a random seed.
func NewSigner() (*Signer, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return NewSignerFromSeed(ikm[:])
}

// NewSignerFromSeed creates a signer from a deterministic seed of at least 32 bytes.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &Signer{secret: secret, public: new(blst.P1Affine).From(secret)}, nil
}

// Sign sets env.Signature to a signature over Digest(env).
func (s *Signer) Sign(env *wire.Envelope) {
	digest := Digest(env)
	env.Signature = new(blst.P2Affine).Sign(s.secret, digest[:], dst).Compress()
}

// PublicKey returns the compressed public key.
func (s *Signer) PublicKey() []byte {
	return s.public.Compress()
}

// Verifier checks envelopes against one provider public key.
type Verifier struct {
	public *blst.P1Affine // public is the provider's key
}

// NewVerifier parses a compressed public key.
func NewVerifier(publicKey []byte) (*Verifier, error) {
	if len(publicKey) != PublicKeySize {
		return nil, fmt.Errorf("public key size: got %d, want %d", len(publicKey), PublicKeySize)
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil || !pk.KeyValidate() {
		return nil, fmt.Errorf("invalid BLS public key")
	}

	return &Verifier{public: pk}, nil
}

// NewVerifierHex parses a hex-encoded compressed public key.
func NewVerifierHex(s string) (*Verifier, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode provider key:\n%w", err)
	}

	return NewVerifier(raw)
}

// Verify checks env.Signature. It returns ErrBadSignature on failure.
func (v *Verifier) Verify(env *wire.Envelope) error {
	if len(env.Signature) != SignatureSize {
		return fmt.Errorf("signature size %d: %w", len(env.Signature), ErrBadSignature)
	}

	sig := new(blst.P2Affine).Uncompress(env.Signature)
	if sig == nil {
		return fmt.Errorf("undecodable signature: %w", ErrBadSignature)
	}

	digest := Digest(env)
	if !sig.Verify(true, v.public, false, digest[:], dst) {
		return ErrBadSignature
	}

	return nil
}
