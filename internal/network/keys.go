package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// certValidity is how long generated certificates are valid.
const certValidity = 365 * 24 * time.Hour

// ParsePublicKeyHex decodes a hex-encoded ed25519 public key.
func ParsePublicKeyHex(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key:\n%w", err)
	}

	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key size: got %d, want %d", len(raw), ed25519.PublicKeySize)
	}

	return ed25519.PublicKey(raw), nil
}

// PrivateKeyFromSeedHex derives an ed25519 key from a hex seed, or
// generates a fresh key when s is empty.
func PrivateKeyFromSeedHex(s string) (ed25519.PrivateKey, error) {
	if s == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate key:\n%w", err)
		}

		return priv, nil
	}

	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode seed:\n%w", err)
	}

	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed size: got %d, want %d", len(seed), ed25519.SeedSize)
	}

	return ed25519.NewKeyFromSeed(seed), nil
}

// generateCertificate creates a self-signed certificate carrying the node's
// ed25519 key. Peers identify each other by that key, not by the chain.
func generateCertificate(privateKey ed25519.PrivateKey) (tls.Certificate, error) {
	publicKey := privateKey.Public().(ed25519.PublicKey)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial number:\n%w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: "sharelink-" + hex.EncodeToString(publicKey[:8])},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, publicKey, privateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate:\n%w", err)
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: privateKey}, nil
}

// extractPublicKey extracts the ed25519 public key from a peer's TLS certificate.
func extractPublicKey(state tls.ConnectionState) (ed25519.PublicKey, error) {
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("no peer certificate")
	}

	pubKey, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("peer certificate does not contain ed25519 key")
	}

	return pubKey, nil
}
