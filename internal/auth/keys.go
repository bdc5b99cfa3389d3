package auth

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

// PEM block types accepted as device key material.
const (
	pemCSR         = "CERTIFICATE REQUEST"
	pemPublicKey   = "PUBLIC KEY"
	pemCertificate = "CERTIFICATE"
)

// ParseKeyMaterial extracts the public key from a PEM certificate signing
// request (whose self-signature must verify), a PKIX public key or a
// certificate.
func ParseKeyMaterial(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKey)
	}

	switch block.Type {
	case pemCSR:
		csr, err := x509.ParseCertificateRequest(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing CSR: %w", ErrInvalidKey, err)
		}
		if err := csr.CheckSignature(); err != nil {
			return nil, fmt.Errorf("%w: CSR signature: %w", ErrInvalidKey, err)
		}
		return csr.PublicKey, nil
	case pemPublicKey:
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing public key: %w", ErrInvalidKey, err)
		}
		return pub, nil
	case pemCertificate:
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing certificate: %w", ErrInvalidKey, err)
		}
		return cert.PublicKey, nil
	default:
		return nil, fmt.Errorf("%w: unsupported PEM type %q", ErrInvalidKey, block.Type)
	}
}

// Fingerprint is the hex SHA-256 of the key's PKIX DER encoding. The same
// key yields the same fingerprint whether it arrived as a CSR, a bare key
// or a TLS peer certificate.
func Fingerprint(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// FingerprintPEM parses key material and fingerprints it in one step.
func FingerprintPEM(data []byte) (string, error) {
	pub, err := ParseKeyMaterial(data)
	if err != nil {
		return "", err
	}
	return Fingerprint(pub)
}

// EncodePublicKey renders pub as a PEM "PUBLIC KEY" block for storage.
func EncodePublicKey(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemPublicKey, Bytes: der})), nil
}
