// Package issuer produces key pairs, CSRs and signed certificates by
// invoking the external OpenSSL toolchain, then verifies every output
// in-process before handing it back. It never signs anything itself.
package issuer

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

var (
	// ErrIssuer indicates a toolchain failure or an output that failed
	// verification. Callers should not retry automatically.
	ErrIssuer = errors.New("issuer error")

	// ErrRequest indicates a malformed issuance request.
	ErrRequest = errors.New("invalid issuance request")
)

// Kind selects the certificate class being issued.
type Kind string

const (
	KindRootCA         Kind = "rootCA"
	KindIntermediateCA Kind = "intermediateCA"
	KindLeaf           Kind = "leaf"
)

// Usage selects extended key usage for leaf certificates.
type Usage string

const (
	UsageServer Usage = "server"
	UsageClient Usage = "client"
	UsageMixed  Usage = "mixed"
)

// Algorithm is the key pair algorithm.
type Algorithm string

const (
	AlgorithmRSA   Algorithm = "rsa"
	AlgorithmECDSA Algorithm = "ecdsa"
)

// ClockSkewTolerance is the allowance applied when checking that an issued
// certificate's notBefore is not in the future.
const ClockSkewTolerance = 5 * time.Minute

// Signer references the CA that signs a request.
type Signer struct {
	Certificate *x509.Certificate
	CertPath    string
	KeyPath     string
	// Passphrase decrypts the signer key; nil when the key is unencrypted.
	Passphrase []byte
	// ChainPEM is the signer's chain, leaf-of-chain first, up to its root.
	ChainPEM []byte
}

// Request describes one issuance. WorkDir must be an empty directory owned
// by the caller; concurrent issuances must not share it.
type Request struct {
	Kind    Kind
	Usage   Usage
	Name    string
	Subject pkix.Name
	Email   string

	Domains []string
	IPs     []string

	Algorithm Algorithm
	KeySize   int    // RSA bits: 2048, 3072, 4096
	Curve     string // ECDSA: P-256, P-384

	Days int

	// EncryptKey requests an encrypted private key under a fresh random
	// passphrase, returned in Result.Passphrase.
	EncryptKey bool
	// ExportP12 additionally produces a PKCS#12 bundle.
	ExportP12 bool
	// AllowBeyondSigner skips clipping notAfter to the signer's notAfter.
	AllowBeyondSigner bool

	Signer  *Signer // nil for self-signed roots
	WorkDir string
}

// Result carries the verified artifacts of one issuance.
type Result struct {
	Certificate *x509.Certificate
	Fingerprint string

	CertPEM  []byte
	KeyPEM   []byte
	CSRPEM   []byte // empty for self-signed roots
	ChainPEM []byte
	P12      []byte

	// Passphrase is the plaintext key/bundle passphrase when EncryptKey or
	// ExportP12 was requested. The caller is responsible for wrapping it.
	Passphrase []byte
}

// Issuer produces verified certificates from issuance requests.
type Issuer interface {
	Issue(ctx context.Context, req Request) (*Result, error)
}

// Fingerprint returns the lowercase hex SHA-256 of DER-encoded bytes.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// ValidateDomain checks a DNS SAN entry. Wildcards are permitted only when
// the leftmost label is exactly "*".
func ValidateDomain(domain string) error {
	d := domain
	if strings.HasPrefix(d, "*.") {
		d = d[2:]
	}
	if d == "" || strings.Contains(d, "*") {
		return fmt.Errorf("%w: invalid domain %q", ErrRequest, domain)
	}
	if len(d) > 253 {
		return fmt.Errorf("%w: domain %q too long", ErrRequest, domain)
	}
	for _, label := range strings.Split(d, ".") {
		if label == "" || len(label) > 63 {
			return fmt.Errorf("%w: invalid domain %q", ErrRequest, domain)
		}
		for i, r := range label {
			ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
				(r == '-' && i > 0 && i < len(label)-1)
			if !ok {
				return fmt.Errorf("%w: invalid domain %q", ErrRequest, domain)
			}
		}
	}
	return nil
}

// CanonicalIP parses an IPv4/IPv6 SAN entry to its canonical text form,
// rejecting malformed entries.
func CanonicalIP(s string) (string, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", fmt.Errorf("%w: invalid IP %q", ErrRequest, s)
	}
	return addr.String(), nil
}

// ValidateRequest checks an issuance request before any toolchain work.
func ValidateRequest(req *Request) error {
	if req.Subject.CommonName == "" {
		return fmt.Errorf("%w: common name required", ErrRequest)
	}
	if req.Days <= 0 {
		return fmt.Errorf("%w: validity days must be positive", ErrRequest)
	}

	switch req.Kind {
	case KindRootCA:
		if req.Signer != nil {
			return fmt.Errorf("%w: root CA cannot have a signer", ErrRequest)
		}
	case KindIntermediateCA, KindLeaf:
		if req.Signer == nil || req.Signer.Certificate == nil {
			return fmt.Errorf("%w: %s requires a signer", ErrRequest, req.Kind)
		}
		if !req.Signer.Certificate.IsCA {
			return fmt.Errorf("%w: signer is not a CA", ErrRequest)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrRequest, req.Kind)
	}

	switch req.Algorithm {
	case AlgorithmRSA:
		switch req.KeySize {
		case 2048, 3072, 4096:
		default:
			return fmt.Errorf("%w: invalid RSA key size %d", ErrRequest, req.KeySize)
		}
	case AlgorithmECDSA:
		switch req.Curve {
		case "P-256", "P-384":
		default:
			return fmt.Errorf("%w: invalid curve %q", ErrRequest, req.Curve)
		}
	default:
		return fmt.Errorf("%w: unknown key algorithm %q", ErrRequest, req.Algorithm)
	}

	for _, d := range req.Domains {
		if err := ValidateDomain(d); err != nil {
			return err
		}
	}
	for i, ip := range req.IPs {
		canon, err := CanonicalIP(ip)
		if err != nil {
			return err
		}
		req.IPs[i] = canon
	}

	if req.Kind == KindLeaf {
		switch req.Usage {
		case UsageServer, UsageClient, UsageMixed:
		default:
			return fmt.Errorf("%w: unknown usage %q", ErrRequest, req.Usage)
		}
	}
	return nil
}

// effectiveDays clips the requested validity so notAfter does not exceed the
// signer's, unless the request overrides the policy.
func effectiveDays(req *Request, now time.Time) (int, error) {
	if req.Signer == nil || req.AllowBeyondSigner {
		return req.Days, nil
	}
	max := int(req.Signer.Certificate.NotAfter.Sub(now).Hours() / 24)
	if max <= 0 {
		return 0, fmt.Errorf("%w: signer expires before any validity can be granted", ErrIssuer)
	}
	if req.Days > max {
		return max, nil
	}
	return req.Days, nil
}
