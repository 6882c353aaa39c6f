// Package testca fabricates certificates in-process for tests. It provides
// a fake Issuer with the same contract as the OpenSSL toolchain issuer so
// the store, scheduler and engine can be exercised without shelling out.
package testca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/mfairley/certflow/internal/util"
	"github.com/mfairley/certflow/issuer"
)

// CA is an in-memory certificate authority for tests.
type CA struct {
	Cert    *x509.Certificate
	Key     *ecdsa.PrivateKey
	CertPEM []byte
	KeyPEM  []byte
}

// NewRootCA creates a self-signed root valid for the given duration.
func NewRootCA(cn string, validFor time.Duration) (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := util.RandomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Add(-time.Minute)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now,
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	keyPEM, err := marshalKeyPEM(key)
	if err != nil {
		return nil, err
	}
	return &CA{
		Cert:    cert,
		Key:     key,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  keyPEM,
	}, nil
}

// IssueLeaf signs a server leaf for the given names, valid for validFor.
func (ca *CA) IssueLeaf(cn string, domains []string, validFor time.Duration) ([]byte, []byte, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, err
	}
	serial, err := util.RandomSerial()
	if err != nil {
		return nil, nil, nil, err
	}
	now := time.Now().UTC().Add(-time.Minute)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now,
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              domains,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, &key.PublicKey, ca.Key)
	if err != nil {
		return nil, nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, err
	}
	keyPEM, err := marshalKeyPEM(key)
	if err != nil {
		return nil, nil, nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), keyPEM, cert, nil
}

// Issuer is an issuer.Issuer that fabricates certificates with crypto/x509,
// honoring the request semantics the toolchain issuer guarantees: SAN sets,
// CA constraints, validity clipping and chain construction.
type Issuer struct {
	// IssueErr, when set, is returned by every Issue call.
	IssueErr error
	// Issued counts successful issuances.
	Issued int
}

// Issue implements issuer.Issuer.
func (f *Issuer) Issue(_ context.Context, req issuer.Request) (*issuer.Result, error) {
	if f.IssueErr != nil {
		return nil, f.IssueErr
	}
	if err := issuer.ValidateRequest(&req); err != nil {
		return nil, err
	}
	if req.WorkDir == "" {
		return nil, fmt.Errorf("%w: working directory required", issuer.ErrRequest)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := util.RandomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Add(-time.Minute)
	notAfter := now.AddDate(0, 0, req.Days)

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               req.Subject,
		NotBefore:             now,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		DNSNames:              append([]string(nil), req.Domains...),
	}
	for _, ip := range req.IPs {
		template.IPAddresses = append(template.IPAddresses, net.ParseIP(ip))
	}

	switch req.Kind {
	case issuer.KindRootCA, issuer.KindIntermediateCA:
		template.IsCA = true
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	case issuer.KindLeaf:
		template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
		switch req.Usage {
		case issuer.UsageServer:
			template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		case issuer.UsageClient:
			template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
		case issuer.UsageMixed:
			template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
		}
	}

	parent := template
	signKey := any(key)
	if req.Signer != nil {
		parent = req.Signer.Certificate
		signKey, err = loadKey(req.Signer.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: loading signer key: %v", issuer.ErrIssuer, err)
		}
		if !req.AllowBeyondSigner && notAfter.After(parent.NotAfter) {
			template.NotAfter = parent.NotAfter
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, signKey.(*ecdsa.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", issuer.ErrIssuer, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	if err := issuer.VerifyIssued(&req, cert, time.Now().UTC()); err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM, err := marshalKeyPEM(key)
	if err != nil {
		return nil, err
	}

	var csrPEM []byte
	if req.Kind != issuer.KindRootCA {
		csrTemplate := &x509.CertificateRequest{
			Subject:     req.Subject,
			DNSNames:    template.DNSNames,
			IPAddresses: template.IPAddresses,
		}
		csrDER, err := x509.CreateCertificateRequest(rand.Reader, csrTemplate, key)
		if err != nil {
			return nil, err
		}
		csrPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	}

	chainPEM := append([]byte(nil), certPEM...)
	if req.Signer != nil {
		chainPEM = append(chainPEM, req.Signer.ChainPEM...)
	}

	var passphrase []byte
	if req.EncryptKey {
		p, err := util.RandomPassphrase(32)
		if err != nil {
			return nil, err
		}
		passphrase = []byte(p)
	}

	// Leave artifacts in the working directory like the toolchain does.
	for name, data := range map[string][]byte{
		"cert.crt":  certPEM,
		"key.key":   keyPEM,
		"chain.pem": chainPEM,
	} {
		if err := os.WriteFile(filepath.Join(req.WorkDir, name), data, 0o600); err != nil {
			return nil, err
		}
	}
	if csrPEM != nil {
		if err := os.WriteFile(filepath.Join(req.WorkDir, "cert.csr"), csrPEM, 0o600); err != nil {
			return nil, err
		}
	}

	f.Issued++
	return &issuer.Result{
		Certificate: cert,
		Fingerprint: issuer.Fingerprint(der),
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
		CSRPEM:      csrPEM,
		ChainPEM:    chainPEM,
		Passphrase:  passphrase,
	}, nil
}

func marshalKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func loadKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected key type %T", parsed)
	}
	return key, nil
}
