package store

import (
	"context"
	"crypto/x509/pkix"
	"fmt"
	"os"

	"github.com/mfairley/certflow/activity"
	"github.com/mfairley/certflow/internal/util"
	"github.com/mfairley/certflow/issuer"
)

// CreateRequest describes a new certificate or CA to issue and index.
type CreateRequest struct {
	Name    string  `json:"name"`
	Type    Type    `json:"type"`
	Subject Subject `json:"subject"`

	Domains []string `json:"domains,omitempty"`
	IPs     []string `json:"ips,omitempty"`

	KeyAlgorithm issuer.Algorithm `json:"keyAlgorithm"`
	KeySize      int              `json:"keySize,omitempty"`
	Curve        string           `json:"curve,omitempty"`

	// Days of validity; zero applies the configured default for the type.
	Days int `json:"days,omitempty"`

	// IssuerFingerprint references the signing CA; empty only for rootCA.
	IssuerFingerprint string `json:"issuerFingerprint,omitempty"`

	EncryptKey        bool `json:"encryptKey,omitempty"`
	ExportP12         bool `json:"exportP12,omitempty"`
	AllowBeyondSigner bool `json:"allowBeyondSigner,omitempty"`

	AutoRenew             bool `json:"autoRenew"`
	RenewDaysBeforeExpiry int  `json:"renewDaysBeforeExpiry,omitempty"`
	BackupOnRenew         bool `json:"backupOnRenew"`
}

// Create issues a new certificate, lays its material out on disk, and
// commits it to the index atomically.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Certificate, error) {
	if err := s.validateCreate(&req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.byNameLocked(req.Name) != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("name %q already exists: %w", req.Name, ErrConflict)
	}
	s.mu.Unlock()

	var signer *issuer.Signer
	if req.Type != TypeRootCA {
		var err error
		signer, err = s.signerFor(req.IssuerFingerprint)
		if err != nil {
			return nil, err
		}
		defer util.WipeBytes(signer.Passphrase)
	}

	result, workDir, err := s.issue(ctx, &req, signer)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)
	defer util.WipeBytes(result.Passphrase)

	cert, err := s.commitNew(&req, result)
	if err != nil {
		return nil, err
	}

	s.sink.Emit(activity.KindCertificateCreated, map[string]string{
		"fingerprint": cert.Fingerprint,
		"name":        cert.Name,
		"type":        string(cert.Type),
	}, "store")
	s.logger.Info("certificate created",
		"name", cert.Name,
		"type", string(cert.Type),
		"fingerprint", cert.Fingerprint)
	return cert.Clone(), nil
}

func (s *Store) validateCreate(req *CreateRequest) error {
	if req.Name == "" {
		return fmt.Errorf("%w: name required", ErrValidation)
	}
	switch req.Type {
	case TypeRootCA:
		if req.IssuerFingerprint != "" {
			return fmt.Errorf("%w: root CA cannot reference an issuer", ErrValidation)
		}
	case TypeIntermediateCA, TypeServer, TypeClient, TypeMixed:
		if req.IssuerFingerprint == "" {
			return fmt.Errorf("%w: %s requires an issuer fingerprint", ErrValidation, req.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrValidation, req.Type)
	}
	if req.Days == 0 {
		switch req.Type {
		case TypeRootCA:
			req.Days = s.defaults.RootCADays
		case TypeIntermediateCA:
			req.Days = s.defaults.IntermediateCADays
		default:
			req.Days = s.defaults.StandardDays
		}
	}
	if req.RenewDaysBeforeExpiry <= 0 {
		req.RenewDaysBeforeExpiry = s.defaults.RenewDaysBeforeExpiry
	}
	if req.KeyAlgorithm == "" {
		req.KeyAlgorithm = issuer.AlgorithmRSA
	}
	if req.KeyAlgorithm == issuer.AlgorithmRSA && req.KeySize == 0 {
		req.KeySize = 2048
	}
	if req.KeyAlgorithm == issuer.AlgorithmECDSA && req.Curve == "" {
		req.Curve = "P-256"
	}
	return nil
}

// signerFor loads the signing CA's material: parsed certificate, key path,
// unwrapped passphrase and chain.
func (s *Store) signerFor(fp string) (*issuer.Signer, error) {
	ca, err := s.GetByFingerprint(fp)
	if err != nil {
		return nil, err
	}
	if !ca.Type.IsCA() {
		return nil, fmt.Errorf("%w: %s is not a CA", ErrValidation, fp)
	}

	parsed, err := readCertFile(ca.Paths.Crt)
	if err != nil {
		return nil, fmt.Errorf("reading signer certificate: %w", err)
	}

	signer := &issuer.Signer{
		Certificate: parsed,
		CertPath:    ca.Paths.Crt,
		KeyPath:     ca.Paths.Key,
	}
	if ca.Passphrase != nil {
		pass, err := s.kr.Unwrap(*ca.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("unwrapping signer passphrase: %w", err)
		}
		signer.Passphrase = pass
	}
	if ca.Paths.Chain != "" {
		if chain, err := os.ReadFile(ca.Paths.Chain); err == nil {
			signer.ChainPEM = chain
		}
	} else if chain, err := os.ReadFile(ca.Paths.Crt); err == nil {
		signer.ChainPEM = chain
	}
	return signer, nil
}

// issue runs the issuer against an isolated working directory. The caller
// removes the directory once the material has been committed.
func (s *Store) issue(ctx context.Context, req *CreateRequest, signer *issuer.Signer) (*issuer.Result, string, error) {
	workDir, err := os.MkdirTemp(s.root, ".issue-*")
	if err != nil {
		return nil, "", fmt.Errorf("creating working directory: %w", err)
	}

	ireq := issuer.Request{
		Kind:              req.Type.kind(),
		Usage:             req.Type.usage(),
		Name:              req.Name,
		Subject:           toPKIXName(req.Subject),
		Email:             req.Subject.Email,
		Domains:           req.Domains,
		IPs:               req.IPs,
		Algorithm:         req.KeyAlgorithm,
		KeySize:           req.KeySize,
		Curve:             req.Curve,
		Days:              req.Days,
		EncryptKey:        req.EncryptKey,
		ExportP12:         req.ExportP12,
		AllowBeyondSigner: req.AllowBeyondSigner,
		Signer:            signer,
		WorkDir:           workDir,
	}
	result, err := s.issuer.Issue(ctx, ireq)
	if err != nil {
		os.RemoveAll(workDir)
		return nil, "", err
	}
	return result, workDir, nil
}

// commitNew writes the issued material into the certificate's directory and
// inserts the record into the index. Either both land or neither does.
func (s *Store) commitNew(req *CreateRequest, result *issuer.Result) (*Certificate, error) {
	dir := s.certDir(req.Name, result.Fingerprint)
	paths, err := writeMaterial(dir, result.CertPEM, result.KeyPEM, result.CSRPEM, result.ChainPEM, result.P12)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	cert := &Certificate{
		Fingerprint:  result.Fingerprint,
		Name:         req.Name,
		Type:         req.Type,
		Subject:      req.Subject,
		SANs:         SANs{Domains: req.Domains, IPs: req.IPs},
		KeyAlgorithm: req.KeyAlgorithm,
		KeySize:      req.KeySize,
		Curve:        req.Curve,
		Validity: Validity{
			NotBefore: result.Certificate.NotBefore.UTC(),
			NotAfter:  result.Certificate.NotAfter.UTC(),
		},
		IssuerFingerprint: req.IssuerFingerprint,
		Paths:             paths,
		Config: Config{
			AutoRenew:             req.AutoRenew,
			RenewDaysBeforeExpiry: req.RenewDaysBeforeExpiry,
			BackupOnRenew:         req.BackupOnRenew,
			PassphraseProtected:   req.EncryptKey,
		},
		NeedsPassphrase: req.EncryptKey,
	}

	if len(result.Passphrase) > 0 {
		h, err := s.kr.Wrap(result.Passphrase)
		if err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("wrapping key passphrase: %w", err)
		}
		if req.EncryptKey {
			cert.Passphrase = &h
		}
		if req.ExportP12 {
			p12h := h
			cert.P12Passphrase = &p12h
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.byNameLocked(req.Name); existing != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("name %q already exists: %w", req.Name, ErrConflict)
	}
	s.certs[cert.Fingerprint] = cert
	if err := s.saveIndexLocked(); err != nil {
		delete(s.certs, cert.Fingerprint)
		os.RemoveAll(dir)
		return nil, err
	}
	return cert, nil
}

func toPKIXName(sub Subject) pkix.Name {
	name := pkix.Name{CommonName: sub.CommonName}
	if sub.Organization != "" {
		name.Organization = []string{sub.Organization}
	}
	if sub.OrganizationalUnit != "" {
		name.OrganizationalUnit = []string{sub.OrganizationalUnit}
	}
	if sub.Country != "" {
		name.Country = []string{sub.Country}
	}
	if sub.State != "" {
		name.Province = []string{sub.State}
	}
	if sub.Locality != "" {
		name.Locality = []string{sub.Locality}
	}
	return name
}
