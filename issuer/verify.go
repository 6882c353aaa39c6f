package issuer

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sort"
	"time"
)

// VerifyIssued checks a toolchain output against the request that produced
// it: subject, SAN sets, validity window, key usage and chain of trust. It
// returns ErrIssuer on the first mismatch.
func VerifyIssued(req *Request, cert *x509.Certificate, now time.Time) error {
	if cert.Subject.CommonName != req.Subject.CommonName {
		return fmt.Errorf("%w: subject CN %q does not match request %q",
			ErrIssuer, cert.Subject.CommonName, req.Subject.CommonName)
	}

	if !sameStringSet(cert.DNSNames, req.Domains) {
		return fmt.Errorf("%w: DNS SANs %v do not match request %v", ErrIssuer, cert.DNSNames, req.Domains)
	}
	certIPs := make([]string, 0, len(cert.IPAddresses))
	for _, ip := range cert.IPAddresses {
		certIPs = append(certIPs, ip.String())
	}
	if !sameStringSet(certIPs, req.IPs) {
		return fmt.Errorf("%w: IP SANs %v do not match request %v", ErrIssuer, certIPs, req.IPs)
	}

	if !cert.NotBefore.Before(cert.NotAfter) {
		return fmt.Errorf("%w: notBefore %s is not before notAfter %s", ErrIssuer, cert.NotBefore, cert.NotAfter)
	}
	if cert.NotBefore.After(now.Add(ClockSkewTolerance)) {
		return fmt.Errorf("%w: notBefore %s is in the future", ErrIssuer, cert.NotBefore)
	}

	switch req.Kind {
	case KindRootCA, KindIntermediateCA:
		if !cert.IsCA || !cert.BasicConstraintsValid {
			return fmt.Errorf("%w: CA certificate lacks CA basic constraints", ErrIssuer)
		}
		const caUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		if cert.KeyUsage&caUsage != caUsage {
			return fmt.Errorf("%w: CA certificate lacks certSign/cRLSign key usage", ErrIssuer)
		}
	case KindLeaf:
		if cert.IsCA {
			return fmt.Errorf("%w: leaf certificate marked as CA", ErrIssuer)
		}
		if err := verifyLeafEKU(req.Usage, cert); err != nil {
			return err
		}
	}

	if req.Signer != nil {
		if !req.AllowBeyondSigner && cert.NotAfter.After(req.Signer.Certificate.NotAfter) {
			return fmt.Errorf("%w: notAfter %s exceeds signer notAfter %s",
				ErrIssuer, cert.NotAfter, req.Signer.Certificate.NotAfter)
		}
		if err := verifyChain(cert, req.Signer); err != nil {
			return err
		}
	} else {
		if err := cert.CheckSignatureFrom(cert); err != nil {
			return fmt.Errorf("%w: self-signature invalid: %v", ErrIssuer, err)
		}
	}
	return nil
}

func verifyLeafEKU(usage Usage, cert *x509.Certificate) error {
	has := func(want x509.ExtKeyUsage) bool {
		for _, u := range cert.ExtKeyUsage {
			if u == want {
				return true
			}
		}
		return false
	}
	switch usage {
	case UsageServer:
		if !has(x509.ExtKeyUsageServerAuth) {
			return fmt.Errorf("%w: server certificate lacks serverAuth EKU", ErrIssuer)
		}
	case UsageClient:
		if !has(x509.ExtKeyUsageClientAuth) {
			return fmt.Errorf("%w: client certificate lacks clientAuth EKU", ErrIssuer)
		}
	case UsageMixed:
		if !has(x509.ExtKeyUsageServerAuth) || !has(x509.ExtKeyUsageClientAuth) {
			return fmt.Errorf("%w: mixed certificate lacks serverAuth+clientAuth EKUs", ErrIssuer)
		}
	}
	return nil
}

// verifyChain checks the new certificate verifies up through the signer's
// chain to its self-signed top.
func verifyChain(cert *x509.Certificate, signer *Signer) error {
	if err := cert.CheckSignatureFrom(signer.Certificate); err != nil {
		return fmt.Errorf("%w: signature does not verify against signer: %v", ErrIssuer, err)
	}

	roots := x509.NewCertPool()
	intermediates := x509.NewCertPool()
	for _, c := range parseChain(signer.ChainPEM) {
		if c.CheckSignatureFrom(c) == nil {
			roots.AddCert(c)
		} else {
			intermediates.AddCert(c)
		}
	}
	// A signer without a chain file is its own trust anchor.
	if signer.Certificate.CheckSignatureFrom(signer.Certificate) == nil {
		roots.AddCert(signer.Certificate)
	} else {
		intermediates.AddCert(signer.Certificate)
	}

	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("%w: chain verification failed: %v", ErrIssuer, err)
	}
	return nil
}

func parseChain(chainPEM []byte) []*x509.Certificate {
	var certs []*x509.Certificate
	rest := chainPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return certs
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		if c, err := x509.ParseCertificate(block.Bytes); err == nil {
			certs = append(certs, c)
		}
	}
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
