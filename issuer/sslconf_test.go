package issuer

import (
	"crypto/x509/pkix"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderConfig_RootCA(t *testing.T) {
	req := &Request{
		Kind: KindRootCA,
		Subject: pkix.Name{
			CommonName:   "Test Root",
			Organization: []string{"Example Corp"},
			Country:      []string{"DE"},
		},
	}
	cnf := renderConfig(req)

	assert.Contains(t, cnf, "CN = Test Root")
	assert.Contains(t, cnf, "O = Example Corp")
	assert.Contains(t, cnf, "C = DE")
	assert.Contains(t, cnf, "basicConstraints = critical, CA:TRUE")
	assert.Contains(t, cnf, "keyUsage = critical, keyCertSign, cRLSign")
	assert.Contains(t, cnf, "x509_extensions = v3_ext")
	assert.NotContains(t, cnf, "authorityKeyIdentifier")
	assert.NotContains(t, cnf, "subjectAltName")
}

func TestRenderConfig_ServerLeafWithSANs(t *testing.T) {
	req := &Request{
		Kind:    KindLeaf,
		Usage:   UsageServer,
		Subject: pkix.Name{CommonName: "test.example.com"},
		Domains: []string{"test.example.com", "*.test.example.com"},
		IPs:     []string{"10.0.0.1"},
	}
	cnf := renderConfig(req)

	assert.Contains(t, cnf, "basicConstraints = critical, CA:FALSE")
	assert.Contains(t, cnf, "extendedKeyUsage = serverAuth")
	assert.Contains(t, cnf, "DNS.1 = test.example.com")
	assert.Contains(t, cnf, "DNS.2 = *.test.example.com")
	assert.Contains(t, cnf, "IP.1 = 10.0.0.1")
	assert.Contains(t, cnf, "authorityKeyIdentifier = keyid, issuer")
}

func TestRenderConfig_Intermediate(t *testing.T) {
	req := &Request{
		Kind:    KindIntermediateCA,
		Subject: pkix.Name{CommonName: "Test Intermediate"},
	}
	cnf := renderConfig(req)

	assert.Contains(t, cnf, "CA:TRUE, pathlen:0")
	assert.NotContains(t, cnf, "extendedKeyUsage")
}

func TestRenderConfig_MixedUsage(t *testing.T) {
	req := &Request{
		Kind:    KindLeaf,
		Usage:   UsageMixed,
		Subject: pkix.Name{CommonName: "dual"},
	}
	assert.Contains(t, renderConfig(req), "extendedKeyUsage = serverAuth, clientAuth")
}
