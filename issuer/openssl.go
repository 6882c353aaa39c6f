package issuer

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/mfairley/certflow/internal/util"
)

// Default issuance deadline for one toolchain run.
const DefaultTimeout = 60 * time.Second

// Environment variable names used to pass passphrases to openssl without
// exposing them in process arguments.
const (
	envKeyPass    = "CERTFLOW_KEY_PASS"
	envSignerPass = "CERTFLOW_SIGNER_PASS"
	envP12Pass    = "CERTFLOW_P12_PASS"
)

// Toolchain is an Issuer backed by the openssl binary. Each Issue call runs
// inside the request's isolated working directory so concurrent invocations
// never collide on temporary filenames.
type Toolchain struct {
	// Path is the openssl binary to invoke; "openssl" resolves via PATH.
	Path string
	// Timeout bounds the whole issuance including all openssl runs.
	Timeout time.Duration

	logger *slog.Logger
}

// NewToolchain returns a Toolchain issuer for the given openssl path.
func NewToolchain(path string) *Toolchain {
	if path == "" {
		path = "openssl"
	}
	return &Toolchain{Path: path, Timeout: DefaultTimeout, logger: slog.Default()}
}

// Issue runs the full key → CSR → sign → verify flow. On any failure the
// working directory is removed and ErrIssuer (or ErrRequest) is returned.
func (t *Toolchain) Issue(ctx context.Context, req Request) (res *Result, err error) {
	if err := ValidateRequest(&req); err != nil {
		return nil, err
	}
	if req.WorkDir == "" {
		return nil, fmt.Errorf("%w: working directory required", ErrRequest)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(req.WorkDir)
		}
	}()

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	now := time.Now().UTC()
	days, err := effectiveDays(&req, now)
	if err != nil {
		return nil, err
	}

	keyPath := filepath.Join(req.WorkDir, "key.key")
	csrPath := filepath.Join(req.WorkDir, "cert.csr")
	crtPath := filepath.Join(req.WorkDir, "cert.crt")
	cnfPath := filepath.Join(req.WorkDir, "ssl.cnf")

	var passphrase []byte
	if req.EncryptKey || req.ExportP12 {
		p, err := util.RandomPassphrase(32)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIssuer, err)
		}
		passphrase = []byte(p)
	}

	env := []string{}
	if req.EncryptKey {
		env = append(env, envKeyPass+"="+string(passphrase))
	}
	if req.Signer != nil && len(req.Signer.Passphrase) > 0 {
		env = append(env, envSignerPass+"="+string(req.Signer.Passphrase))
	}

	if err := t.generateKey(ctx, &req, keyPath, env); err != nil {
		return nil, err
	}

	if err := os.WriteFile(cnfPath, []byte(renderConfig(&req)), 0o600); err != nil {
		return nil, fmt.Errorf("%w: writing openssl config: %v", ErrIssuer, err)
	}

	serial, err := util.RandomSerial()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuer, err)
	}
	serialArg := "0x" + serial.Text(16)

	if req.Kind == KindRootCA {
		args := []string{
			"req", "-new", "-x509", "-utf8", "-sha256",
			"-key", keyPath,
			"-out", crtPath,
			"-days", fmt.Sprint(days),
			"-config", cnfPath,
			"-set_serial", serialArg,
		}
		if req.EncryptKey {
			args = append(args, "-passin", "env:"+envKeyPass)
		}
		if err := t.run(ctx, env, args...); err != nil {
			return nil, err
		}
	} else {
		args := []string{
			"req", "-new", "-utf8", "-sha256",
			"-key", keyPath,
			"-out", csrPath,
			"-config", cnfPath,
		}
		if req.EncryptKey {
			args = append(args, "-passin", "env:"+envKeyPass)
		}
		if err := t.run(ctx, env, args...); err != nil {
			return nil, err
		}

		args = []string{
			"x509", "-req", "-sha256",
			"-in", csrPath,
			"-CA", req.Signer.CertPath,
			"-CAkey", req.Signer.KeyPath,
			"-out", crtPath,
			"-days", fmt.Sprint(days),
			"-set_serial", serialArg,
			"-extfile", cnfPath,
			"-extensions", "v3_ext",
		}
		if len(req.Signer.Passphrase) > 0 {
			args = append(args, "-passin", "env:"+envSignerPass)
		}
		if err := t.run(ctx, env, args...); err != nil {
			return nil, err
		}
	}

	certPEM, err := os.ReadFile(crtPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading issued certificate: %v", ErrIssuer, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading private key: %v", ErrIssuer, err)
	}
	var csrPEM []byte
	if req.Kind != KindRootCA {
		if csrPEM, err = os.ReadFile(csrPath); err != nil {
			return nil, fmt.Errorf("%w: reading CSR: %v", ErrIssuer, err)
		}
	}

	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return nil, err
	}
	if err := VerifyIssued(&req, cert, now); err != nil {
		return nil, err
	}

	chainPEM := buildChain(certPEM, &req)

	result := &Result{
		Certificate: cert,
		Fingerprint: Fingerprint(cert.Raw),
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
		CSRPEM:      csrPEM,
		ChainPEM:    chainPEM,
		Passphrase:  passphrase,
	}

	if req.ExportP12 {
		p12, err := t.exportPKCS12(ctx, &req, crtPath, keyPath, passphrase, result.Fingerprint)
		if err != nil {
			return nil, err
		}
		result.P12 = p12
	}

	t.logger.Info("issued certificate",
		"name", req.Name,
		"kind", string(req.Kind),
		"fingerprint", result.Fingerprint,
		"notAfter", cert.NotAfter)
	return result, nil
}

func (t *Toolchain) generateKey(ctx context.Context, req *Request, keyPath string, env []string) error {
	var args []string
	switch req.Algorithm {
	case AlgorithmRSA:
		args = []string{
			"genpkey", "-algorithm", "RSA",
			"-pkeyopt", fmt.Sprintf("rsa_keygen_bits:%d", req.KeySize),
			"-out", keyPath,
		}
	case AlgorithmECDSA:
		args = []string{
			"genpkey", "-algorithm", "EC",
			"-pkeyopt", "ec_paramgen_curve:" + req.Curve,
			"-pkeyopt", "ec_param_enc:named_curve",
			"-out", keyPath,
		}
	}
	if req.EncryptKey {
		args = append(args, "-aes-256-cbc", "-pass", "env:"+envKeyPass)
	}
	return t.run(ctx, env, args...)
}

// run executes openssl with captured output, the way the rest of the engine
// shells out to external tooling.
func (t *Toolchain) run(ctx context.Context, env []string, args ...string) error {
	cmd := exec.CommandContext(ctx, t.Path, args...)
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	t.logger.Debug("running openssl", "args", args)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: openssl %s: %v: %s", ErrIssuer, args[0], err, stderr.String())
	}
	return nil
}

// buildChain assembles the certificate chain PEM: the new certificate first,
// then the signer chain. A root's chain is the certificate itself.
func buildChain(certPEM []byte, req *Request) []byte {
	chain := make([]byte, 0, len(certPEM))
	chain = append(chain, certPEM...)
	if req.Signer != nil {
		chain = append(chain, req.Signer.ChainPEM...)
	}
	return chain
}

func parseCertPEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: output is not a PEM certificate", ErrIssuer)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing issued certificate: %v", ErrIssuer, err)
	}
	return cert, nil
}
