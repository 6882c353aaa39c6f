package issuer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"software.sslmate.com/src/go-pkcs12"
)

// exportPKCS12 asks the toolchain to produce a PKCS#12 bundle and then
// verifies the bundle decodes with the expected certificate before
// returning it.
func (t *Toolchain) exportPKCS12(ctx context.Context, req *Request, crtPath, keyPath string, passphrase []byte, expectedFingerprint string) ([]byte, error) {
	p12Path := filepath.Join(req.WorkDir, "cert.p12")
	chainPath := filepath.Join(req.WorkDir, "p12chain.pem")

	env := []string{envP12Pass + "=" + string(passphrase)}
	args := []string{
		"pkcs12", "-export",
		"-in", crtPath,
		"-inkey", keyPath,
		"-out", p12Path,
		"-name", req.Name,
		"-passout", "env:" + envP12Pass,
	}
	if req.EncryptKey {
		env = append(env, envKeyPass+"="+string(passphrase))
		args = append(args, "-passin", "env:"+envKeyPass)
	}
	if req.Signer != nil && len(req.Signer.ChainPEM) > 0 {
		if err := os.WriteFile(chainPath, req.Signer.ChainPEM, 0o600); err != nil {
			return nil, fmt.Errorf("%w: writing p12 chain: %v", ErrIssuer, err)
		}
		args = append(args, "-certfile", chainPath)
	}
	if err := t.run(ctx, env, args...); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p12Path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading PKCS#12 bundle: %v", ErrIssuer, err)
	}

	// Verify the bundle round-trips and carries the issued certificate.
	_, cert, _, err := pkcs12.DecodeChain(data, string(passphrase))
	if err != nil {
		return nil, fmt.Errorf("%w: PKCS#12 bundle does not decode: %v", ErrIssuer, err)
	}
	if Fingerprint(cert.Raw) != expectedFingerprint {
		return nil, fmt.Errorf("%w: PKCS#12 bundle carries the wrong certificate", ErrIssuer)
	}
	return data, nil
}
