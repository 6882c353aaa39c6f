package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/mfairley/certflow/keyring"
)

func init() {
	RegisterAction(TypeFTPUpload, newFTPAction)
}

// ftpConfig uploads the PEM material to a plain FTP server. The password is
// a wrapped secret handle.
type ftpConfig struct {
	Host      string          `json:"host"`
	Port      int             `json:"port"`
	Username  string          `json:"username"`
	Password  json.RawMessage `json:"password"`
	RemoteDir string          `json:"remoteDir"`
}

type ftpAction struct {
	cfg ftpConfig
	kr  *keyring.Keyring
}

func newFTPAction(cfg json.RawMessage, deps *Deps) (Executor, error) {
	var c ftpConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return nil, fmt.Errorf("ftp config: %w", err)
	}
	if c.Host == "" {
		return nil, fmt.Errorf("ftp config: host required")
	}
	if c.Port == 0 {
		c.Port = 21
	}
	return &ftpAction{cfg: c, kr: deps.Keyring}, nil
}

func (a *ftpAction) Execute(ctx context.Context, m Material) error {
	password, err := secretString(a.cfg.Password, a.kr)
	if err != nil {
		return Permanent(fmt.Errorf("ftp password: %w", err))
	}

	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(10*time.Second))
	if err != nil {
		return Transient(fmt.Errorf("connecting to %s: %w", addr, err))
	}
	defer conn.Quit()

	if err := conn.Login(a.cfg.Username, password); err != nil {
		return fmt.Errorf("%w: ftp login for %s: %v", ErrAuth, a.cfg.Username, err)
	}

	dir := strings.TrimSuffix(a.cfg.RemoteDir, "/")
	for remote, data := range uploadSet(m) {
		target := remote
		if dir != "" {
			target = path.Join(dir, remote)
		}
		if err := conn.Stor(target, bytes.NewReader(data)); err != nil {
			return Transient(fmt.Errorf("uploading %s: %w", target, err))
		}
	}
	return nil
}

// uploadSet maps remote file names to the material uploaded for them. The
// chain is omitted when the certificate has none.
func uploadSet(m Material) map[string][]byte {
	files := map[string][]byte{
		m.Name + ".crt": m.CertPEM,
		m.Name + ".key": m.KeyPEM,
	}
	if len(m.ChainPEM) > 0 {
		files[m.Name+".chain.pem"] = m.ChainPEM
	}
	return files
}
