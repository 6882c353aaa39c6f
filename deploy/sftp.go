package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/mfairley/certflow/keyring"
)

func init() {
	RegisterAction(TypeSFTPUpload, newSFTPAction)
}

// sftpConfig uploads the PEM material over SSH. Either a password or a PEM
// private key authenticates; both are wrapped secret handles.
type sftpConfig struct {
	Host       string          `json:"host"`
	Port       int             `json:"port"`
	Username   string          `json:"username"`
	Password   json.RawMessage `json:"password,omitempty"`
	PrivateKey json.RawMessage `json:"privateKey,omitempty"`
	RemoteDir  string          `json:"remoteDir"`
	// HostKey pins the server's public key in authorized_keys format.
	// Empty accepts any host key.
	HostKey string `json:"hostKey,omitempty"`
}

type sftpAction struct {
	cfg sftpConfig
	kr  *keyring.Keyring
}

func newSFTPAction(cfg json.RawMessage, deps *Deps) (Executor, error) {
	var c sftpConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return nil, fmt.Errorf("sftp config: %w", err)
	}
	if c.Host == "" {
		return nil, fmt.Errorf("sftp config: host required")
	}
	if len(c.Password) == 0 && len(c.PrivateKey) == 0 {
		return nil, fmt.Errorf("sftp config: password or privateKey required")
	}
	if c.Port == 0 {
		c.Port = 22
	}
	return &sftpAction{cfg: c, kr: deps.Keyring}, nil
}

func (a *sftpAction) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(a.cfg.PrivateKey) > 0 {
		pem, err := secretString(a.cfg.PrivateKey, a.kr)
		if err != nil {
			return nil, fmt.Errorf("sftp private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey([]byte(pem))
		if err != nil {
			return nil, fmt.Errorf("parsing sftp private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if len(a.cfg.Password) > 0 {
		password, err := secretString(a.cfg.Password, a.kr)
		if err != nil {
			return nil, fmt.Errorf("sftp password: %w", err)
		}
		methods = append(methods, ssh.Password(password))
	}
	return methods, nil
}

func (a *sftpAction) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if a.cfg.HostKey == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(a.cfg.HostKey))
	if err != nil {
		return nil, fmt.Errorf("parsing pinned host key: %w", err)
	}
	return ssh.FixedHostKey(key), nil
}

func (a *sftpAction) Execute(ctx context.Context, m Material) error {
	methods, err := a.authMethods()
	if err != nil {
		return Permanent(err)
	}
	hostKey, err := a.hostKeyCallback()
	if err != nil {
		return Permanent(err)
	}

	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	dialer := net.Dialer{Timeout: 10 * time.Second}
	tcp, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Transient(fmt.Errorf("connecting to %s: %w", addr, err))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcp, addr, &ssh.ClientConfig{
		User:            a.cfg.Username,
		Auth:            methods,
		HostKeyCallback: hostKey,
		Timeout:         10 * time.Second,
	})
	if err != nil {
		tcp.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return fmt.Errorf("%w: ssh login for %s: %v", ErrAuth, a.cfg.Username, err)
		}
		return Transient(fmt.Errorf("ssh handshake with %s: %w", addr, err))
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return Transient(fmt.Errorf("opening sftp session: %w", err))
	}
	defer sc.Close()

	dir := strings.TrimSuffix(a.cfg.RemoteDir, "/")
	if dir != "" {
		if err := sc.MkdirAll(dir); err != nil {
			return Transient(fmt.Errorf("creating %s: %w", dir, err))
		}
	}

	for remote, data := range uploadSet(m) {
		target := remote
		if dir != "" {
			target = path.Join(dir, remote)
		}
		if err := a.upload(sc, target, data); err != nil {
			return Transient(err)
		}
	}
	return nil
}

// upload writes one remote file and verifies the reported size matches what
// was sent.
func (a *sftpAction) upload(sc *sftp.Client, target string, data []byte) error {
	f, err := sc.Create(target)
	if err != nil {
		return fmt.Errorf("creating %s: %w", target, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", target, err)
	}

	info, err := sc.Stat(target)
	if err != nil {
		return fmt.Errorf("verifying %s: %w", target, err)
	}
	if info.Size() != int64(len(data)) {
		return fmt.Errorf("verifying %s: remote size %d, sent %d", target, info.Size(), len(data))
	}
	return nil
}
