package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/mfairley/certflow/keyring"
)

func init() {
	RegisterAction(TypeEmail, newEmailAction)
}

// emailConfig notifies recipients after a renewal, optionally attaching the
// public material. The SMTP password is a wrapped secret handle.
type emailConfig struct {
	Host       string          `json:"host"`
	Port       int             `json:"port"`
	Username   string          `json:"username"`
	Password   json.RawMessage `json:"password"`
	From       string          `json:"from"`
	Recipients []string        `json:"recipients"`
	// AttachCert includes the certificate and chain PEM. The private key
	// is never attached.
	AttachCert bool `json:"attachCert"`
	StartTLS   bool `json:"startTls"`
}

type emailAction struct {
	cfg emailConfig
	kr  *keyring.Keyring
}

func newEmailAction(cfg json.RawMessage, deps *Deps) (Executor, error) {
	var c emailConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return nil, fmt.Errorf("email config: %w", err)
	}
	if c.Host == "" || c.From == "" || len(c.Recipients) == 0 {
		return nil, fmt.Errorf("email config: host, from and recipients required")
	}
	if c.Port == 0 {
		c.Port = 587
	}
	return &emailAction{cfg: c, kr: deps.Keyring}, nil
}

func (a *emailAction) Execute(ctx context.Context, m Material) error {
	msg := mail.NewMsg()
	if err := msg.From(a.cfg.From); err != nil {
		return Permanent(fmt.Errorf("email from address: %w", err))
	}
	if err := msg.To(a.cfg.Recipients...); err != nil {
		return Permanent(fmt.Errorf("email recipients: %w", err))
	}
	msg.Subject(fmt.Sprintf("Certificate %s %s", m.Name, m.Event))
	msg.SetBodyString(mail.TypeTextPlain, a.body(m))

	if a.cfg.AttachCert {
		msg.AttachReader(m.Name+".crt", bytes.NewReader(m.CertPEM))
		if len(m.ChainPEM) > 0 {
			msg.AttachReader(m.Name+".chain.pem", bytes.NewReader(m.ChainPEM))
		}
	}

	client, err := a.client()
	if err != nil {
		return Permanent(err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "auth") {
			return fmt.Errorf("%w: smtp login for %s: %v", ErrAuth, a.cfg.Username, err)
		}
		return Transient(fmt.Errorf("sending notification: %w", err))
	}
	return nil
}

func (a *emailAction) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(a.cfg.Port),
		mail.WithTimeout(smtpActionTimeout),
	}
	if a.cfg.StartTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if a.cfg.Username != "" {
		password, err := secretString(a.cfg.Password, a.kr)
		if err != nil {
			return nil, fmt.Errorf("smtp password: %w", err)
		}
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(a.cfg.Username),
			mail.WithPassword(password),
		)
	}
	client, err := mail.NewClient(a.cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return client, nil
}

func (a *emailAction) body(m Material) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Certificate %q was %s.\n\n", m.Name, m.Event)
	fmt.Fprintf(&b, "Fingerprint: %s\n", m.Fingerprint)
	if len(m.Domains) > 0 {
		fmt.Fprintf(&b, "Domains: %s\n", strings.Join(m.Domains, ", "))
	}
	if len(m.IPs) > 0 {
		fmt.Fprintf(&b, "IP addresses: %s\n", strings.Join(m.IPs, ", "))
	}
	return b.String()
}
