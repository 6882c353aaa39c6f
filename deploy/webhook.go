package deploy

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mfairley/certflow/keyring"
)

func init() {
	RegisterAction(TypeWebhook, newWebhookAction)
}

// SignatureHeader carries the hex HMAC-SHA256 of the request body when the
// webhook has a shared secret configured.
const SignatureHeader = "X-Certflow-Signature"

type webhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Secret  json.RawMessage   `json:"secret,omitempty"`
}

// webhookPayload is the JSON body POSTed to the configured endpoint.
type webhookPayload struct {
	Fingerprint string            `json:"fingerprint"`
	Name        string            `json:"name"`
	Event       string            `json:"event"`
	Paths       map[string]string `json:"paths"`
	SANs        struct {
		Domains []string `json:"domains"`
		IPs     []string `json:"ips"`
	} `json:"sans"`
}

type webhookAction struct {
	cfg    webhookConfig
	client *http.Client
	kr     *keyring.Keyring
}

func newWebhookAction(cfg json.RawMessage, deps *Deps) (Executor, error) {
	var c webhookConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return nil, fmt.Errorf("webhook config: %w", err)
	}
	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("webhook config: invalid url %q", c.URL)
	}
	if c.Method == "" {
		c.Method = http.MethodPost
	}
	return &webhookAction{cfg: c, client: deps.HTTPClient, kr: deps.Keyring}, nil
}

func (a *webhookAction) Execute(ctx context.Context, m Material) error {
	payload := webhookPayload{
		Fingerprint: m.Fingerprint,
		Name:        m.Name,
		Event:       m.Event,
		Paths: map[string]string{
			"crt":   m.CertPath,
			"key":   m.KeyPath,
			"chain": m.ChainPath,
		},
	}
	payload.SANs.Domains = m.Domains
	payload.SANs.IPs = m.IPs

	body, err := json.Marshal(payload)
	if err != nil {
		return Permanent(fmt.Errorf("encoding webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, a.cfg.Method, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "certflow-webhook/1.0")
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}

	if len(a.cfg.Secret) > 0 {
		secret, err := secretString(a.cfg.Secret, a.kr)
		if err != nil {
			return Permanent(fmt.Errorf("webhook secret: %w", err))
		}
		if secret != "" {
			mac := hmac.New(sha256.New, []byte(secret))
			mac.Write(body)
			req.Header.Set(SignatureHeader, hex.EncodeToString(mac.Sum(nil)))
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return Transient(fmt.Errorf("webhook returned %d", resp.StatusCode))
	default:
		return Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
}
