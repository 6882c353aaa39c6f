package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mfairley/certflow/keyring"
)

func init() {
	RegisterAction(TypeNPMUpdate, newNPMAction)
}

// npmConfig targets a Nginx Proxy Manager instance. The password is a
// wrapped secret handle.
type npmConfig struct {
	Host         string          `json:"host"`
	Port         int             `json:"port"`
	HTTPS        bool            `json:"https"`
	Username     string          `json:"username"`
	Password     json.RawMessage `json:"password"`
	TargetCertID int             `json:"targetCertId"`
}

func (c *npmConfig) baseURL() string {
	scheme := "http"
	if c.HTTPS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// tokenCache holds proxy-manager API tokens keyed by endpoint+user, with
// their reported expiry. Shared across pipeline runs.
type tokenCache struct {
	mu     sync.Mutex
	tokens map[string]cachedToken
}

type cachedToken struct {
	token   string
	expires time.Time
}

func newTokenCache() *tokenCache {
	return &tokenCache{tokens: make(map[string]cachedToken)}
}

func (tc *tokenCache) get(key string) (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	t, ok := tc.tokens[key]
	if !ok || time.Now().After(t.expires.Add(-30*time.Second)) {
		return "", false
	}
	return t.token, true
}

func (tc *tokenCache) put(key, token string, expires time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.tokens[key] = cachedToken{token: token, expires: expires}
}

func (tc *tokenCache) drop(key string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	delete(tc.tokens, key)
}

type npmAction struct {
	cfg    npmConfig
	client *http.Client
	kr     *keyring.Keyring
	tokens *tokenCache
}

func newNPMAction(cfg json.RawMessage, deps *Deps) (Executor, error) {
	var c npmConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return nil, fmt.Errorf("npm config: %w", err)
	}
	if c.Host == "" || c.TargetCertID == 0 {
		return nil, fmt.Errorf("npm config: host and targetCertId required")
	}
	if c.Port == 0 {
		c.Port = 81
	}
	return &npmAction{cfg: c, client: deps.HTTPClient, kr: deps.Keyring, tokens: deps.npmTokens}, nil
}

func (a *npmAction) cacheKey() string {
	return a.cfg.baseURL() + "|" + a.cfg.Username
}

func (a *npmAction) Execute(ctx context.Context, m Material) error {
	token, cached := a.tokens.get(a.cacheKey())
	if !cached {
		var err error
		if token, err = a.obtainToken(ctx); err != nil {
			return err
		}
	}

	status, body, err := a.uploadCertificate(ctx, token, m)
	if err != nil {
		return Transient(err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		// Token may have expired server-side; refresh once with stored
		// credentials and try again.
		a.tokens.drop(a.cacheKey())
		if token, err = a.obtainToken(ctx); err != nil {
			return err
		}
		if status, body, err = a.uploadCertificate(ctx, token, m); err != nil {
			return Transient(err)
		}
	}

	switch {
	case status >= 200 && status < 300:
	case status >= 500:
		return Transient(fmt.Errorf("proxy manager returned %d", status))
	default:
		return Permanent(fmt.Errorf("proxy manager returned %d", status))
	}

	// The server echoes the certificate it now holds; when it reports a
	// fingerprint it must match what we deployed.
	var echo struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.Unmarshal(body, &echo); err == nil && echo.Fingerprint != "" && echo.Fingerprint != m.Fingerprint {
		return Permanent(fmt.Errorf("proxy manager reports fingerprint %s, deployed %s", echo.Fingerprint, m.Fingerprint))
	}
	return nil
}

// obtainToken requests a fresh API token and caches it with its expiry.
// A rejected credential fails with ErrAuth.
func (a *npmAction) obtainToken(ctx context.Context) (string, error) {
	password, err := secretString(a.cfg.Password, a.kr)
	if err != nil {
		return "", Permanent(fmt.Errorf("npm password: %w", err))
	}

	reqBody, _ := json.Marshal(map[string]string{
		"identity": a.cfg.Username,
		"secret":   password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.baseURL()+"/api/tokens", bytes.NewReader(reqBody))
	if err != nil {
		return "", Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: proxy manager rejected credentials for %s", ErrAuth, a.cfg.Username)
	case resp.StatusCode >= 500:
		return "", Transient(fmt.Errorf("token endpoint returned %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", Permanent(fmt.Errorf("token endpoint returned %d", resp.StatusCode))
	}

	var tok struct {
		Token   string `json:"token"`
		Expires string `json:"expires"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", Transient(fmt.Errorf("decoding token response: %w", err))
	}
	expires := time.Now().Add(time.Hour)
	if t, err := time.Parse(time.RFC3339, tok.Expires); err == nil {
		expires = t
	}
	a.tokens.put(a.cacheKey(), tok.Token, expires)
	return tok.Token, nil
}

func (a *npmAction) uploadCertificate(ctx context.Context, token string, m Material) (int, []byte, error) {
	reqBody, err := json.Marshal(map[string]string{
		"certificate":              string(m.CertPEM),
		"certificate_key":          string(m.KeyPEM),
		"intermediate_certificate": string(m.ChainPEM),
	})
	if err != nil {
		return 0, nil, err
	}

	url := fmt.Sprintf("%s/api/nginx/certificates/%d", a.cfg.baseURL(), a.cfg.TargetCertID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(reqBody))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, body, nil
}
