// Package deploy fans renewed key material out to downstream consumers:
// local copies, reverse-proxy APIs, containers, remote hosts, webhooks and
// email. Actions are tagged variants behind a common Executor capability;
// new action types are added by registering a factory for their tag.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/mfairley/certflow/keyring"
)

// ActionType tags a deployment action variant.
type ActionType string

const (
	TypeCopy          ActionType = "copy"
	TypeNPMUpdate     ActionType = "npm-update"
	TypeDockerRestart ActionType = "docker-restart"
	TypeFTPUpload     ActionType = "ftp-upload"
	TypeSFTPUpload    ActionType = "sftp-upload"
	TypeWebhook       ActionType = "webhook"
	TypeEmail         ActionType = "email"
)

// ErrAuth indicates credentials were rejected even after a refresh. The
// action fails permanently and its credential is flagged for operator
// attention.
var ErrAuth = errors.New("authentication failed")

// RetryPolicy bounds per-action retries.
type RetryPolicy struct {
	MaxAttempts    int `json:"maxAttempts"`
	BackoffSeconds int `json:"backoffSeconds"`
}

const (
	defaultMaxAttempts = 3
	backoffCap         = 60 * time.Second
)

// Action is one configured deployment step of a certificate.
type Action struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Enabled bool            `json:"enabled"`
	Type    ActionType      `json:"type"`
	Order   int             `json:"order"`
	Config  json.RawMessage `json:"config,omitempty"`
	Retry   RetryPolicy     `json:"retryPolicy"`
	// CredentialFlagged is set when the action's stored credential was
	// rejected; operators must update it before the action can succeed.
	CredentialFlagged bool `json:"credentialFlagged,omitempty"`
}

// Material is the snapshot of a certificate handed to every action of one
// pipeline run. It is captured at enqueue time so a concurrent supersession
// cannot swap paths underneath a running pipeline.
type Material struct {
	Fingerprint string
	Name        string

	CertPath  string
	KeyPath   string
	ChainPath string
	PEMPath   string

	CertPEM  []byte
	KeyPEM   []byte
	ChainPEM []byte

	Domains []string
	IPs     []string

	// Event names what triggered the run: "created", "renewed",
	// "watcher-reload" or "manual".
	Event string
}

// Executor runs one action type against deployment material.
type Executor interface {
	Execute(ctx context.Context, m Material) error
}

// Deps carries the shared collaborators executors are built from.
type Deps struct {
	Keyring    *keyring.Keyring
	HTTPClient *http.Client
	Runner     CommandRunner
	Logger     *slog.Logger
	// StoreRoot is the privileged certificate store path; copy targets
	// inside it are rejected.
	StoreRoot string

	npmTokens *tokenCache
}

// CommandRunner abstracts external CLI invocation (docker).
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// Factory builds an Executor for one action from its raw config.
type Factory func(cfg json.RawMessage, deps *Deps) (Executor, error)

var (
	registryMu sync.RWMutex
	registry   = map[ActionType]Factory{}
)

// RegisterAction installs the factory for an action type. Registering an
// already-registered type replaces its factory; tests use this to stub
// executors.
func RegisterAction(t ActionType, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t] = f
}

func newExecutor(a Action, deps *Deps) (Executor, error) {
	registryMu.RLock()
	f, ok := registry[a.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown action type %q", a.Type)
	}
	return f(a.Config, deps)
}

// sortActions orders actions by Order ascending, ties broken by ID.
func sortActions(actions []Action) []Action {
	out := append([]Action(nil), actions...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// transientError marks an error as retryable.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// permanentError marks an error as not worth retrying.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Transient wraps err as retryable (network timeouts, 5xx, expired tokens).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err}
}

// Permanent wraps err as non-retryable (4xx semantics, rejected credentials).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

// retryable reports whether an action error should be retried. Unclassified
// errors are retried; explicit permanent and auth errors are not.
func retryable(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	if errors.Is(err, ErrAuth) {
		return false
	}
	return true
}

func isAuthError(err error) bool {
	return errors.Is(err, ErrAuth)
}
