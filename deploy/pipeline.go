package deploy

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Per-action deadlines. SMTP servers get a tighter budget than general
// network targets.
const (
	networkActionTimeout = 30 * time.Second
	smtpActionTimeout    = 15 * time.Second
)

// Outcome of one action after all retries.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Report status values.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// ActionResult records the terminal state of one action in a run.
type ActionResult struct {
	ID       string     `json:"id"`
	Type     ActionType `json:"type"`
	Name     string     `json:"name"`
	Attempts int        `json:"attempts"`
	Outcome  string     `json:"outcome"`
	Error    string     `json:"error,omitempty"`
	// AuthFailure marks a credential rejection so the caller can flag the
	// stored credential.
	AuthFailure bool `json:"authFailure,omitempty"`
}

// Report is the result of one pipeline execution.
type Report struct {
	ID          string         `json:"id"`
	Fingerprint string         `json:"fingerprint"`
	Event       string         `json:"event"`
	StartedAt   time.Time      `json:"startedAt"`
	EndedAt     time.Time      `json:"endedAt"`
	Status      string         `json:"status"`
	Actions     []ActionResult `json:"actions"`
}

// Pipeline executes a certificate's deploy actions in declared order with
// per-action retry and failure isolation. Runs for the same certificate are
// serialized; independent certificates may run concurrently.
type Pipeline struct {
	deps  Deps
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	perCert map[string]*sync.Mutex
}

// New builds a Pipeline. Zero-value Deps fields are given working defaults.
func New(deps Deps) *Pipeline {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: networkActionTimeout}
	}
	if deps.Runner == nil {
		deps.Runner = execRunner{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.npmTokens = newTokenCache()
	return &Pipeline{
		deps:    deps,
		sleep:   sleepCtx,
		perCert: make(map[string]*sync.Mutex),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// certLock returns the per-certificate mutex, keyed by name so a renewal's
// pipeline and a superseded fingerprint's pipeline cannot interleave.
func (p *Pipeline) certLock(name string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.perCert[name]
	if !ok {
		l = &sync.Mutex{}
		p.perCert[name] = l
	}
	return l
}

// Run executes every enabled action against the material and returns one
// report with exactly one entry per enabled action, in order. A failing
// action never aborts the ones after it.
func (p *Pipeline) Run(ctx context.Context, m Material, actions []Action) *Report {
	lock := p.certLock(m.Name)
	lock.Lock()
	defer lock.Unlock()

	report := &Report{
		ID:          uuid.NewString(),
		Fingerprint: m.Fingerprint,
		Event:       m.Event,
		StartedAt:   time.Now().UTC(),
	}

	succeeded, failed := 0, 0
	for _, a := range sortActions(actions) {
		if !a.Enabled {
			continue
		}
		res := p.runAction(ctx, a, m)
		report.Actions = append(report.Actions, res)
		if res.Outcome == OutcomeSuccess {
			succeeded++
		} else {
			failed++
		}
	}
	report.EndedAt = time.Now().UTC()

	switch {
	case failed == 0:
		report.Status = StatusOK
	case succeeded == 0:
		report.Status = StatusFailed
	default:
		report.Status = StatusPartial
	}

	p.deps.Logger.Info("deployment finished",
		"fingerprint", m.Fingerprint,
		"name", m.Name,
		"status", report.Status,
		"actions", len(report.Actions))
	return report
}

// runAction drives one action to a terminal state: success, or failure
// after retries are exhausted. The last error is the reported outcome.
func (p *Pipeline) runAction(ctx context.Context, a Action, m Material) ActionResult {
	res := ActionResult{ID: a.ID, Type: a.Type, Name: a.Name}

	exec, err := newExecutor(a, &p.deps)
	if err != nil {
		res.Attempts = 1
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res
	}

	maxAttempts := a.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := time.Duration(a.Retry.BackoffSeconds) * time.Second
	if backoff <= 0 {
		backoff = time.Second
	}

	timeout := networkActionTimeout
	if a.Type == TypeEmail {
		timeout = smtpActionTimeout
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		if attempt > 1 {
			if err := p.sleep(ctx, backoff); err != nil {
				lastErr = err
				break
			}
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
		}

		actionCtx, cancel := context.WithTimeout(ctx, timeout)
		lastErr = exec.Execute(actionCtx, m)
		cancel()

		if lastErr == nil {
			res.Outcome = OutcomeSuccess
			return res
		}
		p.deps.Logger.Warn("deploy action failed",
			"action", a.Name,
			"type", string(a.Type),
			"attempt", attempt,
			"error", lastErr)
		if !retryable(lastErr) {
			break
		}
	}

	res.Outcome = OutcomeFailed
	if lastErr != nil {
		res.Error = lastErr.Error()
		res.AuthFailure = isAuthError(lastErr)
	}
	return res
}
