// Package engine composes the store, deployment pipeline, keyring and
// activity log behind the operations the scheduler and the HTTP API drive.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mfairley/certflow/activity"
	"github.com/mfairley/certflow/deploy"
	"github.com/mfairley/certflow/keyring"
	"github.com/mfairley/certflow/scheduler"
	"github.com/mfairley/certflow/store"
)

// Options bundles the collaborators an Engine runs on.
type Options struct {
	Store    *store.Store
	Keyring  *keyring.Keyring
	Pipeline *deploy.Pipeline
	Sink     activity.Sink
	Logger   *slog.Logger
}

// Engine is the lifecycle orchestrator. It satisfies scheduler.Driver so
// the cron scan and the file watcher renew and deploy through the same
// code path as manual API requests.
type Engine struct {
	store    *store.Store
	kr       *keyring.Keyring
	pipeline *deploy.Pipeline
	sink     activity.Sink
	logger   *slog.Logger
}

var _ scheduler.Driver = (*Engine)(nil)

// New builds an Engine. Nil Sink and Logger fields get no-op defaults.
func New(opts Options) *Engine {
	if opts.Sink == nil {
		opts.Sink = activity.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:    opts.Store,
		kr:       opts.Keyring,
		pipeline: opts.Pipeline,
		sink:     opts.Sink,
		logger:   opts.Logger,
	}
}

// Store exposes the certificate store for read paths.
func (e *Engine) Store() *store.Store { return e.store }

// Renew reissues one certificate, applying its idle SANs.
func (e *Engine) Renew(ctx context.Context, fp string) (*store.Certificate, error) {
	return e.store.Renew(ctx, fp, store.RenewOptions{})
}

// Deploy runs the certificate's configured deploy actions and records the
// outcome in the activity log. Credential rejections flag the stored
// credential so the next run surfaces it. The returned report is non-nil
// whenever the pipeline ran; the error is set only when every action
// failed or the material could not be read.
func (e *Engine) Deploy(ctx context.Context, cert *store.Certificate, event string) (*deploy.Report, error) {
	actions := enabledActions(cert.Config.DeployActions)
	if len(actions) == 0 {
		return &deploy.Report{
			Fingerprint: cert.Fingerprint,
			Event:       event,
			Status:      deploy.StatusOK,
		}, nil
	}

	m, err := e.material(cert, event)
	if err != nil {
		return nil, fmt.Errorf("reading deploy material for %s: %w", cert.Name, err)
	}

	report := e.pipeline.Run(ctx, m, cert.Config.DeployActions)
	for _, res := range report.Actions {
		if res.AuthFailure {
			e.store.FlagDeployCredential(cert.Fingerprint, res.ID)
		}
	}

	kind := activity.KindDeploySucceeded
	if report.Status != deploy.StatusOK {
		kind = activity.KindDeployFailed
	}
	e.sink.Emit(kind, report, "engine")

	if report.Status == deploy.StatusFailed {
		return report, fmt.Errorf("all deploy actions failed for %s", cert.Name)
	}
	return report, nil
}

// RenewAndDeploy serves the manual renewal path: reissue, then push the new
// material through the deploy pipeline.
func (e *Engine) RenewAndDeploy(ctx context.Context, fp string, opts store.RenewOptions) (*store.Certificate, *deploy.Report, error) {
	cert, err := e.store.Renew(ctx, fp, opts)
	if err != nil {
		return nil, nil, err
	}
	report, err := e.Deploy(ctx, cert, "renewed")
	if err != nil {
		return cert, report, err
	}
	return cert, report, nil
}

// DeployNow runs the pipeline for one certificate outside a renewal, for
// operator-triggered redeployments.
func (e *Engine) DeployNow(ctx context.Context, fp string) (*deploy.Report, error) {
	cert, err := e.store.GetByFingerprint(fp)
	if err != nil {
		return nil, err
	}
	return e.Deploy(ctx, cert, "manual")
}

// RotateMasterKey installs a fresh master key and rewraps every stored
// secret under it. The store index is persisted under the new key before
// the old key versions are discarded.
func (e *Engine) RotateMasterKey() error {
	if err := e.kr.Rotate(e.store.RewrapHandles); err != nil {
		return fmt.Errorf("rotating master key: %w", err)
	}
	version := e.kr.ActiveVersion()
	e.sink.Emit(activity.KindMasterKeyRotated, map[string]uint32{
		"activeVersion": version,
	}, "engine")
	e.logger.Info("master key rotated", "activeVersion", version)
	return nil
}

// WatcherNotify adapts the activity sink to the watcher's notification
// callback.
func (e *Engine) WatcherNotify(kind string, payload map[string]string) {
	e.sink.Emit(kind, payload, "watcher")
}

// material snapshots the certificate's on-disk PEMs for one pipeline run.
func (e *Engine) material(cert *store.Certificate, event string) (deploy.Material, error) {
	m := deploy.Material{
		Fingerprint: cert.Fingerprint,
		Name:        cert.Name,
		CertPath:    cert.Paths.Crt,
		KeyPath:     cert.Paths.Key,
		ChainPath:   cert.Paths.Chain,
		PEMPath:     cert.Paths.PEM,
		Domains:     cert.SANs.Domains,
		IPs:         cert.SANs.IPs,
		Event:       event,
	}

	var err error
	if m.CertPEM, err = os.ReadFile(cert.Paths.Crt); err != nil {
		return deploy.Material{}, err
	}
	if m.KeyPEM, err = os.ReadFile(cert.Paths.Key); err != nil {
		return deploy.Material{}, err
	}
	if cert.Paths.Chain != "" {
		if m.ChainPEM, err = os.ReadFile(cert.Paths.Chain); err != nil {
			return deploy.Material{}, err
		}
	}
	return m, nil
}

func enabledActions(actions []deploy.Action) []deploy.Action {
	var out []deploy.Action
	for _, a := range actions {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}
