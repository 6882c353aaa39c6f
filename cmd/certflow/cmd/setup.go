package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mfairley/certflow/activity"
	"github.com/mfairley/certflow/config"
	"github.com/mfairley/certflow/deploy"
	"github.com/mfairley/certflow/engine"
	"github.com/mfairley/certflow/issuer"
	"github.com/mfairley/certflow/keyring"
	"github.com/mfairley/certflow/store"
)

// exit status for an unusable master key: the key file is gone but the
// store still holds wrapped secrets nobody can decrypt.
const exitMasterKeyLost = 2

// runtime bundles the long-lived collaborators a command runs on.
type runtime struct {
	cfg    *config.Settings
	logger *slog.Logger
	kr     *keyring.Keyring
	events *activity.BoltLog
	store  *store.Store
	engine *engine.Engine
}

func newLogger(jsonOutput bool) *slog.Logger {
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// newRuntime loads configuration and opens the keyring, activity log and
// certificate store. It refuses to continue when the master key file was
// freshly created but the store already references wrapped secrets: those
// secrets are unrecoverable under a new key.
func newRuntime() (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.JSONOutput)
	slog.SetDefault(logger)

	kr, created, err := keyring.Open(cfg.MasterKeyPath)
	if err != nil {
		return nil, fmt.Errorf("opening master key: %w", err)
	}

	events, err := activity.OpenBoltLog(cfg.ActivityLogPath, logger)
	if err != nil {
		kr.Close()
		return nil, err
	}

	s, err := store.Open(store.Options{
		Root:    cfg.StoreDir,
		Keyring: kr,
		Issuer:  issuer.NewToolchain(cfg.OpenSSLPath),
		Sink:    events,
		Logger:  logger,
		Defaults: store.Defaults{
			RenewDaysBeforeExpiry: cfg.RenewDaysBeforeExpiry,
			RootCADays:            cfg.CAValidityPeriod.RootCA,
			IntermediateCADays:    cfg.CAValidityPeriod.IntermediateCA,
			StandardDays:          cfg.CAValidityPeriod.Standard,
		},
	})
	if err != nil {
		events.Close()
		kr.Close()
		return nil, fmt.Errorf("opening certificate store: %w", err)
	}

	if created && s.HasHandles() {
		logger.Error("master key file was missing but the store holds encrypted secrets",
			"masterKeyPath", cfg.MasterKeyPath)
		events.Close()
		kr.Close()
		os.Exit(exitMasterKeyLost)
	}

	p := deploy.New(deploy.Deps{
		Keyring:   kr,
		Logger:    logger,
		StoreRoot: s.Root(),
	})
	e := engine.New(engine.Options{
		Store:    s,
		Keyring:  kr,
		Pipeline: p,
		Sink:     events,
		Logger:   logger,
	})

	return &runtime{
		cfg:    cfg,
		logger: logger,
		kr:     kr,
		events: events,
		store:  s,
		engine: e,
	}, nil
}

func (rt *runtime) close() {
	rt.events.Close()
	rt.kr.Close()
}

// backupRetention converts the configured day count to a duration.
func (rt *runtime) backupRetention() time.Duration {
	return time.Duration(rt.cfg.BackupRetention) * 24 * time.Hour
}
