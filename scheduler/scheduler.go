// Package scheduler decides when certificates must be renewed and drives
// the renew-and-deploy path: a cron trigger scans periodically, operators
// trigger scans on demand, and a filesystem watcher reacts to external
// changes of the managed material.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mfairley/certflow/deploy"
	"github.com/mfairley/certflow/store"
)

// DefaultSchedule scans daily at midnight.
const DefaultSchedule = "0 0 * * *"

const (
	defaultWorkers      = 2
	defaultShutdownWait = 30 * time.Second
	recentResultsKept   = 20
)

// ErrSchedule indicates an invalid cron expression.
var ErrSchedule = errors.New("invalid schedule")

// Driver performs the renewal and deployment steps on behalf of the
// scheduler, which owns the per-certificate state machine.
type Driver interface {
	Renew(ctx context.Context, fp string) (*store.Certificate, error)
	Deploy(ctx context.Context, cert *store.Certificate, event string) (*deploy.Report, error)
}

// State is one certificate's position in the renewal lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateRenewing  State = "renewing"
	StateDeploying State = "deploying"
	StateFailed    State = "failed"
)

// Result records the outcome of one scheduled renewal.
type Result struct {
	Fingerprint string    `json:"fingerprint"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// Status is the scheduler's externally visible state.
type Status struct {
	Enabled       bool      `json:"enabled"`
	Schedule      string    `json:"schedule"`
	LastRun       time.Time `json:"lastRun,omitzero"`
	NextRun       time.Time `json:"nextRun,omitzero"`
	InFlight      int       `json:"inFlight"`
	RecentResults []Result  `json:"recentResults"`
}

// Options configures a Scheduler.
type Options struct {
	Store  *store.Store
	Driver Driver
	Logger *slog.Logger

	// Schedule is the five-field cron expression of the periodic scan.
	Schedule string
	// Workers bounds concurrent renewals per scan.
	Workers int
	// Enabled starts the cron trigger; a disabled scheduler still serves
	// RunNow and the watcher.
	Enabled bool
	// ShutdownWait bounds how long Stop waits for in-flight work.
	ShutdownWait time.Duration
	// BackupRetention prunes archived material older than this after each
	// scan; zero disables pruning.
	BackupRetention time.Duration
}

// Scheduler owns the renewal state machine and its triggers.
type Scheduler struct {
	store     *store.Store
	driver    Driver
	logger    *slog.Logger
	workers   int
	grace     time.Duration
	retention time.Duration

	mu       sync.Mutex
	cron     *cron.Cron
	entry    cron.EntryID
	schedule string
	enabled  bool
	lastRun  time.Time
	inFlight int
	states   map[string]State
	recent   []Result

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	watcher *Watcher
}

// New builds a Scheduler; Start begins the triggers.
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil || opts.Driver == nil {
		return nil, fmt.Errorf("scheduler requires a store and a driver")
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(opts.Schedule); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrSchedule, opts.Schedule, err)
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.ShutdownWait <= 0 {
		opts.ShutdownWait = defaultShutdownWait
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Scheduler{
		store:     opts.Store,
		driver:    opts.Driver,
		logger:    opts.Logger,
		workers:   opts.Workers,
		grace:     opts.ShutdownWait,
		retention: opts.BackupRetention,
		schedule:  opts.Schedule,
		enabled:   opts.Enabled,
		states:    make(map[string]State),
	}, nil
}

// Start launches the cron trigger. It is not safe to call twice.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	if !s.enabled {
		return nil
	}

	s.cron = cron.New()
	entry, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.RunNow(s.baseCtx, false); err != nil {
			s.logger.Error("scheduled renewal scan", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchedule, err)
	}
	s.entry = entry
	s.cron.Start()
	s.logger.Info("renewal scheduler started", "schedule", s.schedule)
	return nil
}

// Stop halts the triggers and waits up to the shutdown grace for in-flight
// renewals, then cancels them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if s.watcher != nil {
		s.watcher.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.grace):
		s.logger.Warn("shutdown grace elapsed, cancelling in-flight renewals")
		if s.cancel != nil {
			s.cancel()
		}
		<-done
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// Reschedule atomically replaces the cron expression; the next tick uses
// the new schedule.
func (s *Scheduler) Reschedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrSchedule, expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.schedule = expr
	if s.cron == nil {
		return nil
	}
	s.cron.Remove(s.entry)
	entry, err := s.cron.AddFunc(expr, func() {
		if _, err := s.RunNow(s.baseCtx, false); err != nil {
			s.logger.Error("scheduled renewal scan", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchedule, err)
	}
	s.entry = entry
	s.logger.Info("renewal schedule changed", "schedule", expr)
	return nil
}

// shouldRenew is the per-certificate renewal decision.
func shouldRenew(c *store.Certificate, now time.Time, forceAll bool) bool {
	if forceAll {
		return true
	}
	if !c.Config.AutoRenew {
		return false
	}
	days := c.Config.RenewDaysBeforeExpiry
	return !now.AddDate(0, 0, days).Before(c.Validity.NotAfter)
}

// RunNow performs one full scan: every certificate due for renewal is
// renewed and deployed, ascending notAfter first, at most `workers` at a
// time. It returns the number of renewals attempted.
func (s *Scheduler) RunNow(ctx context.Context, forceAll bool) (int, error) {
	now := time.Now()
	candidates := make([]*store.Certificate, 0)
	for _, cert := range s.store.List(store.Filter{}) {
		if shouldRenew(cert, now, forceAll) && s.markScheduled(cert.Fingerprint) {
			candidates = append(candidates, cert)
		}
	}

	s.mu.Lock()
	s.lastRun = now
	s.mu.Unlock()

	if s.retention > 0 {
		if pruned, err := s.store.PruneBackups(s.retention); err != nil {
			s.logger.Warn("pruning expired backups", "error", err)
		} else if pruned > 0 {
			s.logger.Info("pruned expired backups", "count", pruned)
		}
	}

	if len(candidates) == 0 {
		return 0, nil
	}
	s.logger.Info("renewal scan", "due", len(candidates), "forceAll", forceAll)

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	for _, cert := range candidates {
		wg.Add(1)
		s.wg.Add(1)
		sem <- struct{}{}
		go func(cert *store.Certificate) {
			defer func() {
				<-sem
				wg.Done()
				s.wg.Done()
			}()
			s.renewOne(ctx, cert)
		}(cert)
	}
	wg.Wait()
	return len(candidates), nil
}

// markScheduled transitions a certificate from Idle/Failed to Scheduled;
// it refuses certificates already in flight.
func (s *Scheduler) markScheduled(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.states[fp] {
	case StateScheduled, StateRenewing, StateDeploying:
		return false
	}
	s.states[fp] = StateScheduled
	return true
}

func (s *Scheduler) setState(fp string, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st == StateIdle {
		delete(s.states, fp)
	} else {
		s.states[fp] = st
	}
}

// renewOne drives one certificate through Renewing and Deploying back to
// Idle, recording the terminal outcome.
func (s *Scheduler) renewOne(ctx context.Context, cert *store.Certificate) {
	fp := cert.Fingerprint

	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	s.setState(fp, StateRenewing)
	renewed, err := s.driver.Renew(ctx, fp)
	if err != nil {
		s.logger.Error("renewal failed", "fingerprint", fp, "name", cert.Name, "error", err)
		s.setState(fp, StateFailed)
		s.record(Result{Fingerprint: fp, Outcome: "failed", Error: err.Error(), At: time.Now().UTC()})
		return
	}

	s.setState(fp, StateDeploying)
	if _, err := s.driver.Deploy(ctx, renewed, "renewed"); err != nil {
		s.logger.Error("deployment failed", "fingerprint", renewed.Fingerprint, "name", renewed.Name, "error", err)
	}

	s.setState(fp, StateIdle)
	s.record(Result{Fingerprint: renewed.Fingerprint, Outcome: "renewed", At: time.Now().UTC()})
}

func (s *Scheduler) record(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, r)
	if len(s.recent) > recentResultsKept {
		s.recent = s.recent[len(s.recent)-recentResultsKept:]
	}
}

// StateOf returns a certificate's current lifecycle state.
func (s *Scheduler) StateOf(fp string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[fp]; ok {
		return st
	}
	return StateIdle
}

// Status reports the scheduler's externally visible state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Enabled:       s.enabled,
		Schedule:      s.schedule,
		LastRun:       s.lastRun,
		InFlight:      s.inFlight,
		RecentResults: append([]Result(nil), s.recent...),
	}
	if s.cron != nil {
		st.NextRun = s.cron.Entry(s.entry).Next
	}
	return st
}
