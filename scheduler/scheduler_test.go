package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfairley/certflow/deploy"
	"github.com/mfairley/certflow/internal/testca"
	"github.com/mfairley/certflow/keyring"
	"github.com/mfairley/certflow/store"
)

// storeDriver renews through the real store and records deployments.
type storeDriver struct {
	store *store.Store

	mu        sync.Mutex
	renewed   []string
	deployed  []string
	renewErr  error
	active    int
	maxActive int
	delay     time.Duration
}

func (d *storeDriver) Renew(ctx context.Context, fp string) (*store.Certificate, error) {
	d.mu.Lock()
	d.active++
	if d.active > d.maxActive {
		d.maxActive = d.active
	}
	err := d.renewErr
	d.mu.Unlock()

	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	defer func() {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}()
	if err != nil {
		return nil, err
	}

	cert, rerr := d.store.Renew(ctx, fp, store.RenewOptions{})
	if rerr != nil {
		return nil, rerr
	}
	d.mu.Lock()
	d.renewed = append(d.renewed, fp)
	d.mu.Unlock()
	return cert, nil
}

func (d *storeDriver) Deploy(_ context.Context, cert *store.Certificate, event string) (*deploy.Report, error) {
	d.mu.Lock()
	d.deployed = append(d.deployed, cert.Name+":"+event)
	d.mu.Unlock()
	return &deploy.Report{Fingerprint: cert.Fingerprint, Event: event, Status: deploy.StatusOK}, nil
}

func (d *storeDriver) deployments() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.deployed...)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	kr, _, err := keyring.Open(filepath.Join(dir, "master.key"))
	require.NoError(t, err)
	t.Cleanup(kr.Close)

	s, err := store.Open(store.Options{
		Root:    filepath.Join(dir, "certs"),
		Keyring: kr,
		Issuer:  &testca.Issuer{},
	})
	require.NoError(t, err)
	return s
}

func createLeaf(t *testing.T, s *store.Store, name string, days int, autoRenew bool) *store.Certificate {
	t.Helper()
	ca, err := s.GetByName("Root")
	if err != nil {
		ca, err = s.Create(context.Background(), store.CreateRequest{
			Name:    "Root",
			Type:    store.TypeRootCA,
			Subject: store.Subject{CommonName: "Root"},
			Days:    3650,
		})
		require.NoError(t, err)
	}
	leaf, err := s.Create(context.Background(), store.CreateRequest{
		Name:                  name,
		Type:                  store.TypeServer,
		Subject:               store.Subject{CommonName: name + ".example.com"},
		Domains:               []string{name + ".example.com"},
		Days:                  days,
		IssuerFingerprint:     ca.Fingerprint,
		AutoRenew:             autoRenew,
		RenewDaysBeforeExpiry: 30,
	})
	require.NoError(t, err)
	return leaf
}

func newTestScheduler(t *testing.T, s *store.Store, d Driver) *Scheduler {
	t.Helper()
	sched, err := New(Options{Store: s, Driver: d, Workers: 2})
	require.NoError(t, err)
	return sched
}

func TestShouldRenew(t *testing.T) {
	now := time.Now()
	cert := func(days int, auto bool) *store.Certificate {
		return &store.Certificate{
			Validity: store.Validity{NotAfter: now.AddDate(0, 0, days)},
			Config:   store.Config{AutoRenew: auto, RenewDaysBeforeExpiry: 30},
		}
	}

	assert.True(t, shouldRenew(cert(5, true), now, false))
	assert.True(t, shouldRenew(cert(30, true), now, false))
	assert.False(t, shouldRenew(cert(31, true), now, false))
	assert.False(t, shouldRenew(cert(5, false), now, false))
	assert.True(t, shouldRenew(cert(500, false), now, true))
}

func TestRunNowRenewsExpiringCertificates(t *testing.T) {
	s := newTestStore(t)
	expiring := createLeaf(t, s, "soon", 5, true)
	healthy := createLeaf(t, s, "later", 365, true)

	d := &storeDriver{store: s}
	sched := newTestScheduler(t, s, d)

	n, err := sched.RunNow(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{expiring.Fingerprint}, d.renewed)
	assert.Equal(t, []string{"soon:renewed"}, d.deployments())

	// The store now holds a successor.
	got, err := s.GetByName("soon")
	require.NoError(t, err)
	assert.NotEqual(t, expiring.Fingerprint, got.Fingerprint)

	// The healthy certificate was left alone.
	still, err := s.GetByFingerprint(healthy.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, healthy.Fingerprint, still.Fingerprint)
}

func TestRunNowSkipsAutoRenewDisabled(t *testing.T) {
	s := newTestStore(t)
	createLeaf(t, s, "manual", 5, false)

	d := &storeDriver{store: s}
	sched := newTestScheduler(t, s, d)

	n, err := sched.RunNow(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, d.renewed)
}

func TestRunNowForceAllRenewsEverything(t *testing.T) {
	s := newTestStore(t)
	createLeaf(t, s, "one", 365, false)
	createLeaf(t, s, "two", 365, false)

	d := &storeDriver{store: s}
	sched := newTestScheduler(t, s, d)

	n, err := sched.RunNow(context.Background(), true)
	require.NoError(t, err)
	// Root plus both leaves.
	assert.Equal(t, 3, n)
	assert.Len(t, d.renewed, 3)
}

func TestRunNowBoundsWorkers(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		createLeaf(t, s, name, 5, true)
	}

	d := &storeDriver{store: s, delay: 20 * time.Millisecond}
	sched := newTestScheduler(t, s, d)

	_, err := sched.RunNow(context.Background(), false)
	require.NoError(t, err)
	assert.LessOrEqual(t, d.maxActive, 2)
	assert.Len(t, d.renewed, 5)
}

func TestFailedRenewalRecorded(t *testing.T) {
	s := newTestStore(t)
	leaf := createLeaf(t, s, "broken", 5, true)

	d := &storeDriver{store: s, renewErr: context.DeadlineExceeded}
	sched := newTestScheduler(t, s, d)

	_, err := sched.RunNow(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, StateFailed, sched.StateOf(leaf.Fingerprint))
	st := sched.Status()
	require.Len(t, st.RecentResults, 1)
	assert.Equal(t, "failed", st.RecentResults[0].Outcome)
	assert.NotEmpty(t, st.RecentResults[0].Error)

	// A later tick reconsiders a failed certificate.
	d.mu.Lock()
	d.renewErr = nil
	d.mu.Unlock()
	_, err = sched.RunNow(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, sched.StateOf(leaf.Fingerprint))
}

func TestRescheduleValidation(t *testing.T) {
	s := newTestStore(t)
	sched := newTestScheduler(t, s, &storeDriver{store: s})

	require.NoError(t, sched.Reschedule("*/5 * * * *"))
	assert.Equal(t, "*/5 * * * *", sched.Status().Schedule)

	err := sched.Reschedule("not a cron line")
	assert.ErrorIs(t, err, ErrSchedule)

	_, err = New(Options{Store: s, Driver: &storeDriver{store: s}, Schedule: "61 * * * *"})
	assert.ErrorIs(t, err, ErrSchedule)
}

func TestStatusReportsLastRun(t *testing.T) {
	s := newTestStore(t)
	sched := newTestScheduler(t, s, &storeDriver{store: s})

	before := sched.Status()
	assert.True(t, before.LastRun.IsZero())

	_, err := sched.RunNow(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, sched.Status().LastRun.IsZero())
}
