package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfairley/certflow/deploy"
	"github.com/mfairley/certflow/internal/testca"
	"github.com/mfairley/certflow/issuer"
	"github.com/mfairley/certflow/keyring"
)

func newTestStore(t *testing.T) (*Store, *testca.Issuer) {
	t.Helper()
	dir := t.TempDir()
	kr, _, err := keyring.Open(filepath.Join(dir, "master.key"))
	require.NoError(t, err)
	t.Cleanup(kr.Close)

	fake := &testca.Issuer{}
	s, err := Open(Options{
		Root:    filepath.Join(dir, "certs"),
		Keyring: kr,
		Issuer:  fake,
	})
	require.NoError(t, err)
	return s, fake
}

func rootRequest(name string) CreateRequest {
	return CreateRequest{
		Name:    name,
		Type:    TypeRootCA,
		Subject: Subject{CommonName: "Test Root"},
		Days:    3650,
	}
}

func leafRequest(name, issuerFP string, domains ...string) CreateRequest {
	return CreateRequest{
		Name:              name,
		Type:              TypeServer,
		Subject:           Subject{CommonName: domains[0]},
		Domains:           domains,
		Days:              90,
		IssuerFingerprint: issuerFP,
		AutoRenew:         true,
	}
}

func TestCreateRootCA(t *testing.T) {
	s, _ := newTestStore(t)

	cert, err := s.Create(context.Background(), rootRequest("TestRoot"))
	require.NoError(t, err)

	assert.Equal(t, TypeRootCA, cert.Type)
	assert.Empty(t, cert.IssuerFingerprint)
	assert.Len(t, cert.Fingerprint, 64)

	parsed, err := readCertFile(cert.Paths.Crt)
	require.NoError(t, err)
	assert.True(t, parsed.IsCA)
	assert.Equal(t, cert.Fingerprint, issuer.Fingerprint(parsed.Raw))

	all := s.List(Filter{})
	require.Len(t, all, 1)
	assert.Equal(t, "TestRoot", all[0].Name)
}

func TestCreateLeafSignedByCA(t *testing.T) {
	s, _ := newTestStore(t)

	ca, err := s.Create(context.Background(), rootRequest("TestRoot"))
	require.NoError(t, err)

	leaf, err := s.Create(context.Background(), leafRequest("web", ca.Fingerprint, "test.example.com", "www.test.example.com"))
	require.NoError(t, err)

	assert.Equal(t, ca.Fingerprint, leaf.IssuerFingerprint)
	assert.False(t, leaf.Validity.NotAfter.After(ca.Validity.NotAfter))
	assert.ElementsMatch(t, []string{"test.example.com", "www.test.example.com"}, leaf.SANs.Domains)

	parsed, err := readCertFile(leaf.Paths.Crt)
	require.NoError(t, err)
	caParsed, err := readCertFile(ca.Paths.Crt)
	require.NoError(t, err)
	require.NoError(t, parsed.CheckSignatureFrom(caParsed))

	chain, err := os.ReadFile(leaf.Paths.Chain)
	require.NoError(t, err)
	assert.Contains(t, string(chain), "BEGIN CERTIFICATE")
}

func TestCreateNameConflict(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Create(context.Background(), rootRequest("TestRoot"))
	require.NoError(t, err)

	req := rootRequest("TestRoot")
	req.Subject.CommonName = "Another Root"
	_, err = s.Create(context.Background(), req)
	require.ErrorIs(t, err, ErrConflict)
}

func TestCreateValidation(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Create(context.Background(), CreateRequest{Type: TypeRootCA})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = s.Create(context.Background(), CreateRequest{Name: "x", Type: TypeServer, Subject: Subject{CommonName: "x"}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = s.Create(context.Background(), CreateRequest{Name: "x", Type: "banana", Subject: Subject{CommonName: "x"}})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGetByFingerprintAndName(t *testing.T) {
	s, _ := newTestStore(t)

	created, err := s.Create(context.Background(), rootRequest("TestRoot"))
	require.NoError(t, err)

	byFP, err := s.GetByFingerprint(strings.ToUpper(created.Fingerprint))
	require.NoError(t, err)
	assert.Equal(t, created.Fingerprint, byFP.Fingerprint)

	byName, err := s.GetByName("TestRoot")
	require.NoError(t, err)
	assert.Equal(t, created.Fingerprint, byName.Fingerprint)

	_, err = s.GetByFingerprint("doesnotexist")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetByName("doesnotexist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRenewAppliesIdleSANs(t *testing.T) {
	s, _ := newTestStore(t)

	ca, err := s.Create(context.Background(), rootRequest("TestRoot"))
	require.NoError(t, err)
	leaf, err := s.Create(context.Background(), leafRequest("web", ca.Fingerprint, "test.example.com", "www.test.example.com"))
	require.NoError(t, err)

	_, err = s.AddSAN(leaf.Fingerprint, "api.example.com", SANIdle)
	require.NoError(t, err)

	renewed, err := s.Renew(context.Background(), leaf.Fingerprint, RenewOptions{})
	require.NoError(t, err)

	assert.NotEqual(t, leaf.Fingerprint, renewed.Fingerprint)
	assert.ElementsMatch(t,
		[]string{"test.example.com", "www.test.example.com", "api.example.com"},
		renewed.SANs.Domains)
	assert.Empty(t, renewed.SANs.IdleDomains)

	require.Len(t, renewed.PreviousVersions, 1)
	assert.Equal(t, leaf.Fingerprint, renewed.PreviousVersions[0].Fingerprint)
	// The superseded material was archived, not deleted.
	_, err = os.Stat(renewed.PreviousVersions[0].Paths.Crt)
	assert.NoError(t, err)

	// The issued certificate carries the new SAN.
	parsed, err := readCertFile(renewed.Paths.Crt)
	require.NoError(t, err)
	assert.Contains(t, parsed.DNSNames, "api.example.com")

	_, err = s.GetByFingerprint(leaf.Fingerprint)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentRenewalsCoalesce(t *testing.T) {
	s, fake := newTestStore(t)

	ca, err := s.Create(context.Background(), rootRequest("TestRoot"))
	require.NoError(t, err)
	leaf, err := s.Create(context.Background(), leafRequest("web", ca.Fingerprint, "test.example.com"))
	require.NoError(t, err)
	issuedBefore := fake.Issued

	const n = 8
	results := make([]*Certificate, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Renew(context.Background(), leaf.Fingerprint, RenewOptions{})
		}(i)
	}
	wg.Wait()

	var fp string
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if fp == "" {
			fp = results[i].Fingerprint
		}
		assert.Equal(t, fp, results[i].Fingerprint)
	}
	// One issuance total: concurrent callers coalesced onto the in-flight
	// renewal, and stragglers received the successor.
	assert.Equal(t, 1, fake.Issued-issuedBefore)
}

func TestAddRemoveSAN(t *testing.T) {
	s, _ := newTestStore(t)

	ca, err := s.Create(context.Background(), rootRequest("TestRoot"))
	require.NoError(t, err)
	leaf, err := s.Create(context.Background(), leafRequest("web", ca.Fingerprint, "test.example.com"))
	require.NoError(t, err)

	updated, err := s.AddSAN(leaf.Fingerprint, "api.example.com", SANIdle)
	require.NoError(t, err)
	assert.Equal(t, []string{"api.example.com"}, updated.SANs.IdleDomains)

	// Idle and active sets stay disjoint.
	_, err = s.AddSAN(leaf.Fingerprint, "api.example.com", SANActive)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = s.AddSAN(leaf.Fingerprint, "test.example.com", SANIdle)
	assert.ErrorIs(t, err, ErrValidation)

	updated, err = s.AddSAN(leaf.Fingerprint, "10.0.0.1", SANIdle)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1"}, updated.SANs.IdleIPs)

	_, err = s.AddSAN(leaf.Fingerprint, "not a domain!", SANIdle)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = s.AddSAN(leaf.Fingerprint, "*.in.the.middle.*.bad", SANIdle)
	assert.ErrorIs(t, err, ErrValidation)

	updated, err = s.RemoveSAN(leaf.Fingerprint, "api.example.com")
	require.NoError(t, err)
	assert.Empty(t, updated.SANs.IdleDomains)

	_, err = s.RemoveSAN(leaf.Fingerprint, "gone.example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateConfigPatch(t *testing.T) {
	s, _ := newTestStore(t)

	cert, err := s.Create(context.Background(), rootRequest("TestRoot"))
	require.NoError(t, err)

	autoRenew := true
	days := 45
	updated, err := s.UpdateConfig(cert.Fingerprint, ConfigPatch{
		AutoRenew:             &autoRenew,
		RenewDaysBeforeExpiry: &days,
	})
	require.NoError(t, err)
	assert.True(t, updated.Config.AutoRenew)
	assert.Equal(t, 45, updated.Config.RenewDaysBeforeExpiry)

	// Untouched fields survive.
	assert.Equal(t, cert.Name, updated.Name)
	assert.Equal(t, cert.Validity, updated.Validity)
	assert.Equal(t, cert.Config.BackupOnRenew, updated.Config.BackupOnRenew)

	read, err := s.GetByFingerprint(cert.Fingerprint)
	require.NoError(t, err)
	assert.True(t, read.Config.AutoRenew)
	assert.Equal(t, 45, read.Config.RenewDaysBeforeExpiry)

	bad := 0
	_, err = s.UpdateConfig(cert.Fingerprint, ConfigPatch{RenewDaysBeforeExpiry: &bad})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUpdateConfigSealsActionSecrets(t *testing.T) {
	s, _ := newTestStore(t)

	cert, err := s.Create(context.Background(), rootRequest("TestRoot"))
	require.NoError(t, err)

	actions := []deploy.Action{{
		Name:    "proxy",
		Enabled: true,
		Type:    deploy.TypeNPMUpdate,
		Config:  json.RawMessage(`{"host":"npm.local","targetCertId":3,"password":"hunter2"}`),
	}}
	updated, err := s.UpdateConfig(cert.Fingerprint, ConfigPatch{DeployActions: &actions})
	require.NoError(t, err)

	require.Len(t, updated.Config.DeployActions, 1)
	a := updated.Config.DeployActions[0]
	assert.NotEmpty(t, a.ID)

	var cfg map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(a.Config, &cfg))
	var h keyring.Handle
	require.NoError(t, json.Unmarshal(cfg["password"], &h))
	assert.False(t, h.IsZero())

	// The index on disk never holds the plaintext.
	raw, err := os.ReadFile(s.indexPath)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")

	// Writing the mask back keeps the stored handle.
	masked := updated.Config.DeployActions
	masked[0].Config = json.RawMessage(`{"host":"npm.local","targetCertId":3,"password":"` + deploy.SecretMask + `"}`)
	again, err := s.UpdateConfig(cert.Fingerprint, ConfigPatch{DeployActions: &masked})
	require.NoError(t, err)
	var cfg2 map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(again.Config.DeployActions[0].Config, &cfg2))
	var h2 keyring.Handle
	require.NoError(t, json.Unmarshal(cfg2["password"], &h2))
	assert.Equal(t, h, h2)
}

func TestDeleteRules(t *testing.T) {
	s, _ := newTestStore(t)

	ca, err := s.Create(context.Background(), rootRequest("TestRoot"))
	require.NoError(t, err)
	leaf, err := s.Create(context.Background(), leafRequest("web", ca.Fingerprint, "test.example.com"))
	require.NoError(t, err)

	// A CA that still signs a live certificate cannot go.
	err = s.Delete(ca.Fingerprint)
	assert.ErrorIs(t, err, ErrInUse)

	require.NoError(t, s.Delete(leaf.Fingerprint))
	_, err = s.GetByFingerprint(leaf.Fingerprint)
	assert.ErrorIs(t, err, ErrNotFound)

	// Material was archived, not destroyed.
	entries, err := os.ReadDir(filepath.Join(s.root, archiveDir))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	require.NoError(t, s.Delete(ca.Fingerprint))
	assert.Empty(t, s.List(Filter{}))

	err = s.Delete(ca.Fingerprint)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIndexSurvivesReopen(t *testing.T) {
	s, _ := newTestStore(t)

	cert, err := s.Create(context.Background(), rootRequest("TestRoot"))
	require.NoError(t, err)

	reopened, err := Open(Options{Root: s.root, Keyring: s.kr, Issuer: s.issuer})
	require.NoError(t, err)

	got, err := reopened.GetByFingerprint(cert.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, cert.Name, got.Name)
	assert.Equal(t, cert.Paths, got.Paths)
}

func TestUnknownIndexFieldsRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	cert, err := s.Create(context.Background(), rootRequest("TestRoot"))
	require.NoError(t, err)

	// Simulate an index written by a newer build.
	raw, err := os.ReadFile(s.indexPath)
	require.NoError(t, err)
	var idx map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &idx))
	idx[cert.Fingerprint]["futureField"] = json.RawMessage(`{"keep":"me"}`)
	patched, err := json.Marshal(idx)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.indexPath, patched, 0o600))

	reopened, err := Open(Options{Root: s.root, Keyring: s.kr, Issuer: s.issuer})
	require.NoError(t, err)

	// A mutation rewrites the index; the unknown field must survive.
	auto := true
	_, err = reopened.UpdateConfig(cert.Fingerprint, ConfigPatch{AutoRenew: &auto})
	require.NoError(t, err)

	raw, err = os.ReadFile(reopened.indexPath)
	require.NoError(t, err)
	var after map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &after))
	assert.JSONEq(t, `{"keep":"me"}`, string(after[cert.Fingerprint]["futureField"]))
}

func TestFingerprintReconciledOnRead(t *testing.T) {
	s, _ := newTestStore(t)

	ca, err := s.Create(context.Background(), rootRequest("TestRoot"))
	require.NoError(t, err)

	// Externally overwrite the certificate file with a different cert.
	other, err := testca.NewRootCA("Test Root", 24*time.Hour)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ca.Paths.Crt, other.CertPEM, 0o644))

	got, err := s.GetByName("TestRoot")
	require.NoError(t, err)
	assert.Equal(t, issuer.Fingerprint(other.Cert.Raw), got.Fingerprint)
	require.Len(t, got.PreviousVersions, 1)
	assert.Equal(t, ca.Fingerprint, got.PreviousVersions[0].Fingerprint)

	_, err = s.GetByFingerprint(ca.Fingerprint)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshFromDisk(t *testing.T) {
	s, _ := newTestStore(t)

	ca, err := s.Create(context.Background(), rootRequest("TestRoot"))
	require.NoError(t, err)

	// A foreign certificate directory appears.
	foreign, err := testca.NewRootCA("Foundling", 24*time.Hour)
	require.NoError(t, err)
	dir := filepath.Join(s.root, "foundling-cert")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, certFileName), foreign.CertPEM, 0o644))

	// A managed certificate's material vanishes.
	require.NoError(t, os.Remove(ca.Paths.Crt))

	res, err := s.RefreshFromDisk()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Missing)

	adopted, err := s.GetByName("Foundling")
	require.NoError(t, err)
	assert.Equal(t, TypeRootCA, adopted.Type)
	assert.Equal(t, issuer.Fingerprint(foreign.Cert.Raw), adopted.Fingerprint)

	s.mu.Lock()
	assert.True(t, s.certs[ca.Fingerprint].Missing)
	s.mu.Unlock()
}

func TestMasterKeyRotationRewrapsStore(t *testing.T) {
	s, _ := newTestStore(t)

	ca, err := s.Create(context.Background(), rootRequest("TestRoot"))
	require.NoError(t, err)

	var leaves []*Certificate
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		req := leafRequest(name, ca.Fingerprint, name+".example.com")
		req.EncryptKey = true
		leaf, err := s.Create(context.Background(), req)
		require.NoError(t, err)
		require.NotNil(t, leaf.Passphrase)
		leaves = append(leaves, leaf)
	}

	plaintexts := make(map[string][]byte)
	for _, leaf := range leaves {
		p, err := s.kr.Unwrap(*leaf.Passphrase)
		require.NoError(t, err)
		plaintexts[leaf.Fingerprint] = p
	}

	require.NoError(t, s.kr.Rotate(s.RewrapHandles))

	for _, leaf := range leaves {
		got, err := s.GetByFingerprint(leaf.Fingerprint)
		require.NoError(t, err)
		require.NotNil(t, got.Passphrase)
		assert.Equal(t, uint32(2), got.Passphrase.KeyVersion)
		p, err := s.kr.Unwrap(*got.Passphrase)
		require.NoError(t, err)
		assert.Equal(t, plaintexts[leaf.Fingerprint], p)
	}
}

func TestMasterKeyRotationDuringConfigUpdates(t *testing.T) {
	// UpdateConfig wraps plaintext secrets through the keyring while holding
	// the store lock; RewrapHandles takes the store lock from inside a
	// rotation. The two must be free to run concurrently.
	s, _ := newTestStore(t)

	cert, err := s.Create(context.Background(), rootRequest("TestRoot"))
	require.NoError(t, err)

	const rounds = 50
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			actions := []deploy.Action{{
				Name:    "proxy",
				Enabled: true,
				Type:    deploy.TypeNPMUpdate,
				Config:  json.RawMessage(`{"host":"npm.local","targetCertId":3,"password":"hunter2"}`),
			}}
			if _, err := s.UpdateConfig(cert.Fingerprint, ConfigPatch{DeployActions: &actions}); err != nil {
				errs <- err
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if err := s.kr.Rotate(s.RewrapHandles); err != nil {
				errs <- err
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Minute):
		t.Fatal("config update and key rotation deadlocked")
	}
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Whatever interleaving won, the stored secret still unwraps.
	got, err := s.GetByFingerprint(cert.Fingerprint)
	require.NoError(t, err)
	require.Len(t, got.Config.DeployActions, 1)
	var cfg map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(got.Config.DeployActions[0].Config, &cfg))
	var h keyring.Handle
	require.NoError(t, json.Unmarshal(cfg["password"], &h))
	p, err := s.kr.Unwrap(h)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(p))
}

func TestHasHandles(t *testing.T) {
	s, _ := newTestStore(t)
	assert.False(t, s.HasHandles())

	req := rootRequest("TestRoot")
	req.EncryptKey = true
	_, err := s.Create(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, s.HasHandles())
}

func TestListFilters(t *testing.T) {
	s, _ := newTestStore(t)

	ca, err := s.Create(context.Background(), rootRequest("TestRoot"))
	require.NoError(t, err)
	shortReq := leafRequest("short", ca.Fingerprint, "short.example.com")
	shortReq.Days = 5
	_, err = s.Create(context.Background(), shortReq)
	require.NoError(t, err)
	longReq := leafRequest("long", ca.Fingerprint, "long.example.com")
	longReq.Days = 900
	_, err = s.Create(context.Background(), longReq)
	require.NoError(t, err)

	cas := s.List(Filter{Type: TypeRootCA})
	require.Len(t, cas, 1)
	assert.Equal(t, "TestRoot", cas[0].Name)

	expiring := s.List(Filter{ExpiringWithin: 30 * 24 * time.Hour})
	require.Len(t, expiring, 1)
	assert.Equal(t, "short", expiring[0].Name)

	all := s.List(Filter{})
	require.Len(t, all, 3)
	// Ascending notAfter.
	assert.Equal(t, "short", all[0].Name)
	assert.Equal(t, "long", all[2].Name)
}
