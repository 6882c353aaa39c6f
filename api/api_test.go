package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfairley/certflow/activity"
	"github.com/mfairley/certflow/api"
	"github.com/mfairley/certflow/deploy"
	"github.com/mfairley/certflow/engine"
	"github.com/mfairley/certflow/internal/testca"
	"github.com/mfairley/certflow/keyring"
	"github.com/mfairley/certflow/scheduler"
	"github.com/mfairley/certflow/store"
)

type fixture struct {
	server *httptest.Server
	store  *store.Store
	engine *engine.Engine
}

func setupServer(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	kr, _, err := keyring.Open(filepath.Join(dir, "master.key"))
	require.NoError(t, err)
	t.Cleanup(kr.Close)

	events, err := activity.OpenBoltLog(filepath.Join(dir, "activity.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })

	s, err := store.Open(store.Options{
		Root:    filepath.Join(dir, "certs"),
		Keyring: kr,
		Issuer:  &testca.Issuer{},
		Sink:    events,
	})
	require.NoError(t, err)

	p := deploy.New(deploy.Deps{Keyring: kr, StoreRoot: s.Root()})
	e := engine.New(engine.Options{Store: s, Keyring: kr, Pipeline: p, Sink: events})

	sched, err := scheduler.New(scheduler.Options{Store: s, Driver: e})
	require.NoError(t, err)

	a := api.New(e, api.WithScheduler(sched), api.WithActivityLog(events))
	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &fixture{server: srv, store: s, engine: e}
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func createRoot(t *testing.T, f *fixture) map[string]any {
	t.Helper()
	resp := doJSON(t, http.MethodPost, f.server.URL+"/api/v1/certificates", map[string]any{
		"name":    "Root CA",
		"type":    "rootCA",
		"subject": map[string]string{"commonName": "Root CA"},
		"days":    3650,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var cert map[string]any
	decodeInto(t, resp, &cert)
	return cert
}

func createLeaf(t *testing.T, f *fixture, name, issuerFP string) map[string]any {
	t.Helper()
	resp := doJSON(t, http.MethodPost, f.server.URL+"/api/v1/certificates", map[string]any{
		"name":              name,
		"type":              "server",
		"subject":           map[string]string{"commonName": name + ".example.com"},
		"domains":           []string{name + ".example.com"},
		"days":              365,
		"issuerFingerprint": issuerFP,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var cert map[string]any
	decodeInto(t, resp, &cert)
	return cert
}

func TestCertificateLifecycle(t *testing.T) {
	f := setupServer(t)
	base := f.server.URL + "/api/v1"

	root := createRoot(t, f)
	rootFP := root["fingerprint"].(string)
	require.NotEmpty(t, rootFP)

	leaf := createLeaf(t, f, "web", rootFP)
	leafFP := leaf["fingerprint"].(string)

	// List shows both.
	resp := doJSON(t, http.MethodGet, base+"/certificates", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Certificates []map[string]any `json:"certificates"`
	}
	decodeInto(t, resp, &list)
	assert.Len(t, list.Certificates, 2)

	// Lookup works by fingerprint and by name.
	resp = doJSON(t, http.MethodGet, base+"/certificates/"+leafFP, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = doJSON(t, http.MethodGet, base+"/certificates/web", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// A CA with live children refuses deletion.
	resp = doJSON(t, http.MethodDelete, base+"/certificates/"+rootFP, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, base+"/certificates/"+leafFP, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, base+"/certificates/"+leafFP, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateValidation(t *testing.T) {
	f := setupServer(t)
	base := f.server.URL + "/api/v1"

	resp := doJSON(t, http.MethodPost, base+"/certificates", map[string]any{
		"name": "bad",
		"type": "nonsense",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errResp map[string]string
	decodeInto(t, resp, &errResp)
	assert.NotEmpty(t, errResp["error"])
}

func TestRenewEndpoint(t *testing.T) {
	f := setupServer(t)
	base := f.server.URL + "/api/v1"

	root := createRoot(t, f)
	leaf := createLeaf(t, f, "api", root["fingerprint"].(string))
	leafFP := leaf["fingerprint"].(string)

	resp := doJSON(t, http.MethodPost, base+"/certificates/"+leafFP+"/renew", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var renewed struct {
		Certificate map[string]any `json:"certificate"`
	}
	decodeInto(t, resp, &renewed)

	newFP := renewed.Certificate["fingerprint"].(string)
	assert.NotEqual(t, leafFP, newFP)
	assert.NotEmpty(t, renewed.Certificate["previousVersions"])
}

func TestSANEndpoints(t *testing.T) {
	f := setupServer(t)
	base := f.server.URL + "/api/v1"

	root := createRoot(t, f)
	leaf := createLeaf(t, f, "mail", root["fingerprint"].(string))
	fp := leaf["fingerprint"].(string)

	resp := doJSON(t, http.MethodPost, base+"/certificates/"+fp+"/sans", map[string]string{
		"entry": "smtp.example.com",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cert map[string]any
	decodeInto(t, resp, &cert)
	sans := cert["sans"].(map[string]any)
	assert.Contains(t, sans["idleDomains"], "smtp.example.com")

	// Duplicates are rejected across active and idle sets.
	resp = doJSON(t, http.MethodPost, base+"/certificates/"+fp+"/sans", map[string]string{
		"entry": "mail.example.com",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, base+"/certificates/"+fp+"/sans/smtp.example.com", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, base+"/certificates/"+fp+"/sans/gone.example.com", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestConfigPatchMasksSecrets(t *testing.T) {
	f := setupServer(t)
	base := f.server.URL + "/api/v1"

	root := createRoot(t, f)
	leaf := createLeaf(t, f, "proxy", root["fingerprint"].(string))
	fp := leaf["fingerprint"].(string)

	resp := doJSON(t, http.MethodPatch, base+"/certificates/"+fp+"/config", map[string]any{
		"deployActions": []map[string]any{{
			"name":    "notify",
			"enabled": true,
			"type":    "webhook",
			"config":  map[string]any{"url": "https://deploy.example.com/hook", "secret": "hunter2"},
		}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cert map[string]any
	decodeInto(t, resp, &cert)

	actions := cert["config"].(map[string]any)["deployActions"].([]any)
	require.Len(t, actions, 1)
	cfg := actions[0].(map[string]any)["config"].(map[string]any)
	assert.Equal(t, deploy.SecretMask, cfg["secret"])
	assert.Equal(t, "https://deploy.example.com/hook", cfg["url"])

	// The plaintext never comes back on later reads either.
	resp = doJSON(t, http.MethodGet, base+"/certificates/"+fp, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeInto(t, resp, &cert)
	actions = cert["config"].(map[string]any)["deployActions"].([]any)
	cfg = actions[0].(map[string]any)["config"].(map[string]any)
	assert.Equal(t, deploy.SecretMask, cfg["secret"])
}

func TestSchedulerEndpoints(t *testing.T) {
	f := setupServer(t)
	base := f.server.URL + "/api/v1"

	resp := doJSON(t, http.MethodGet, base+"/scheduler", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]any
	decodeInto(t, resp, &status)
	assert.Equal(t, "0 0 * * *", status["schedule"])

	resp = doJSON(t, http.MethodPut, base+"/scheduler/schedule", map[string]string{
		"schedule": "61 * * * *",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPut, base+"/scheduler/schedule", map[string]string{
		"schedule": "0 */6 * * *",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeInto(t, resp, &status)
	assert.Equal(t, "0 */6 * * *", status["schedule"])

	resp = doJSON(t, http.MethodPost, base+"/scheduler/run", map[string]bool{"forceAll": false})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
}

func TestSchedulerUnavailable(t *testing.T) {
	f := setupServer(t)

	// An API without a scheduler rejects control calls.
	a := api.New(f.engine)
	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/scheduler", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestRotateKeyEndpoint(t *testing.T) {
	f := setupServer(t)
	base := f.server.URL + "/api/v1"

	createRoot(t, f)
	resp := doJSON(t, http.MethodPost, base+"/system/rotate-key", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rotated map[string]bool
	decodeInto(t, resp, &rotated)
	assert.True(t, rotated["rotated"])
}

func TestActivityEndpoint(t *testing.T) {
	f := setupServer(t)
	base := f.server.URL + "/api/v1"

	createRoot(t, f)

	resp := doJSON(t, http.MethodGet, base+"/activity", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []map[string]any
	decodeInto(t, resp, &events)
	require.NotEmpty(t, events)
	assert.Equal(t, "certificate-created", events[0]["kind"])

	resp = doJSON(t, http.MethodGet, base+"/activity?limit=junk", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
