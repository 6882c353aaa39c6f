package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mfairley/certflow/store"
)

// ListCertificates handles GET /certificates. Optional query parameters:
// type, name and expiringWithinDays.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	f := store.Filter{
		Type: store.Type(r.URL.Query().Get("type")),
		Name: r.URL.Query().Get("name"),
	}
	if raw := r.URL.Query().Get("expiringWithinDays"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days < 0 {
			writeError(w, http.StatusBadRequest, "expiringWithinDays must be a non-negative integer")
			return
		}
		f.ExpiringWithin = time.Duration(days) * 24 * time.Hour
	}

	certs := a.engine.Store().List(f)
	writeJSON(w, http.StatusOK, ListCertificatesResponse{
		Certificates: toCertificateResponses(certs),
	})
}

// CreateCertificate handles POST /certificates.
func (a *API) CreateCertificate(w http.ResponseWriter, r *http.Request) {
	var req store.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cert, err := a.engine.Store().Create(r.Context(), req)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCertificateResponse(cert))
}

// GetCertificate handles GET /certificates/{fingerprint}. A certificate
// name is accepted in place of the fingerprint.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := a.lookup(chi.URLParam(r, "fingerprint"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCertificateResponse(cert))
}

// DeleteCertificate handles DELETE /certificates/{fingerprint}.
func (a *API) DeleteCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := a.lookup(chi.URLParam(r, "fingerprint"))
	if err != nil {
		mapError(w, err)
		return
	}
	if err := a.engine.Store().Delete(cert.Fingerprint); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RenewCertificate handles POST /certificates/{fingerprint}/renew. The new
// material is pushed through the certificate's deploy actions.
func (a *API) RenewCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := a.lookup(chi.URLParam(r, "fingerprint"))
	if err != nil {
		mapError(w, err)
		return
	}

	var req RenewRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	renewed, report, err := a.engine.RenewAndDeploy(r.Context(), cert.Fingerprint,
		store.RenewOptions{SkipIdle: req.SkipIdle})
	if err != nil && renewed == nil {
		mapError(w, err)
		return
	}
	// A failed deployment does not undo the renewal; report both.
	writeJSON(w, http.StatusOK, RenewResponse{
		Certificate: toCertificateResponse(renewed),
		Report:      report,
	})
}

// DeployCertificate handles POST /certificates/{fingerprint}/deploy.
func (a *API) DeployCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := a.lookup(chi.URLParam(r, "fingerprint"))
	if err != nil {
		mapError(w, err)
		return
	}
	report, err := a.engine.DeployNow(r.Context(), cert.Fingerprint)
	if err != nil && report == nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// UpdateCertificateConfig handles PATCH /certificates/{fingerprint}/config.
// Deploy-action secrets may arrive as plaintext (wrapped before storage),
// as the mask (stored handle kept) or empty (cleared).
func (a *API) UpdateCertificateConfig(w http.ResponseWriter, r *http.Request) {
	cert, err := a.lookup(chi.URLParam(r, "fingerprint"))
	if err != nil {
		mapError(w, err)
		return
	}

	var patch store.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	updated, err := a.engine.Store().UpdateConfig(cert.Fingerprint, patch)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCertificateResponse(updated))
}

// AddSAN handles POST /certificates/{fingerprint}/sans.
func (a *API) AddSAN(w http.ResponseWriter, r *http.Request) {
	cert, err := a.lookup(chi.URLParam(r, "fingerprint"))
	if err != nil {
		mapError(w, err)
		return
	}

	var req AddSANRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Mode == "" {
		req.Mode = store.SANIdle
	}

	updated, err := a.engine.Store().AddSAN(cert.Fingerprint, req.Entry, req.Mode)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCertificateResponse(updated))
}

// RemoveSAN handles DELETE /certificates/{fingerprint}/sans/{entry}.
func (a *API) RemoveSAN(w http.ResponseWriter, r *http.Request) {
	cert, err := a.lookup(chi.URLParam(r, "fingerprint"))
	if err != nil {
		mapError(w, err)
		return
	}

	updated, err := a.engine.Store().RemoveSAN(cert.Fingerprint, chi.URLParam(r, "entry"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCertificateResponse(updated))
}

// lookup resolves a certificate by fingerprint, falling back to name.
func (a *API) lookup(key string) (*store.Certificate, error) {
	s := a.engine.Store()
	cert, err := s.GetByFingerprint(key)
	if err == nil {
		return cert, nil
	}
	return s.GetByName(key)
}
