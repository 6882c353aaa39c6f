package api

import (
	"github.com/mfairley/certflow/deploy"
	"github.com/mfairley/certflow/store"
)

// CertificateResponse is the API view of one managed certificate. Wrapped
// passphrase handles are omitted and deploy-action secrets are masked.
type CertificateResponse struct {
	Fingerprint       string                  `json:"fingerprint"`
	Name              string                  `json:"name"`
	Type              store.Type              `json:"type"`
	Subject           store.Subject           `json:"subject"`
	SANs              store.SANs              `json:"sans"`
	KeyAlgorithm      string                  `json:"keyAlgorithm"`
	KeySize           int                     `json:"keySize,omitempty"`
	Curve             string                  `json:"curve,omitempty"`
	Validity          store.Validity          `json:"validity"`
	IssuerFingerprint string                  `json:"issuerFingerprint,omitempty"`
	Paths             store.Paths             `json:"paths"`
	Config            CertificateConfig       `json:"config"`
	Missing           bool                    `json:"missing,omitempty"`
	PreviousVersions  []store.PreviousVersion `json:"previousVersions,omitempty"`
}

// CertificateConfig is the lifecycle configuration exposed over the API.
type CertificateConfig struct {
	AutoRenew             bool            `json:"autoRenew"`
	RenewDaysBeforeExpiry int             `json:"renewDaysBeforeExpiry"`
	BackupOnRenew         bool            `json:"backupOnRenew"`
	PassphraseProtected   bool            `json:"passphraseProtected"`
	DeployActions         []deploy.Action `json:"deployActions,omitempty"`
}

func toCertificateResponse(c *store.Certificate) CertificateResponse {
	resp := CertificateResponse{
		Fingerprint:       c.Fingerprint,
		Name:              c.Name,
		Type:              c.Type,
		Subject:           c.Subject,
		SANs:              c.SANs,
		KeyAlgorithm:      string(c.KeyAlgorithm),
		KeySize:           c.KeySize,
		Curve:             c.Curve,
		Validity:          c.Validity,
		IssuerFingerprint: c.IssuerFingerprint,
		Paths:             c.Paths,
		Missing:           c.Missing,
		PreviousVersions:  c.PreviousVersions,
		Config: CertificateConfig{
			AutoRenew:             c.Config.AutoRenew,
			RenewDaysBeforeExpiry: c.Config.RenewDaysBeforeExpiry,
			BackupOnRenew:         c.Config.BackupOnRenew,
			PassphraseProtected:   c.Config.PassphraseProtected,
		},
	}
	for _, action := range c.Config.DeployActions {
		masked := action
		masked.Config = deploy.MaskSecrets(action.Type, action.Config)
		resp.Config.DeployActions = append(resp.Config.DeployActions, masked)
	}
	return resp
}

func toCertificateResponses(certs []*store.Certificate) []CertificateResponse {
	out := make([]CertificateResponse, len(certs))
	for i, c := range certs {
		out[i] = toCertificateResponse(c)
	}
	return out
}

// ListCertificatesResponse is returned from GET /certificates.
type ListCertificatesResponse struct {
	Certificates []CertificateResponse `json:"certificates"`
}

// RenewRequest is the JSON body for POST /certificates/{fingerprint}/renew.
type RenewRequest struct {
	SkipIdle bool `json:"skipIdle,omitempty"`
}

// RenewResponse is returned from POST /certificates/{fingerprint}/renew.
type RenewResponse struct {
	Certificate CertificateResponse `json:"certificate"`
	Report      *deploy.Report      `json:"report,omitempty"`
}

// AddSANRequest is the JSON body for POST /certificates/{fingerprint}/sans.
type AddSANRequest struct {
	Entry string        `json:"entry"`
	Mode  store.SANMode `json:"mode,omitempty"`
}

// SchedulerRunRequest is the JSON body for POST /scheduler/run.
type SchedulerRunRequest struct {
	ForceAll bool `json:"forceAll,omitempty"`
}

// SchedulerRunResponse is returned from POST /scheduler/run.
type SchedulerRunResponse struct {
	Scanned int `json:"scanned"`
}

// RescheduleRequest is the JSON body for PUT /scheduler/schedule.
type RescheduleRequest struct {
	Schedule string `json:"schedule"`
}

// RotateKeyResponse is returned from POST /system/rotate-key.
type RotateKeyResponse struct {
	Rotated bool `json:"rotated"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
