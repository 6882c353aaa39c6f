// Package store is the single source of truth for managed certificates. It
// keeps a fingerprint-keyed index in memory, persists it to
// certificates.json with atomic renames, and owns every mutation of the
// on-disk material.
package store

import (
	"encoding/json"
	"time"

	"github.com/mfairley/certflow/deploy"
	"github.com/mfairley/certflow/issuer"
	"github.com/mfairley/certflow/keyring"
)

// Type classifies a managed certificate.
type Type string

const (
	TypeRootCA         Type = "rootCA"
	TypeIntermediateCA Type = "intermediateCA"
	TypeServer         Type = "server"
	TypeClient         Type = "client"
	TypeMixed          Type = "mixed"
)

// IsCA reports whether the type is a certificate authority.
func (t Type) IsCA() bool {
	return t == TypeRootCA || t == TypeIntermediateCA
}

// kind maps the store type onto the issuer's request kind.
func (t Type) kind() issuer.Kind {
	switch t {
	case TypeRootCA:
		return issuer.KindRootCA
	case TypeIntermediateCA:
		return issuer.KindIntermediateCA
	default:
		return issuer.KindLeaf
	}
}

// usage maps leaf types onto extended key usage.
func (t Type) usage() issuer.Usage {
	switch t {
	case TypeClient:
		return issuer.UsageClient
	case TypeMixed:
		return issuer.UsageMixed
	default:
		return issuer.UsageServer
	}
}

// Subject is the structured distinguished name of a certificate.
type Subject struct {
	CommonName         string `json:"commonName"`
	Organization       string `json:"organization,omitempty"`
	OrganizationalUnit string `json:"organizationalUnit,omitempty"`
	Country            string `json:"country,omitempty"`
	State              string `json:"state,omitempty"`
	Locality           string `json:"locality,omitempty"`
	Email              string `json:"email,omitempty"`
}

// SANs holds the subject alternative names. Idle entries are queued for the
// next renewal and never overlap the active sets.
type SANs struct {
	Domains     []string `json:"domains,omitempty"`
	IPs         []string `json:"ips,omitempty"`
	IdleDomains []string `json:"idleDomains,omitempty"`
	IdleIPs     []string `json:"idleIps,omitempty"`
}

// Validity is the certificate's validity window, UTC.
type Validity struct {
	NotBefore time.Time `json:"notBefore"`
	NotAfter  time.Time `json:"notAfter"`
}

// Paths locates the certificate's material on disk.
type Paths struct {
	Crt   string `json:"crt"`
	Key   string `json:"key"`
	CSR   string `json:"csr,omitempty"`
	PEM   string `json:"pem,omitempty"`
	P12   string `json:"p12,omitempty"`
	Chain string `json:"chain,omitempty"`
}

// Config is the per-certificate lifecycle configuration.
type Config struct {
	AutoRenew             bool            `json:"autoRenew"`
	RenewDaysBeforeExpiry int             `json:"renewDaysBeforeExpiry"`
	BackupOnRenew         bool            `json:"backupOnRenew"`
	PassphraseProtected   bool            `json:"passphraseProtected"`
	DeployActions         []deploy.Action `json:"deployActions,omitempty"`
}

// PreviousVersion records one superseded fingerprint and where its material
// was archived.
type PreviousVersion struct {
	Fingerprint string    `json:"fingerprint"`
	ArchivedAt  time.Time `json:"archivedAt"`
	Paths       Paths     `json:"paths"`
}

// Certificate is the central aggregate: one managed certificate or CA.
type Certificate struct {
	Fingerprint       string             `json:"-"`
	Name              string             `json:"name"`
	Type              Type               `json:"type"`
	Subject           Subject            `json:"subject"`
	SANs              SANs               `json:"sans"`
	KeyAlgorithm      issuer.Algorithm   `json:"keyAlgorithm"`
	KeySize           int                `json:"keySize,omitempty"`
	Curve             string             `json:"curve,omitempty"`
	Validity          Validity           `json:"validity"`
	IssuerFingerprint string             `json:"issuerFingerprint,omitempty"`
	Paths             Paths              `json:"paths"`
	Config            Config             `json:"config"`
	NeedsPassphrase   bool               `json:"needsPassphrase"`
	Passphrase        *keyring.Handle    `json:"passphrase,omitempty"`
	P12Passphrase     *keyring.Handle    `json:"p12Passphrase,omitempty"`
	PreviousVersions  []PreviousVersion  `json:"previousVersions,omitempty"`

	// Missing marks a record whose on-disk material disappeared; it is
	// kept soft-deleted until reconciliation or renewal restores it.
	Missing bool `json:"missing,omitempty"`

	// extra preserves index fields this version does not model, so an
	// index written by a newer build survives a round trip.
	extra map[string]json.RawMessage
}

// knownRecordFields are the JSON keys the Certificate struct models; every
// other key in an index record is retained verbatim.
var knownRecordFields = map[string]bool{
	"name": true, "type": true, "subject": true, "sans": true,
	"keyAlgorithm": true, "keySize": true, "curve": true, "validity": true,
	"issuerFingerprint": true, "paths": true, "config": true,
	"needsPassphrase": true, "passphrase": true, "p12Passphrase": true,
	"previousVersions": true, "missing": true,
}

// certAlias avoids recursion into the custom JSON methods.
type certAlias Certificate

func (c *Certificate) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var a certAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = Certificate(a)
	for k := range raw {
		if knownRecordFields[k] {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		c.extra = raw
	}
	return nil
}

func (c Certificate) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(certAlias(c))
	if err != nil {
		return nil, err
	}
	if len(c.extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Clone returns a deep copy so readers never share mutable state with the
// index.
func (c *Certificate) Clone() *Certificate {
	out := *c
	out.SANs.Domains = append([]string(nil), c.SANs.Domains...)
	out.SANs.IPs = append([]string(nil), c.SANs.IPs...)
	out.SANs.IdleDomains = append([]string(nil), c.SANs.IdleDomains...)
	out.SANs.IdleIPs = append([]string(nil), c.SANs.IdleIPs...)
	out.Config.DeployActions = make([]deploy.Action, len(c.Config.DeployActions))
	for i, a := range c.Config.DeployActions {
		a.Config = append(json.RawMessage(nil), a.Config...)
		out.Config.DeployActions[i] = a
	}
	out.PreviousVersions = append([]PreviousVersion(nil), c.PreviousVersions...)
	if c.Passphrase != nil {
		h := *c.Passphrase
		out.Passphrase = &h
	}
	if c.P12Passphrase != nil {
		h := *c.P12Passphrase
		out.P12Passphrase = &h
	}
	if len(c.extra) > 0 {
		out.extra = make(map[string]json.RawMessage, len(c.extra))
		for k, v := range c.extra {
			out.extra[k] = v
		}
	}
	return &out
}

// ExpiresWithin reports whether the certificate's notAfter falls within d
// of now.
func (c *Certificate) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !now.Add(d).Before(c.Validity.NotAfter)
}

// hasIdleSANs reports whether a renewal would widen the active SAN sets.
func (c *Certificate) hasIdleSANs() bool {
	return len(c.SANs.IdleDomains) > 0 || len(c.SANs.IdleIPs) > 0
}
