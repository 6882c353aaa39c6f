package deploy

import (
	"encoding/json"
	"fmt"

	"github.com/mfairley/certflow/keyring"
)

// SecretMask is the fixed string returned in place of any stored secret.
// A write carrying exactly this value means "leave the secret unchanged";
// an empty string clears it.
const SecretMask = "••••••••"

// secretFields names the config keys that hold secrets, per action type.
var secretFields = map[ActionType][]string{
	TypeNPMUpdate:  {"password"},
	TypeFTPUpload:  {"password"},
	TypeSFTPUpload: {"password", "privateKey"},
	TypeWebhook:    {"secret"},
	TypeEmail:      {"password"},
}

// SecretFieldsFor returns the secret config keys of an action type.
func SecretFieldsFor(t ActionType) []string {
	return secretFields[t]
}

// MaskSecrets replaces every stored secret in cfg with SecretMask so the
// config can cross the API boundary. Missing or cleared secrets stay absent.
func MaskSecrets(t ActionType, cfg json.RawMessage) json.RawMessage {
	fields := secretFields[t]
	if len(fields) == 0 || len(cfg) == 0 {
		return cfg
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(cfg, &m); err != nil {
		return cfg
	}
	changed := false
	for _, f := range fields {
		if raw, ok := m[f]; ok && len(raw) > 0 && string(raw) != `""` {
			m[f] = json.RawMessage(fmt.Sprintf("%q", SecretMask))
			changed = true
		}
	}
	if !changed {
		return cfg
	}
	out, err := json.Marshal(m)
	if err != nil {
		return cfg
	}
	return out
}

// SealSecrets merges an incoming (possibly masked) config with the existing
// stored config, wrapping any new plaintext secrets through the keyring:
//
//   - value == SecretMask: keep the stored handle,
//   - value == "":         clear the secret,
//   - other string:        wrap the plaintext into a fresh handle.
func SealSecrets(t ActionType, incoming, existing json.RawMessage, kr *keyring.Keyring) (json.RawMessage, error) {
	fields := secretFields[t]
	if len(fields) == 0 || len(incoming) == 0 {
		return incoming, nil
	}

	var in map[string]json.RawMessage
	if err := json.Unmarshal(incoming, &in); err != nil {
		return nil, fmt.Errorf("decoding action config: %w", err)
	}
	var old map[string]json.RawMessage
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &old); err != nil {
			old = nil
		}
	}

	for _, f := range fields {
		raw, ok := in[f]
		if !ok {
			// Absent on write keeps whatever is stored.
			if prev, has := old[f]; has {
				in[f] = prev
			}
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			// Already a handle object; keep as-is.
			continue
		}
		switch s {
		case SecretMask:
			if prev, has := old[f]; has {
				in[f] = prev
			} else {
				delete(in, f)
			}
		case "":
			delete(in, f)
		default:
			h, err := kr.Wrap([]byte(s))
			if err != nil {
				return nil, fmt.Errorf("wrapping %s: %w", f, err)
			}
			hj, err := json.Marshal(h)
			if err != nil {
				return nil, err
			}
			in[f] = hj
		}
	}
	return json.Marshal(in)
}

// RewrapSecrets re-wraps every secret handle in cfg during master-key
// rotation. It reports whether anything changed.
func RewrapSecrets(t ActionType, cfg json.RawMessage, rewrap keyring.RewrapFunc) (json.RawMessage, bool, error) {
	fields := secretFields[t]
	if len(fields) == 0 || len(cfg) == 0 {
		return cfg, false, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(cfg, &m); err != nil {
		return cfg, false, nil
	}
	changed := false
	for _, f := range fields {
		raw, ok := m[f]
		if !ok {
			continue
		}
		var h keyring.Handle
		if err := json.Unmarshal(raw, &h); err != nil || h.IsZero() {
			continue
		}
		nh, err := rewrap(h)
		if err != nil {
			return nil, false, fmt.Errorf("rewrapping %s: %w", f, err)
		}
		hj, err := json.Marshal(nh)
		if err != nil {
			return nil, false, err
		}
		m[f] = hj
		changed = true
	}
	if !changed {
		return cfg, false, nil
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// secretString resolves one secret config value to plaintext: a handle
// object unwraps through the keyring; a bare string (as written by tests or
// pre-encryption configs) passes through.
func secretString(raw json.RawMessage, kr *keyring.Keyring) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var h keyring.Handle
	if err := json.Unmarshal(raw, &h); err != nil {
		return "", fmt.Errorf("decoding secret: %w", err)
	}
	if h.IsZero() {
		return "", nil
	}
	if kr == nil {
		return "", fmt.Errorf("secret requires a keyring")
	}
	plaintext, err := kr.Unwrap(h)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
