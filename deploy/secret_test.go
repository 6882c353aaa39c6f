package deploy

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfairley/certflow/keyring"
)

func newTestKeyring(t *testing.T) *keyring.Keyring {
	t.Helper()
	kr, created, err := keyring.Open(filepath.Join(t.TempDir(), "master.key"))
	require.NoError(t, err)
	require.True(t, created)
	t.Cleanup(kr.Close)
	return kr
}

func TestMaskSecrets(t *testing.T) {
	cfg := json.RawMessage(`{"host":"npm.local","username":"admin","password":{"ciphertext":"YWJj","nonce":"ZGVm","keyVersion":1}}`)

	masked := MaskSecrets(TypeNPMUpdate, cfg)

	var m map[string]any
	require.NoError(t, json.Unmarshal(masked, &m))
	assert.Equal(t, SecretMask, m["password"])
	assert.Equal(t, "npm.local", m["host"])
	assert.Equal(t, "admin", m["username"])
}

func TestMaskSecretsNoSecretFields(t *testing.T) {
	cfg := json.RawMessage(`{"destinations":["/etc/nginx/certs"]}`)
	assert.Equal(t, cfg, MaskSecrets(TypeCopy, cfg))
}

func TestSealSecretsWrapsPlaintext(t *testing.T) {
	kr := newTestKeyring(t)

	incoming := json.RawMessage(`{"host":"npm.local","password":"hunter2"}`)
	sealed, err := SealSecrets(TypeNPMUpdate, incoming, nil, kr)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(sealed, &m))

	var h keyring.Handle
	require.NoError(t, json.Unmarshal(m["password"], &h))
	require.False(t, h.IsZero())

	plain, err := kr.Unwrap(h)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(plain))
}

func TestSealSecretsMaskKeepsStoredHandle(t *testing.T) {
	kr := newTestKeyring(t)

	existing, err := SealSecrets(TypeNPMUpdate, json.RawMessage(`{"password":"original"}`), nil, kr)
	require.NoError(t, err)

	incoming, err := json.Marshal(map[string]string{"password": SecretMask, "host": "new.local"})
	require.NoError(t, err)

	sealed, err := SealSecrets(TypeNPMUpdate, incoming, existing, kr)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(sealed, &m))
	var h keyring.Handle
	require.NoError(t, json.Unmarshal(m["password"], &h))

	plain, err := kr.Unwrap(h)
	require.NoError(t, err)
	assert.Equal(t, "original", string(plain))
}

func TestSealSecretsEmptyStringClears(t *testing.T) {
	kr := newTestKeyring(t)

	existing, err := SealSecrets(TypeNPMUpdate, json.RawMessage(`{"password":"original"}`), nil, kr)
	require.NoError(t, err)

	sealed, err := SealSecrets(TypeNPMUpdate, json.RawMessage(`{"password":""}`), existing, kr)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(sealed, &m))
	_, has := m["password"]
	assert.False(t, has)
}

func TestSealSecretsAbsentFieldKeepsStored(t *testing.T) {
	kr := newTestKeyring(t)

	existing, err := SealSecrets(TypeNPMUpdate, json.RawMessage(`{"password":"original"}`), nil, kr)
	require.NoError(t, err)

	sealed, err := SealSecrets(TypeNPMUpdate, json.RawMessage(`{"host":"new.local"}`), existing, kr)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(sealed, &m))
	var h keyring.Handle
	require.NoError(t, json.Unmarshal(m["password"], &h))
	plain, err := kr.Unwrap(h)
	require.NoError(t, err)
	assert.Equal(t, "original", string(plain))
}

func TestRewrapSecretsAfterRotation(t *testing.T) {
	kr := newTestKeyring(t)

	cfg, err := SealSecrets(TypeSFTPUpload, json.RawMessage(`{"password":"pw","privateKey":"pem-bytes"}`), nil, kr)
	require.NoError(t, err)

	var rewrapped json.RawMessage
	err = kr.Rotate(func(rewrap keyring.RewrapFunc) error {
		out, changed, err := RewrapSecrets(TypeSFTPUpload, cfg, rewrap)
		if err != nil {
			return err
		}
		require.True(t, changed)
		rewrapped = out
		return nil
	})
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rewrapped, &m))
	for field, want := range map[string]string{"password": "pw", "privateKey": "pem-bytes"} {
		var h keyring.Handle
		require.NoError(t, json.Unmarshal(m[field], &h))
		assert.Equal(t, uint32(2), h.KeyVersion)
		plain, err := kr.Unwrap(h)
		require.NoError(t, err)
		assert.Equal(t, want, string(plain))
	}
}

func TestRewrapSecretsNoHandles(t *testing.T) {
	cfg := json.RawMessage(`{"url":"https://hook.local"}`)
	out, changed, err := RewrapSecrets(TypeWebhook, cfg, nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, cfg, out)
}

func TestSecretStringBarePassthrough(t *testing.T) {
	s, err := secretString(json.RawMessage(`"plain"`), nil)
	require.NoError(t, err)
	assert.Equal(t, "plain", s)
}
