// Package keyring protects private-key passphrases and deployment secrets
// with a master key held in process memory. Secrets are wrapped with
// AES-256-GCM under a versioned key derived from a persistent seed file;
// the master key can be rotated without losing access to stored ciphertexts.
package keyring

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/mfairley/certflow/internal/util"
)

var (
	// ErrDecrypt indicates a MAC failure or an unknown key version.
	ErrDecrypt = errors.New("decrypt failed")

	// ErrNoKeyFile indicates the master key seed file does not exist.
	ErrNoKeyFile = errors.New("master key file not found")
)

// Handle is an opaque reference to a wrapped secret. It is stored alongside
// certificate configuration and never crosses the API boundary.
type Handle struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	KeyVersion uint32 `json:"keyVersion"`
}

// IsZero reports whether the handle holds no wrapped secret.
func (h Handle) IsZero() bool {
	return len(h.Ciphertext) == 0 && len(h.Nonce) == 0 && h.KeyVersion == 0
}

// RewrapFunc re-encrypts a single handle under the rotation's new key.
type RewrapFunc func(Handle) (Handle, error)

// seedFile is the on-disk format of the master key file. Seeds for every
// version ever issued are retained so that a crash during rotation can
// never strand a handle on a missing key version. Loss of this file is
// unrecoverable; every wrapped secret becomes permanently unreadable.
type seedFile struct {
	Active uint32            `json:"active"`
	Seeds  map[string]string `json:"seeds"` // version -> base64 seed
}

// Keyring derives one AES-256 key per seed version and wraps secrets under
// the active version. Wrap and Unwrap take a shared lock. Rotations are
// serialized by their own mutex and never hold mu across the rewrap
// callback, so the callback is free to wrap and unwrap through the keyring.
type Keyring struct {
	mu     sync.RWMutex
	path   string
	active uint32
	seeds  map[uint32][]byte
	keys   map[uint32]*memguard.LockedBuffer

	rotateMu sync.Mutex
}

// Open loads the master key file at path, or creates it with a fresh seed
// when it does not exist. The created return reports whether a new file was
// written.
func Open(path string) (kr *Keyring, created bool, err error) {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		kr, err = create(path)
		if err != nil {
			return nil, false, err
		}
		return kr, true, nil
	case err != nil:
		return nil, false, fmt.Errorf("reading master key file: %w", err)
	}

	var sf seedFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, false, fmt.Errorf("decoding master key file: %w", err)
	}
	if sf.Active == 0 || len(sf.Seeds) == 0 {
		return nil, false, fmt.Errorf("master key file %s is empty", path)
	}

	kr = &Keyring{
		path:   path,
		active: sf.Active,
		seeds:  make(map[uint32][]byte, len(sf.Seeds)),
		keys:   make(map[uint32]*memguard.LockedBuffer, len(sf.Seeds)),
	}
	for vs, b64 := range sf.Seeds {
		v64, err := strconv.ParseUint(vs, 10, 32)
		if err != nil {
			return nil, false, fmt.Errorf("master key file: bad version %q", vs)
		}
		seed, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, false, fmt.Errorf("master key file: decoding seed v%s: %w", vs, err)
		}
		if err := kr.installVersion(uint32(v64), seed); err != nil {
			return nil, false, err
		}
	}
	if _, ok := kr.keys[kr.active]; !ok {
		return nil, false, fmt.Errorf("master key file: active version %d has no seed", kr.active)
	}
	return kr, false, nil
}

// Exists reports whether a master key file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func create(path string) (*Keyring, error) {
	seed, err := util.RandomBytes(util.AESKeySize)
	if err != nil {
		return nil, err
	}
	kr := &Keyring{
		path:   path,
		active: 1,
		seeds:  make(map[uint32][]byte),
		keys:   make(map[uint32]*memguard.LockedBuffer),
	}
	if err := kr.installVersion(1, seed); err != nil {
		return nil, err
	}
	if err := kr.persist(); err != nil {
		return nil, err
	}
	return kr, nil
}

// installVersion derives the AES key for a seed version and stores both.
// Callers must hold the write lock (or own the keyring exclusively).
func (k *Keyring) installVersion(version uint32, seed []byte) error {
	info := []byte(fmt.Sprintf("certflow/master/v%d", version))
	derived, err := util.HKDF(seed, nil, info)
	if err != nil {
		return fmt.Errorf("deriving key v%d: %w", version, err)
	}
	k.seeds[version] = seed
	// NewBufferFromBytes wipes the source slice after taking ownership.
	k.keys[version] = memguard.NewBufferFromBytes(derived)
	return nil
}

// persist writes the seed file atomically with owner-only permissions.
func (k *Keyring) persist() error {
	sf := seedFile{
		Active: k.active,
		Seeds:  make(map[string]string, len(k.seeds)),
	}
	for v, seed := range k.seeds {
		sf.Seeds[strconv.FormatUint(uint64(v), 10)] = base64.StdEncoding.EncodeToString(seed)
	}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding master key file: %w", err)
	}
	if err := util.WriteFileAtomic(k.path, data, 0o600); err != nil {
		return fmt.Errorf("writing master key file: %w", err)
	}
	return nil
}

// ActiveVersion returns the key version new wraps are produced under.
func (k *Keyring) ActiveVersion() uint32 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// Wrap encrypts plaintext under the current master key and returns a handle.
func (k *Keyring) Wrap(plaintext []byte) (Handle, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.wrapLocked(k.active, plaintext)
}

func (k *Keyring) wrapLocked(version uint32, plaintext []byte) (Handle, error) {
	buf, ok := k.keys[version]
	if !ok {
		return Handle{}, fmt.Errorf("wrap: unknown key version %d", version)
	}
	nonce, ct, err := util.SealAES(buf.Bytes(), plaintext)
	if err != nil {
		return Handle{}, fmt.Errorf("wrapping secret: %w", err)
	}
	return Handle{Ciphertext: ct, Nonce: nonce, KeyVersion: version}, nil
}

// Unwrap decrypts a handle. It returns ErrDecrypt on MAC failure or when the
// handle references an unknown key version.
func (k *Keyring) Unwrap(h Handle) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.unwrapLocked(h)
}

func (k *Keyring) unwrapLocked(h Handle) ([]byte, error) {
	buf, ok := k.keys[h.KeyVersion]
	if !ok {
		return nil, fmt.Errorf("%w: unknown key version %d", ErrDecrypt, h.KeyVersion)
	}
	plaintext, err := util.OpenAES(buf.Bytes(), h.Nonce, h.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// Rotate generates a new master key version and re-wraps every stored handle
// in one logical operation. rewrapAll must apply the provided RewrapFunc to
// all handles and commit the result atomically; if it returns an error the
// old key remains in use and the new version is discarded. Seeds for prior
// versions are retained on disk so no handle can reference a missing
// version regardless of where a crash lands.
func (k *Keyring) Rotate(rewrapAll func(RewrapFunc) error) error {
	k.rotateMu.Lock()
	defer k.rotateMu.Unlock()

	k.mu.Lock()
	newVersion := k.active + 1
	seed, err := util.RandomBytes(util.AESKeySize)
	if err != nil {
		k.mu.Unlock()
		return err
	}
	if err := k.installVersion(newVersion, seed); err != nil {
		k.mu.Unlock()
		return err
	}

	// Persist the new seed before any handle references it.
	if err := k.persist(); err != nil {
		k.dropVersion(newVersion)
		k.mu.Unlock()
		return err
	}
	k.mu.Unlock()

	// mu stays released while the callback runs. The callback typically
	// holds its own store lock and unwraps through the keyring; holding mu
	// here would order the two locks both ways. Concurrent wraps continue
	// under the old version until active flips, and that seed stays on
	// disk, so those handles remain readable.
	rewrap := func(h Handle) (Handle, error) {
		plaintext, err := k.Unwrap(h)
		if err != nil {
			return Handle{}, err
		}
		defer util.WipeBytes(plaintext)
		k.mu.RLock()
		defer k.mu.RUnlock()
		return k.wrapLocked(newVersion, plaintext)
	}

	if err := rewrapAll(rewrap); err != nil {
		k.mu.Lock()
		k.dropVersion(newVersion)
		perr := k.persist()
		k.mu.Unlock()
		if perr != nil {
			return fmt.Errorf("rotation failed: %w (and key file restore failed: %v)", err, perr)
		}
		return fmt.Errorf("rotation failed: %w", err)
	}

	k.mu.Lock()
	k.active = newVersion
	err = k.persist()
	k.mu.Unlock()
	if err != nil {
		// Handles already carry the new version; its seed is on disk from
		// the first persist, so unwrap keeps working. Only the active
		// pointer is stale.
		return fmt.Errorf("advancing active key version: %w", err)
	}
	return nil
}

func (k *Keyring) dropVersion(version uint32) {
	if buf, ok := k.keys[version]; ok {
		buf.Destroy()
	}
	delete(k.keys, version)
	delete(k.seeds, version)
}

// Versions returns the key versions currently loaded, ascending.
func (k *Keyring) Versions() []uint32 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]uint32, 0, len(k.keys))
	for v := range k.keys {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close destroys all in-memory key material.
func (k *Keyring) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for v, buf := range k.keys {
		buf.Destroy()
		delete(k.keys, v)
	}
	for v, seed := range k.seeds {
		util.WipeBytes(seed)
		delete(k.seeds, v)
	}
}
