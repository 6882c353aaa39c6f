package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// Passphrase alphabet excludes look-alike characters so generated
// passphrases survive manual transcription.
var allowedPassphraseChars = []rune("23456789ABCDEFGHJKLMNPQRSTVWXYZabcdefghjkmnpqrstvwxyz")

// RandomPassphrase generates a random passphrase of n characters suitable
// for encrypting private keys.
func RandomPassphrase(n int) (string, error) {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		idx, err := RandomIntn(len(allowedPassphraseChars))
		if err != nil {
			return "", fmt.Errorf("generating passphrase char index: %w", err)
		}
		sb.WriteRune(allowedPassphraseChars[idx])
	}
	return sb.String(), nil
}

// RandomIntn returns a uniform random int in [0, max).
func RandomIntn(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomSerial returns a positive random serial number of up to 128 bits
// for certificate issuance.
func RandomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}
	return serial, nil
}
