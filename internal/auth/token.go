package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"math/big"
)

const (
	digits       = "0123456789"
	securityRune = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// NewOpaqueToken returns a 256-bit url-safe bearer value and its SHA-256 hex digest.
func NewOpaqueToken() (raw string, hash string, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", err
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, HashToken(raw), nil
}

func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// NewID returns a url-safe random identifier of n random bytes.
func NewID(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NumericCode returns n uniformly distributed decimal digits.
func NumericCode(n int) (string, error) {
	return randomFrom(digits, n)
}

// SecurityCode returns n characters drawn from A-Z and 0-9.
func SecurityCode(n int) (string, error) {
	return randomFrom(securityRune, n)
}

func randomFrom(alphabet string, n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[v.Int64()]
	}
	return string(out), nil
}
