// Package util holds small helpers shared across packages.
package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// allowedRandomChars leaves out characters that are easy to misread
// (0/O, 1/I/L, U/V).
var allowedRandomChars = []rune("23456789ABCDEFGHJKMNPQRSTWXYZabcdefghjkmnpqrstwxyz")

// RandomChars returns n characters drawn uniformly from an unambiguous
// alphabet. It is used for generated passwords.
func RandomChars(n int) (string, error) {
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := RandomIntn(len(allowedRandomChars))
		if err != nil {
			return "", fmt.Errorf("generating random char index: %w", err)
		}
		sb.WriteRune(allowedRandomChars[idx])
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

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}
