// Package identity generates the short, human-typeable identifiers that name
// an endpoint at the relay for the lifetime of one session.
package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var ErrInvalid = errors.New("identifier must be nine digits, e.g. 123-456-789")

// Generate returns a fresh identifier of the form NNN-NNN-NNN where every
// group is in 100..999.
func Generate() (string, error) {
	groups := make([]string, 3)
	for i := range groups {
		n, err := rand.Int(rand.Reader, big.NewInt(900))
		if err != nil {
			return "", fmt.Errorf("reading random group: %w", err)
		}
		groups[i] = fmt.Sprintf("%03d", n.Int64()+100)
	}
	return strings.Join(groups, "-"), nil
}

// Normalize accepts an identifier typed by a user ("111222333",
// "111 222 333", "111-222-333") and returns its canonical form.
func Normalize(input string) (string, error) {
	digits := make([]byte, 0, 9)
	for _, r := range strings.TrimSpace(input) {
		switch {
		case r >= '0' && r <= '9':
			digits = append(digits, byte(r))
		case r == '-' || r == ' ':
		default:
			return "", ErrInvalid
		}
	}
	if len(digits) != 9 {
		return "", ErrInvalid
	}
	return string(digits[0:3]) + "-" + string(digits[3:6]) + "-" + string(digits[6:9]), nil
}
