// Package phone normalizes recipient addresses into international digit strings.
package phone

import (
	"strings"

	appErrors "github.com/unclebandit/bulkwa-backend/internal/errors"
)

// Normalizer turns loosely formatted local numbers into the international form
// expected by the messaging network.
type Normalizer struct {
	CountryPrefix string
	LocalLength   int
	TrunkPrefix   string
}

// NewNormalizer returns a Normalizer for the given country settings.
func NewNormalizer(countryPrefix string, localLength int, trunkPrefix string) *Normalizer {
	return &Normalizer{
		CountryPrefix: countryPrefix,
		LocalLength:   localLength,
		TrunkPrefix:   trunkPrefix,
	}
}

// InternationalLength is the digit count of a full number under CountryPrefix.
func (n *Normalizer) InternationalLength() int {
	return len(n.CountryPrefix) + n.LocalLength
}

// Normalize strips formatting and applies the country rules. Numbers under the
// recognized prefix with the wrong length are rejected with ErrInvalidPhone.
func (n *Normalizer) Normalize(raw string) (string, error) {
	digits := stripNonDigits(raw)
	if digits == "" {
		return "", appErrors.NewInvalidPhone(raw, digits)
	}

	var out string
	switch {
	case strings.HasPrefix(digits, n.CountryPrefix):
		out = digits
	case n.TrunkPrefix != "" && strings.HasPrefix(digits, n.TrunkPrefix):
		out = n.CountryPrefix + strings.TrimPrefix(digits, n.TrunkPrefix)
	case len(digits) == n.LocalLength:
		out = n.CountryPrefix + digits
	default:
		out = digits
	}

	if strings.HasPrefix(out, n.CountryPrefix) && len(out) != n.InternationalLength() {
		return "", appErrors.NewInvalidPhone(raw, out)
	}
	return out, nil
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
