// Package phone normalises contact numbers to E.164.
package phone

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// ErrInvalid marks input that is not a dialable number.
var ErrInvalid = errors.New("phone: invalid number")

// Normalizer parses numbers relative to a default region.
type Normalizer struct {
	region string
}

// NewNormalizer returns a normalizer for the ISO 3166 region, "IN" when empty.
func NewNormalizer(region string) *Normalizer {
	region = strings.ToUpper(strings.TrimSpace(region))
	if region == "" {
		region = "IN"
	}
	return &Normalizer{region: region}
}

// E164 formats raw as E.164.
func (n *Normalizer) E164(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalid)
	}
	number, err := phonenumbers.Parse(trimmed, n.region)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalid, raw, err)
	}
	if !phonenumbers.IsValidNumber(number) {
		return "", fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	return phonenumbers.Format(number, phonenumbers.E164), nil
}
