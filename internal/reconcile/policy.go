// Package reconcile applies delivery outcomes to device state.
package reconcile

import (
	"sort"
	"strings"

	"github.com/tinywideclouds/go-gcm-device-service/pkg/gcm"
)

// DefaultInvalidErrorCodes are the gateway errors meaning a registration ID
// will never succeed again.
var DefaultInvalidErrorCodes = []string{
	gcm.ErrorInvalidRegistration,
	gcm.ErrorNotRegistered,
	gcm.ErrorMismatchSenderID,
}

// Policy classifies per-recipient error codes.
type Policy struct {
	invalid map[string]struct{}
}

// NewPolicy builds a policy treating codes as permanently invalid.
// Blank entries are ignored. An empty list falls back to DefaultInvalidErrorCodes.
func NewPolicy(codes []string) Policy {
	invalid := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		if c = strings.TrimSpace(c); c != "" {
			invalid[c] = struct{}{}
		}
	}
	if len(invalid) == 0 {
		return DefaultPolicy()
	}
	return Policy{invalid: invalid}
}

// DefaultPolicy uses DefaultInvalidErrorCodes.
func DefaultPolicy() Policy {
	return NewPolicy(DefaultInvalidErrorCodes)
}

// IsPermanent reports whether code means the registration ID is dead.
func (p Policy) IsPermanent(code string) bool {
	if code == "" {
		return false
	}
	_, ok := p.invalid[code]
	return ok
}

// Codes returns the configured codes in sorted order.
func (p Policy) Codes() []string {
	codes := make([]string, 0, len(p.invalid))
	for c := range p.invalid {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}
