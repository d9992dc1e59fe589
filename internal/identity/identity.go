// Package identity canonicalizes external contact identities so they can be
// used as deduplication keys.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownType = errors.New("unknown identity type")
	ErrEmptyValue  = errors.New("empty identity value")
)

// Type is the closed set of identity kinds a contact can claim.
type Type string

const (
	TypeEmail    Type = "EMAIL"
	TypeLinkedIn Type = "LINKEDIN"
	TypeX        Type = "X"
	TypeWhatsApp Type = "WHATSAPP"
	TypePhone    Type = "PHONE"
)

// Types returns every supported identity type.
func Types() []Type {
	return []Type{TypeEmail, TypeLinkedIn, TypeX, TypeWhatsApp, TypePhone}
}

func (t Type) Valid() bool {
	switch t {
	case TypeEmail, TypeLinkedIn, TypeX, TypeWhatsApp, TypePhone:
		return true
	default:
		return false
	}
}

// ParseType accepts the canonical upper-case name, ignoring surrounding space
// and case.
func ParseType(raw string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, raw)
	}
	return t, nil
}

// Identity is one claimed external identity, as received from a channel.
type Identity struct {
	Type  Type   `json:"type"`
	Value string `json:"value"`
}

// Normalized returns the canonical form of the identity value.
func (i Identity) Normalized() (string, error) {
	return Normalize(i.Type, i.Value)
}

// Normalize canonicalizes value for the given identity type. The same form
// must be used when an identity is stored and when it is looked up.
func Normalize(t Type, value string) (string, error) {
	v := strings.TrimSpace(value)
	var out string
	switch t {
	case TypeEmail:
		out = strings.ToLower(v)
	case TypePhone:
		out = normalizePhone(v)
	case TypeLinkedIn, TypeX, TypeWhatsApp:
		out = v
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, string(t))
	}
	if out == "" {
		return "", fmt.Errorf("%w for %s", ErrEmptyValue, t)
	}
	return out, nil
}

// normalizePhone keeps decimal digits and a single leading '+'.
func normalizePhone(v string) string {
	var b strings.Builder
	b.Grow(len(v))
	for _, r := range v {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
