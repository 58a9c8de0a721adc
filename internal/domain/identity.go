// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const MaxIdentityLen = 36

var (
	ErrIdentityTooLong = errors.New("identity too long")
	ErrIdentityEmpty   = errors.New("identity empty")
)

// Identity is the display name a client joins the room with.
// It is immutable for the life of a session.
type Identity string

// NewIdentity validates a caller supplied display name.
func NewIdentity(name string) (Identity, error) {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return "", ErrIdentityEmpty
	}
	if utf8.RuneCountInString(name) > MaxIdentityLen {
		return "", ErrIdentityTooLong
	}
	return Identity(name), nil
}

func (i Identity) String() string { return string(i) }
