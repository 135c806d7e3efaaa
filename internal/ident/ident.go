package ident

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
)

// SessionIDBytes is the entropy used for session identifiers (256 bits).
const SessionIDBytes = 32

// DeviceIDBytes is the entropy used for trusted device identifiers.
const DeviceIDBytes = 32

var errInvalidLen = errors.New("invalid length")

// New returns an unforgeable random identifier with n bytes of entropy,
// encoded as unpadded base64url.
func New(n int) (string, error) {
	if n <= 0 {
		return "", errInvalidLen
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Validate checks that id decodes to between 16 and 64 bytes.
func Validate(id string) error {
	b, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return errors.New("invalid identifier")
	}
	if len(b) < 16 || len(b) > 64 {
		return errors.New("invalid identifier")
	}
	return nil
}
