// Package internal holds identifier generation and token codec helpers shared
// by the root engine and its stores.
package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
)

// GenerationID identifies one refresh-token generation (user+device session).
type GenerationID [16]byte

const (
	refreshSecretSize   = 32
	refreshTokenRawSize = 16 + refreshSecretSize
)

// NewGenerationID returns a random generation identifier.
func NewGenerationID() (GenerationID, error) {
	var gid GenerationID
	_, err := rand.Read(gid[:])
	return gid, err
}

// String renders the id as compact unpadded base64url.
func (g GenerationID) String() string {
	return base64.RawURLEncoding.EncodeToString(g[:])
}

// ParseGenerationID decodes a base64url generation id.
func ParseGenerationID(s string) (GenerationID, error) {
	var gid GenerationID
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return gid, err
	}
	if len(raw) != len(gid) {
		return gid, errors.New("invalid generation id size")
	}
	copy(gid[:], raw)
	return gid, nil
}

// NewRefreshSecret returns the random half of an opaque refresh token. Only
// its SHA-256 hash is ever stored server-side.
func NewRefreshSecret() ([refreshSecretSize]byte, error) {
	var secret [refreshSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// HashRefreshSecret derives the stored comparison hash for a refresh secret.
func HashRefreshSecret(secret [refreshSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// EncodeRefreshToken packs generation id and secret into the opaque wire
// token: base64url(gid || secret).
func EncodeRefreshToken(generationID string, secret [refreshSecretSize]byte) (string, error) {
	gid, err := ParseGenerationID(generationID)
	if err != nil {
		return "", err
	}
	var raw [refreshTokenRawSize]byte
	copy(raw[:len(gid)], gid[:])
	copy(raw[len(gid):], secret[:])
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// DecodeRefreshToken splits an opaque refresh token into its generation id
// and secret. Malformed tokens fail here before any store lookup.
func DecodeRefreshToken(token string) (string, [refreshSecretSize]byte, error) {
	var secret [refreshSecretSize]byte
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, err
	}
	if len(raw) != refreshTokenRawSize {
		return "", secret, errors.New("invalid refresh token size")
	}
	var gid GenerationID
	copy(gid[:], raw[:len(gid)])
	copy(secret[:], raw[len(gid):])
	return gid.String(), secret, nil
}

// NewOTP generates a uniformly random numeric one-time code for SMS and
// email challenges.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}
	var b strings.Builder
	b.Grow(digits)
	ten := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

// HashCode derives the stored hash for an SMS/email code or backup code.
func HashCode(code string) [32]byte {
	return sha256.Sum256([]byte(code))
}

// NewStateToken returns a random OAuth anti-CSRF state value.
func NewStateToken() (string, error) {
	var raw [24]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}
