package authcore

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const totpSecretBytes = 20

// totpManager implements RFC 6238 code generation and verification with a
// configurable skew window. The hash constructor is resolved once at
// construction; config validation pins the algorithm set, so an unknown
// name can only mean a hand-built manager and falls back to the RFC
// default. Replay protection (rejecting an already-consumed time step) is
// enforced by the caller via the stored last-used counter.
type totpManager struct {
	issuer  string
	digits  int
	period  int64
	skew    int
	algName string
	newHash func() hash.Hash
}

func newTOTPManager(cfg TOTPConfig) *totpManager {
	name := strings.ToUpper(cfg.Algorithm)
	var hf func() hash.Hash
	switch name {
	case "SHA256":
		hf = sha256.New
	case "SHA512":
		hf = sha512.New
	default:
		name, hf = "SHA1", sha1.New
	}
	return &totpManager{
		issuer:  cfg.Issuer,
		digits:  cfg.Digits,
		period:  int64(cfg.Period),
		skew:    cfg.Skew,
		algName: name,
		newHash: hf,
	}
}

func (m *totpManager) GenerateSecret() ([]byte, string, error) {
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return raw, enc.EncodeToString(raw), nil
}

func (m *totpManager) ProvisionURI(secretBase32, account string) string {
	label := url.PathEscape(m.issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", secretBase32)
	v.Set("issuer", m.issuer)
	v.Set("period", strconv.FormatInt(m.period, 10))
	v.Set("digits", strconv.Itoa(m.digits))
	v.Set("algorithm", m.algName)

	return "otpauth://totp/" + label + "?" + v.Encode()
}

// VerifyCode checks code against the current step and its skew neighbors.
// On match it returns the matched counter so the caller can persist it and
// reject replays at the same step.
func (m *totpManager) VerifyCode(secret []byte, code string, now time.Time) (bool, int64, error) {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != m.digits || !isNumeric(trimmed) {
		return false, 0, nil
	}
	if len(secret) == 0 {
		return false, 0, errors.New("empty totp secret")
	}

	base := now.Unix() / m.period
	for step := -m.skew; step <= m.skew; step++ {
		counter := base + int64(step)
		if counter < 0 {
			continue
		}
		generated := m.hotp(secret, counter)
		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 {
			return true, counter, nil
		}
	}
	return false, 0, nil
}

// hotp computes the RFC 4226 code for one counter value.
func (m *totpManager) hotp(secret []byte, counter int64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(m.newHash, secret)
	_, _ = mac.Write(msg[:])
	return dynamicTruncate(mac.Sum(nil), m.digits)
}

// dynamicTruncate is the RFC 4226 §5.3 extraction: a 31-bit integer read at
// the offset named by the low nibble of the final byte, reduced mod 10^digits.
func dynamicTruncate(sum []byte, digits int) string {
	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, bin%mod)
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
