package authcore

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"github.com/inkpress/authcore/internal"
)

// Backup codes use a crockford-style alphabet without look-alike characters
// so users can read them back over the phone.
const backupCodeAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"

const backupCodeGroupLen = 5

// RegenerateBackupCodes invalidates the user's remaining backup codes and
// issues a fresh batch. Regeneration is gated behind a valid current TOTP
// code: a stolen backup code must never be enough to mint more of them.
// The plaintexts are returned exactly once; only hashes are stored.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID, totpCode string) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	rec, err := e.userProvider.GetTOTPSecret(ctx, userID)
	if err != nil || rec == nil || !rec.Enabled {
		return nil, ErrBackupCodeRegenerationRequiresTOTP
	}

	ok, counter, err := e.totp.VerifyCode(rec.Secret, totpCode, time.Now())
	if err != nil {
		return nil, errors.Join(ErrMFAUnavailable, err)
	}
	if !ok {
		return nil, ErrTOTPInvalid
	}
	if counter <= rec.LastUsedCounter {
		e.metricInc(MetricMFAReplay)
		return nil, ErrMFAReplay
	}
	if err := e.userProvider.UpdateTOTPLastUsedCounter(ctx, userID, counter); err != nil {
		return nil, errors.Join(ErrMFAUnavailable, err)
	}

	return e.replaceBackupCodes(ctx, userID)
}

// replaceBackupCodes generates a full batch, stores the hashes, and returns
// the plaintexts.
func (e *Engine) replaceBackupCodes(ctx context.Context, userID string) ([]string, error) {
	count := e.config.MFA.BackupCodeCount
	codes := make([]string, 0, count)
	records := make([]BackupCodeRecord, 0, count)
	for i := 0; i < count; i++ {
		code, err := newBackupCode()
		if err != nil {
			return nil, errors.Join(ErrMFAUnavailable, err)
		}
		codes = append(codes, code)
		records = append(records, BackupCodeRecord{Hash: internal.HashCode(code)})
	}
	if err := e.userProvider.ReplaceBackupCodes(ctx, userID, records); err != nil {
		return nil, errors.Join(ErrMFAUnavailable, err)
	}
	return codes, nil
}

// newBackupCode returns a code of the form XXXXX-XXXXX.
func newBackupCode() (string, error) {
	buf := make([]byte, 2*backupCodeGroupLen+1)
	alphabetLen := big.NewInt(int64(len(backupCodeAlphabet)))
	for i := range buf {
		if i == backupCodeGroupLen {
			buf[i] = '-'
			continue
		}
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		buf[i] = backupCodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
