package authcore

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestTOTPSetupAndConfirmLifecycle(t *testing.T) {
	up := newFakeUserProvider()
	engine, _, done := newEngineWithProvider(t, testConfig(), up)
	defer done()

	uid := up.addUser(t, engine, UserRecord{Username: "alice"}, "correct-password-123")

	setup, err := engine.SetupTOTP(context.Background(), uid)
	if err != nil {
		t.Fatalf("SetupTOTP failed: %v", err)
	}
	if setup.SecretBase32 == "" {
		t.Fatal("expected a secret")
	}
	if !strings.HasPrefix(setup.ProvisioningURI, "otpauth://totp/") {
		t.Fatalf("unexpected provisioning URI %s", setup.ProvisioningURI)
	}
	if !strings.Contains(setup.ProvisioningURI, "alice") {
		t.Fatalf("expected account label in URI, got %s", setup.ProvisioningURI)
	}

	// Pending secrets are not a login factor yet.
	result, err := engine.Login(context.Background(), LoginInput{
		Identifier: "alice",
		Password:   "correct-password-123",
	})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if result.MFARequired {
		t.Fatal("expected no MFA challenge before confirmation")
	}

	backupCodes, err := engine.ConfirmTOTPSetup(context.Background(), uid, codeForNow(t, setup.SecretBase32, engine.config.TOTP))
	if err != nil {
		t.Fatalf("ConfirmTOTPSetup failed: %v", err)
	}
	if len(backupCodes) != engine.config.MFA.BackupCodeCount {
		t.Fatalf("expected %d backup codes, got %d", engine.config.MFA.BackupCodeCount, len(backupCodes))
	}
	for _, code := range backupCodes {
		if len(code) != 11 || code[5] != '-' {
			t.Fatalf("unexpected backup code format %q", code)
		}
	}

	// Enrollment complete: the next login is challenged.
	result, err = engine.Login(context.Background(), LoginInput{
		Identifier: "alice",
		Password:   "correct-password-123",
	})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if !result.MFARequired || result.MFAMethod != MFAMethodTOTP {
		t.Fatalf("expected totp challenge, got %+v", result)
	}
}

func TestConfirmTOTPSetupRejectsWrongCode(t *testing.T) {
	up := newFakeUserProvider()
	engine, _, done := newEngineWithProvider(t, testConfig(), up)
	defer done()

	uid := up.addUser(t, engine, UserRecord{Username: "alice"}, "correct-password-123")

	if _, err := engine.SetupTOTP(context.Background(), uid); err != nil {
		t.Fatalf("SetupTOTP failed: %v", err)
	}
	if _, err := engine.ConfirmTOTPSetup(context.Background(), uid, "000000"); !errors.Is(err, ErrTOTPInvalid) {
		t.Fatalf("expected ErrTOTPInvalid, got %v", err)
	}
	if _, err := engine.ConfirmTOTPSetup(context.Background(), "ghost", "000000"); !errors.Is(err, ErrTOTPNotConfigured) {
		t.Fatalf("expected ErrTOTPNotConfigured, got %v", err)
	}
}

func TestDisableTOTPRequiresProofAndClearsBackupCodes(t *testing.T) {
	up := newFakeUserProvider()
	engine, _, done := newEngineWithProvider(t, testConfig(), up)
	defer done()

	uid := up.addUser(t, engine, UserRecord{Username: "alice"}, "correct-password-123")
	setup, err := engine.SetupTOTP(context.Background(), uid)
	if err != nil {
		t.Fatalf("SetupTOTP failed: %v", err)
	}
	if _, err := engine.ConfirmTOTPSetup(context.Background(), uid, codeForNow(t, setup.SecretBase32, engine.config.TOTP)); err != nil {
		t.Fatalf("ConfirmTOTPSetup failed: %v", err)
	}

	if err := engine.DisableTOTP(context.Background(), uid, "000000"); !errors.Is(err, ErrTOTPInvalid) {
		t.Fatalf("expected ErrTOTPInvalid, got %v", err)
	}

	// The confirmation already consumed the current step; use the next one.
	if err := engine.DisableTOTP(context.Background(), uid, codeForOffset(t, setup.SecretBase32, engine.config.TOTP, 1)); err != nil {
		t.Fatalf("DisableTOTP failed: %v", err)
	}

	codes, err := up.GetBackupCodes(context.Background(), uid)
	if err != nil {
		t.Fatalf("GetBackupCodes failed: %v", err)
	}
	if len(codes) != 0 {
		t.Fatalf("expected backup codes cleared, got %d", len(codes))
	}

	result, err := engine.Login(context.Background(), LoginInput{
		Identifier: "alice",
		Password:   "correct-password-123",
	})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if result.MFARequired {
		t.Fatal("expected no challenge after disable")
	}
}

func TestRegenerateBackupCodesGatedByTOTP(t *testing.T) {
	up := newFakeUserProvider()
	engine, _, done := newEngineWithProvider(t, testConfig(), up)
	defer done()

	uid := up.addUser(t, engine, UserRecord{Username: "alice"}, "correct-password-123")

	// No TOTP on file.
	if _, err := engine.RegenerateBackupCodes(context.Background(), uid, "000000"); !errors.Is(err, ErrBackupCodeRegenerationRequiresTOTP) {
		t.Fatalf("expected ErrBackupCodeRegenerationRequiresTOTP, got %v", err)
	}

	setup, err := engine.SetupTOTP(context.Background(), uid)
	if err != nil {
		t.Fatalf("SetupTOTP failed: %v", err)
	}
	first, err := engine.ConfirmTOTPSetup(context.Background(), uid, codeForNow(t, setup.SecretBase32, engine.config.TOTP))
	if err != nil {
		t.Fatalf("ConfirmTOTPSetup failed: %v", err)
	}

	if _, err := engine.RegenerateBackupCodes(context.Background(), uid, "000000"); !errors.Is(err, ErrTOTPInvalid) {
		t.Fatalf("expected ErrTOTPInvalid, got %v", err)
	}

	// Replaying the confirmation step's code is rejected.
	if _, err := engine.RegenerateBackupCodes(context.Background(), uid, codeForNow(t, setup.SecretBase32, engine.config.TOTP)); !errors.Is(err, ErrMFAReplay) {
		t.Fatalf("expected ErrMFAReplay, got %v", err)
	}

	second, err := engine.RegenerateBackupCodes(context.Background(), uid, codeForOffset(t, setup.SecretBase32, engine.config.TOTP, 1))
	if err != nil {
		t.Fatalf("RegenerateBackupCodes failed: %v", err)
	}
	if len(second) != engine.config.MFA.BackupCodeCount {
		t.Fatalf("expected %d codes, got %d", engine.config.MFA.BackupCodeCount, len(second))
	}
	if first[0] == second[0] {
		t.Fatal("expected regenerated codes to differ")
	}

	// Old codes no longer verify.
	stored, err := up.GetBackupCodes(context.Background(), uid)
	if err != nil {
		t.Fatalf("GetBackupCodes failed: %v", err)
	}
	if len(stored) != engine.config.MFA.BackupCodeCount {
		t.Fatalf("expected stored codes replaced, got %d", len(stored))
	}
}
