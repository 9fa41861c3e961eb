package device

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pqratchet/internal/domain"
	"pqratchet/internal/log"
	"pqratchet/internal/store"
)

const testPassphrase = "Correct-Horse-9-Battery"

func newRegistry(t *testing.T) *Service {
	t.Helper()
	db, err := store.OpenFile(filepath.Join(t.TempDir(), "devices.db"))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return New(db, func() time.Time { return now }, log.Discard().GetLogger("device"))
}

func register(t *testing.T, s *Service, user domain.UserID, name string) domain.DeviceIdentity {
	t.Helper()
	d, err := s.RegisterDevice(user, name, testPassphrase)
	if err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	return d
}

func TestPassphrasePolicy(t *testing.T) {
	cases := map[string]bool{
		"short1!A":                false,
		"alllowercase-with-1":     false,
		"NoDigitsHere!!":          false,
		"NoSymbolsHere123":        false,
		testPassphrase:            true,
		"Über-sicheres-Passwort1": true,
	}
	for p, want := range cases {
		if got := isSecurePassphrase(p); got != want {
			t.Errorf("isSecurePassphrase(%q) = %v, want %v", p, got, want)
		}
	}
	if _, err := newRegistry(t).RegisterDevice("alice", "phone", "weak"); !errors.Is(err, ErrWeakPassphrase) {
		t.Fatalf("want ErrWeakPassphrase, got %v", err)
	}
}

func TestRegisterAndUnlock(t *testing.T) {
	s := newRegistry(t)
	d := register(t, s, "alice", "phone")
	if d.TrustScore != InitialTrustScore || d.TrustLevel != domain.TrustBasic || d.IsVerified {
		t.Fatalf("unexpected new device %+v", d)
	}

	keys, err := s.UnlockKeys(d.DeviceID, testPassphrase)
	if err != nil {
		t.Fatalf("UnlockKeys: %v", err)
	}
	if keys.EncryptionPrivate == (domain.X25519Private{}) {
		t.Fatal("unlocked an empty encryption key")
	}
	if _, err := s.UnlockKeys(d.DeviceID, "Wrong-Passphrase-1"); !errors.Is(err, store.ErrWrongPassphrase) {
		t.Fatalf("want ErrWrongPassphrase, got %v", err)
	}
}

func TestVerifyRaisesScoreOnce(t *testing.T) {
	s := newRegistry(t)
	phone := register(t, s, "alice", "phone")
	laptop := register(t, s, "alice", "laptop")
	tablet := register(t, s, "alice", "tablet")

	v, err := s.VerifyDevice(laptop.DeviceID, phone.DeviceID)
	if err != nil {
		t.Fatalf("VerifyDevice: %v", err)
	}
	if v.TrustScore != 45 || !v.IsVerified || v.TrustLevel != domain.TrustVerified {
		t.Fatalf("after one verification: %+v", v)
	}
	again, err := s.VerifyDevice(laptop.DeviceID, phone.DeviceID)
	if err != nil || again.TrustScore != 45 {
		t.Fatalf("repeat verification: score %d err %v", again.TrustScore, err)
	}
	v, err = s.VerifyDevice(laptop.DeviceID, tablet.DeviceID)
	if err != nil || v.TrustScore != 65 || len(v.VerifiedBy) != 2 {
		t.Fatalf("second verifier: %+v err %v", v, err)
	}
}

func TestScoreIsClamped(t *testing.T) {
	s := newRegistry(t)
	target := register(t, s, "alice", "target")
	for i := 0; i < 5; i++ {
		by := register(t, s, "alice", "verifier")
		if _, err := s.VerifyDevice(target.DeviceID, by.DeviceID); err != nil {
			t.Fatalf("VerifyDevice: %v", err)
		}
	}
	d, _ := s.Device(target.DeviceID)
	if d.TrustScore != MaxTrustScore || d.TrustLevel != domain.TrustTrusted {
		t.Fatalf("score %d level %s", d.TrustScore, d.TrustLevel)
	}

	weak := register(t, s, "alice", "weak")
	for i := 0; i < 3; i++ {
		if _, err := s.PenalizeConflictLoss(weak.DeviceID); err != nil {
			t.Fatalf("PenalizeConflictLoss: %v", err)
		}
	}
	d, _ = s.Device(weak.DeviceID)
	if d.TrustScore != 0 {
		t.Fatalf("score %d, want 0", d.TrustScore)
	}
}

func TestVerifierRules(t *testing.T) {
	s := newRegistry(t)
	phone := register(t, s, "alice", "phone")
	laptop := register(t, s, "alice", "laptop")
	bobs := register(t, s, "bob", "phone")

	if _, err := s.VerifyDevice(phone.DeviceID, phone.DeviceID); !errors.Is(err, ErrVerifierMismatch) {
		t.Fatalf("self verification: %v", err)
	}
	if _, err := s.VerifyDevice(phone.DeviceID, bobs.DeviceID); !errors.Is(err, ErrVerifierMismatch) {
		t.Fatalf("cross-user verification: %v", err)
	}
	if _, err := s.VerifyDevice(phone.DeviceID, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown verifier: %v", err)
	}
	if _, err := s.RevokeDevice(laptop.DeviceID, "lost"); err != nil {
		t.Fatalf("RevokeDevice: %v", err)
	}
	if _, err := s.VerifyDevice(phone.DeviceID, laptop.DeviceID); !errors.Is(err, domain.ErrDeviceRevoked) {
		t.Fatalf("revoked verifier: %v", err)
	}
}

func TestRevokeExcludesFromSync(t *testing.T) {
	s := newRegistry(t)
	phone := register(t, s, "alice", "phone")
	laptop := register(t, s, "alice", "laptop")
	tablet := register(t, s, "alice", "tablet")
	for _, id := range []domain.DeviceID{laptop.DeviceID, tablet.DeviceID} {
		if _, err := s.VerifyDevice(id, phone.DeviceID); err != nil {
			t.Fatalf("VerifyDevice: %v", err)
		}
	}

	targets, err := s.SyncTargets("alice", phone.DeviceID)
	if err != nil || len(targets) != 2 {
		t.Fatalf("SyncTargets: %d err %v", len(targets), err)
	}

	r, err := s.RevokeDevice(tablet.DeviceID, "stolen")
	if err != nil {
		t.Fatalf("RevokeDevice: %v", err)
	}
	if !r.Revoked() || r.TrustScore != 0 || r.SealedKeys != nil || r.RevocationReason != "stolen" {
		t.Fatalf("unexpected revoked device %+v", r)
	}
	if _, err := s.UnlockKeys(tablet.DeviceID, testPassphrase); !errors.Is(err, domain.ErrDeviceRevoked) {
		t.Fatalf("unlock revoked: %v", err)
	}

	targets, _ = s.SyncTargets("alice", phone.DeviceID)
	if len(targets) != 1 || targets[0].DeviceID != laptop.DeviceID {
		t.Fatalf("targets after revoke: %+v", targets)
	}
}

func TestRecordSyncFailure(t *testing.T) {
	s := newRegistry(t)
	d := register(t, s, "alice", "phone")
	for i := 0; i < 2; i++ {
		if err := s.RecordSyncFailure(d.DeviceID, "gave up after 8 attempts"); err != nil {
			t.Fatalf("RecordSyncFailure: %v", err)
		}
	}
	got, _ := s.Device(d.DeviceID)
	if got.SyncFailures != 2 || got.LastSyncFailure == "" {
		t.Fatalf("unexpected device %+v", got)
	}
}

func TestAddDeviceFromAnotherRegistry(t *testing.T) {
	phoneSide := newRegistry(t)
	laptopSide := newRegistry(t)
	laptop := register(t, laptopSide, "alice", "laptop")
	phone := register(t, phoneSide, "alice", "phone")

	added, err := phoneSide.AddDevice(laptop)
	if err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if added.SealedKeys != nil || added.IsVerified || added.TrustScore != InitialTrustScore {
		t.Fatalf("unexpected imported device %+v", added)
	}
	if added.EncryptionPublicKey != laptop.EncryptionPublicKey {
		t.Fatalf("public key not kept")
	}
	if _, err := phoneSide.UnlockKeys(laptop.DeviceID, testPassphrase); err == nil {
		t.Fatalf("imported device unlocked without sealed keys")
	}

	if _, err := phoneSide.VerifyDevice(laptop.DeviceID, phone.DeviceID); err != nil {
		t.Fatalf("VerifyDevice: %v", err)
	}
	again, err := phoneSide.AddDevice(laptop)
	if err != nil || !again.IsVerified {
		t.Fatalf("re-adding replaced the stored record: %+v %v", again, err)
	}

	if _, err := phoneSide.AddDevice(domain.DeviceIdentity{UserID: "alice"}); !errors.Is(err, ErrIncompleteDevice) {
		t.Fatalf("incomplete device: %v", err)
	}
}
