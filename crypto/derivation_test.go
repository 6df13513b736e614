package crypto

import (
	"bytes"
	"testing"
)

func TestDeriveKeysDeterministic(t *testing.T) {
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt() error: %v", err)
	}

	first, err := DeriveKeys([]byte("correct-horse"), salt)
	if err != nil {
		t.Fatalf("DeriveKeys() error: %v", err)
	}
	second, err := DeriveKeys([]byte("correct-horse"), salt)
	if err != nil {
		t.Fatalf("DeriveKeys() second call error: %v", err)
	}

	if first.UserID != second.UserID {
		t.Error("UserID differs between identical derivations")
	}
	if first.RealStorageKey != second.RealStorageKey {
		t.Error("RealStorageKey differs between identical derivations")
	}
	if first.DecoyStorageKey != second.DecoyStorageKey {
		t.Error("DecoyStorageKey differs between identical derivations")
	}
	if first.SigningSeed != second.SigningSeed {
		t.Error("SigningSeed differs between identical derivations")
	}
}

func TestDeriveKeysIndependence(t *testing.T) {
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt() error: %v", err)
	}

	dk, err := DeriveKeys([]byte("correct-horse"), salt)
	if err != nil {
		t.Fatalf("DeriveKeys() error: %v", err)
	}

	// Domain separation: no two derived keys may collide.
	if dk.RealStorageKey == dk.DecoyStorageKey {
		t.Error("real and decoy storage keys are identical")
	}
	if dk.RealStorageKey == dk.SigningSeed {
		t.Error("real storage key and signing seed are identical")
	}
	if dk.DecoyStorageKey == dk.SigningSeed {
		t.Error("decoy storage key and signing seed are identical")
	}
}

func TestDeriveKeysInputSensitivity(t *testing.T) {
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt() error: %v", err)
	}
	otherSalt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt() error: %v", err)
	}

	base, err := DeriveKeys([]byte("correct-horse"), salt)
	if err != nil {
		t.Fatalf("DeriveKeys() error: %v", err)
	}

	cases := []struct {
		name   string
		secret []byte
		salt   []byte
	}{
		{"different secret", []byte("wrong-guess"), salt},
		{"different salt", []byte("correct-horse"), otherSalt},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dk, err := DeriveKeys(tc.secret, tc.salt)
			if err != nil {
				t.Fatalf("DeriveKeys() error: %v", err)
			}
			if dk.UserID == base.UserID {
				t.Error("UserID unchanged despite different input")
			}
			if dk.RealStorageKey == base.RealStorageKey {
				t.Error("RealStorageKey unchanged despite different input")
			}
		})
	}
}

func TestDeriveKeysValidation(t *testing.T) {
	salt, _ := GenerateSalt()

	if _, err := DeriveKeys(nil, salt); err == nil {
		t.Error("DeriveKeys() accepted empty secret")
	}
	if _, err := DeriveKeys([]byte("secret"), salt[:8]); err == nil {
		t.Error("DeriveKeys() accepted short salt")
	}
}

func TestDerivedKeysWipe(t *testing.T) {
	salt, _ := GenerateSalt()
	dk, err := DeriveKeys([]byte("correct-horse"), salt)
	if err != nil {
		t.Fatalf("DeriveKeys() error: %v", err)
	}

	dk.Wipe()

	zero := make([]byte, KeySize)
	if !bytes.Equal(dk.RealStorageKey[:], zero) {
		t.Error("Wipe() left real storage key material behind")
	}
	if !bytes.Equal(dk.DecoyStorageKey[:], zero) {
		t.Error("Wipe() left decoy storage key material behind")
	}
	if !bytes.Equal(dk.SigningSeed[:], zero) {
		t.Error("Wipe() left signing seed material behind")
	}
}

func TestGenerateSaltUnique(t *testing.T) {
	a, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt() error: %v", err)
	}
	b, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt() error: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two generated salts are identical")
	}
	if len(a) != SaltSize {
		t.Errorf("salt size = %d, want %d", len(a), SaltSize)
	}
}
