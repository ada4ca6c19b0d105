package creds

import (
	"errors"
	"testing"
)

func TestHashAndVerify(t *testing.T) {
	hash, err := Hash("correct-horse-1")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if hash == "correct-horse-1" {
		t.Fatal("hash should not equal the plain password")
	}
	if !Verify(hash, "correct-horse-1") {
		t.Error("expected matching password to verify")
	}
	if Verify(hash, "wrong-password-1") {
		t.Error("expected mismatched password to fail")
	}
}

func TestHashRejectsWeakPasswords(t *testing.T) {
	cases := []struct {
		name     string
		password string
	}{
		{"too short", "ab1"},
		{"no digit", "onlyletters"},
		{"no letter", "1234567890"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Hash(tc.password); !errors.Is(err, ErrWeakPassword) {
				t.Errorf("expected ErrWeakPassword, got %v", err)
			}
		})
	}
}
