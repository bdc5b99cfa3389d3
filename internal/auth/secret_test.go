package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestHashSecret_RoundTrip(t *testing.T) {
	hash, err := HashSecret("operator-token")
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}

	parts := strings.Split(hash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" || parts[3] != "m=65536,t=3,p=1" {
		t.Fatalf("unexpected PHC string %q", hash)
	}

	ok, err := VerifySecret("operator-token", hash)
	if err != nil || !ok {
		t.Errorf("VerifySecret(correct) = %v, %v; want true, nil", ok, err)
	}
	ok, err = VerifySecret("wrong", hash)
	if err != nil || ok {
		t.Errorf("VerifySecret(wrong) = %v, %v; want false, nil", ok, err)
	}
}

func TestHashSecret_UniqueSalts(t *testing.T) {
	a, _ := HashSecret("same") //nolint:errcheck // checked by round trip test
	b, _ := HashSecret("same") //nolint:errcheck // checked by round trip test
	if a == b {
		t.Error("two hashes of the same secret share a salt")
	}
}

func TestVerifySecret_InvalidFormat(t *testing.T) {
	tests := []struct {
		name string
		hash string
	}{
		{"empty", ""},
		{"not PHC", "plaintext"},
		{"wrong algorithm", "$bcrypt$v=19$m=65536,t=3,p=1$salt$hash"},
		{"too few parts", "$argon2id$v=19$m=65536,t=3,p=1"},
		{"bad salt", "$argon2id$v=19$m=65536,t=3,p=1$!!!$aGFzaA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := VerifySecret("secret", tt.hash)
			if !errors.Is(err, ErrInvalidHash) {
				t.Errorf("VerifySecret() error = %v, want ErrInvalidHash", err)
			}
		})
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	if len(a) != 64 {
		t.Errorf("len = %d, want 64 hex chars", len(a))
	}
	if b, _ := GenerateSecret(); a == b { //nolint:errcheck // uniqueness only
		t.Error("two secrets are equal")
	}
}
