package hashing

import (
	"errors"
	"strings"
	"testing"
)

func TestHashTokenIsDeterministic(t *testing.T) {
	h, err := NewHasherWithPepper("pepper")
	if err != nil {
		t.Fatalf("NewHasherWithPepper() error: %v", err)
	}

	a := h.HashToken("token-a")
	if a != h.HashToken("token-a") {
		t.Fatal("same token hashed to different values")
	}
	if a == h.HashToken("token-b") {
		t.Fatal("different tokens hashed to the same value")
	}
	if len(a) != TokenHashLength {
		t.Errorf("len(hash) = %d, want %d", len(a), TokenHashLength)
	}
	if strings.Contains(a, "token-a") {
		t.Error("hash leaks the raw token")
	}
}

func TestPepperChangesHash(t *testing.T) {
	plain, _ := NewHasherWithPepper("")
	peppered, _ := NewHasherWithPepper("secret")

	if plain.HashToken("t") == peppered.HashToken("t") {
		t.Error("pepper did not change the digest")
	}
}

func TestLongPepperIsAccepted(t *testing.T) {
	if _, err := NewHasherWithPepper(strings.Repeat("p", 200)); err != nil {
		t.Fatalf("long pepper rejected: %v", err)
	}
}

func TestNormalizeHash(t *testing.T) {
	h, _ := NewHasherWithPepper("")
	digest := h.HashToken("abc")

	got, err := NormalizeHash("  " + strings.ToUpper(digest) + " ")
	if err != nil || got != digest {
		t.Fatalf("NormalizeHash() = %q, %v", got, err)
	}
	for _, bad := range []string{"", "abc", strings.Repeat("z", TokenHashLength)} {
		if _, err := NormalizeHash(bad); !errors.Is(err, ErrInvalidHash) {
			t.Errorf("NormalizeHash(%q) error = %v, want ErrInvalidHash", bad, err)
		}
	}
}
