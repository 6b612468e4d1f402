package hashing

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"

	"admission-service/internal/config"
)

var ErrInvalidHash = errors.New("invalid token hash format")

// TokenHashLength is the length of a hex encoded BLAKE2b-256 digest.
const TokenHashLength = blake2b.Size256 * 2

// Hasher derives the store key of a bearer credential. Raw tokens never reach Redis.
type Hasher struct {
	key []byte
}

func NewHasher(cfg *config.Config) (*Hasher, error) {
	return NewHasherWithPepper(cfg.Admission.TokenPepper)
}

// NewHasherWithPepper keys BLAKE2b with pepper. Peppers longer than the 64 byte
// BLAKE2b key limit are compressed first.
func NewHasherWithPepper(pepper string) (*Hasher, error) {
	key := []byte(pepper)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum512(key)
		key = sum[:]
	}
	// Fail at construction rather than on the first request.
	if _, err := blake2b.New256(key); err != nil {
		return nil, fmt.Errorf("invalid token pepper: %w", err)
	}
	return &Hasher{key: key}, nil
}

// HashToken returns the hex digest used as the revocation key of token.
func (h *Hasher) HashToken(token string) string {
	d := h.digest()
	d.Write([]byte(token))
	return hex.EncodeToString(d.Sum(nil))
}

func (h *Hasher) digest() hash.Hash {
	d, err := blake2b.New256(h.key)
	if err != nil {
		// The key was validated in NewHasherWithPepper.
		panic(err)
	}
	return d
}

// NormalizeHash validates an externally supplied token hash and lowercases it.
func NormalizeHash(tokenHash string) (string, error) {
	tokenHash = strings.ToLower(strings.TrimSpace(tokenHash))
	if len(tokenHash) != TokenHashLength {
		return "", ErrInvalidHash
	}
	if _, err := hex.DecodeString(tokenHash); err != nil {
		return "", ErrInvalidHash
	}
	return tokenHash, nil
}
