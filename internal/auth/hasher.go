package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
)

// Argon2Params tunes the argon2id cost. Stored digests do not record the
// parameters, so a deployment must keep them stable.
type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	SaltLen int
	KeyLen  uint32
}

// DefaultArgon2Params are the OWASP-recommended argon2id settings.
var DefaultArgon2Params = Argon2Params{
	Time:    1,
	Memory:  64 * 1024,
	Threads: 4,
	SaltLen: 16,
	KeyLen:  32,
}

const minSaltLen = 16

// PasswordHasher turns plaintext passwords into storable digests.
type PasswordHasher interface {
	// Hash returns a fresh "salt:hash" digest for password.
	Hash(password string) (string, error)
	// Verify reports whether password matches digest. A malformed digest
	// never matches.
	Verify(password, digest string) bool
}

// Argon2Hasher implements PasswordHasher with argon2id and hex encoding.
type Argon2Hasher struct {
	params Argon2Params
}

// NewArgon2Hasher builds a hasher with DefaultArgon2Params.
func NewArgon2Hasher() *Argon2Hasher {
	return NewArgon2HasherWithParams(DefaultArgon2Params)
}

// NewArgon2HasherWithParams builds a hasher with explicit cost parameters.
func NewArgon2HasherWithParams(p Argon2Params) *Argon2Hasher {
	if p.SaltLen < minSaltLen {
		p.SaltLen = minSaltLen
	}
	return &Argon2Hasher{params: p}
}

// Hash draws a random salt and derives the key.
func (h *Argon2Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("AUTH_SALT_FAILED").Wrap(err)
	}
	key := h.derive(password, salt)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(key), nil
}

// Verify recomputes the key from the stored salt and compares in constant time.
func (h *Argon2Hasher) Verify(password, digest string) bool {
	saltHex, keyHex, ok := strings.Cut(digest, ":")
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil || len(salt) < minSaltLen {
		return false
	}
	expected, err := hex.DecodeString(keyHex)
	if err != nil || len(expected) != int(h.params.KeyLen) {
		return false
	}
	return subtle.ConstantTimeCompare(h.derive(password, salt), expected) == 1
}

func (h *Argon2Hasher) derive(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, h.params.Time, h.params.Memory, h.params.Threads, h.params.KeyLen)
}

var _ PasswordHasher = (*Argon2Hasher)(nil)
