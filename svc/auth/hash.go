package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const maxPasswordLength = 1024

// Hasher produces and verifies one-way argon2id digests for paste secrets.
// An optional pepper is HMAC-ed into the password before hashing.
type Hasher struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
	keyLength   uint32
	pepper      []byte
}

func NewHasher(time, memory uint32, parallelism uint8, pepper []byte) (*Hasher, error) {
	if time == 0 || time > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 8*1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 8192 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	if len(pepper) > 0 && len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes when set")
	}
	pepperCopy := make([]byte, len(pepper))
	copy(pepperCopy, pepper)
	return &Hasher{
		iterations:  time,
		memory:      memory,
		parallelism: parallelism,
		keyLength:   32,
		pepper:      pepperCopy,
	}, nil
}

func (h *Hasher) Hash(password string) (string, error) {
	if len(password) > maxPasswordLength {
		return "", errors.New("password too long")
	}
	input := h.applyPepper(password)
	defer wipe(input)
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "read salt")
	}
	hash := argon2.IDKey(input, salt, h.iterations, h.memory, h.parallelism, h.keyLength)
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism, b64Salt, b64Hash), nil
}

// Verify recomputes the digest with the encoded parameters and compares in
// constant time. Malformed encodings still burn a full hash so outcomes are
// timing-uniform.
func (h *Hasher) Verify(pwd, encoded string) (bool, error) {
	if len(pwd) > maxPasswordLength {
		pwd = pwd[:maxPasswordLength]
	}
	mem, time, threads := h.memory, h.iterations, h.parallelism
	var salt, hash []byte
	valid := true
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		valid = false
	} else if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &time, &threads); err != nil {
		valid = false
	} else if mem > 2*1024*1024 || time > 1000 || threads > 128 {
		valid = false
	} else {
		var err error
		salt, err = base64.RawStdEncoding.DecodeString(parts[4])
		if err != nil || len(salt) == 0 {
			valid = false
		}
		hash, err = base64.RawStdEncoding.DecodeString(parts[5])
		if err != nil || len(hash) == 0 || len(hash) > 256 {
			valid = false
		}
	}
	if !valid {
		mem, time, threads = h.memory, h.iterations, h.parallelism
		salt = make([]byte, 16)
		hash = make([]byte, 32)
	}
	defer wipe(salt)
	defer wipe(hash)
	input := h.applyPepper(pwd)
	defer wipe(input)
	other := argon2.IDKey(input, salt, time, mem, threads, uint32(len(hash)))
	defer wipe(other)
	match := subtle.ConstantTimeCompare(hash, other) == 1
	return valid && match, nil
}

func (h *Hasher) applyPepper(password string) []byte {
	if len(h.pepper) == 0 {
		return []byte(password)
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(password))
	return mac.Sum(nil)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
