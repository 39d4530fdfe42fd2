package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const phcAlgorithm = "argon2id"

var (
	phcVersion = "v=" + strconv.Itoa(argon2.Version)
	b64        = base64.RawStdEncoding
)

// phc is a decoded "$argon2id$v=19$m=..,t=..,p=..$salt$key" string.
type phc struct {
	params Argon2idParams
	salt   []byte
	key    []byte
}

func (h phc) String() string {
	return "$" + phcAlgorithm +
		"$" + phcVersion +
		"$m=" + strconv.FormatUint(uint64(h.params.MemoryKiB), 10) +
		",t=" + strconv.FormatUint(uint64(h.params.Iterations), 10) +
		",p=" + strconv.FormatUint(uint64(h.params.Parallelism), 10) +
		"$" + b64.EncodeToString(h.salt) +
		"$" + b64.EncodeToString(h.key)
}

func derive(password string, salt []byte, p Argon2idParams, keyLen uint32) []byte {
	return argon2.IDKey([]byte(password), salt, p.Iterations, p.MemoryKiB, p.Parallelism, keyLen)
}

// Hash validates password against the policy and returns its Argon2id PHC
// encoding under c.Params.
func (c Config) Hash(password string) (string, error) {
	if err := c.Validate(password); err != nil {
		return "", err
	}
	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("password: salt: %w", err)
	}
	h := phc{params: c.Params, salt: salt, key: derive(password, salt, c.Params, c.Params.KeyLength)}
	return h.String(), nil
}

// Verify reports whether password matches encodedHash. Malformed hashes and
// hashes whose cost exceeds twice the configured parameters return
// ErrInvalidHash, so a stored value cannot force unbounded work.
func (c Config) Verify(encodedHash, password string) (bool, error) {
	h, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}
	if !withinReasonableBounds(h.params, c.Params) {
		return false, ErrInvalidHash
	}
	got := derive(password, h.salt, h.params, uint32(len(h.key))) // #nosec G115 -- bounded by withinReasonableBounds.
	return subtle.ConstantTimeCompare(got, h.key) == 1, nil
}

// Matches is the fail-closed form of Verify.
func (c Config) Matches(encodedHash, password string) bool {
	ok, err := c.Verify(encodedHash, password)
	return err == nil && ok
}

// NeedsRehash is true when any embedded parameter is weaker than c.Params,
// or when the hash cannot be decoded at all.
func (c Config) NeedsRehash(encodedHash string) bool {
	h, err := parsePHC(encodedHash)
	if err != nil {
		return true
	}
	got, want := h.params, c.Params
	return got.MemoryKiB < want.MemoryKiB ||
		got.Iterations < want.Iterations ||
		got.Parallelism < want.Parallelism ||
		got.SaltLength < want.SaltLength ||
		got.KeyLength < want.KeyLength
}

func withinReasonableBounds(got, limits Argon2idParams) bool {
	switch {
	case got.MemoryKiB > limits.MemoryKiB*2,
		got.Iterations > limits.Iterations*2,
		uint32(got.Parallelism) > uint32(limits.Parallelism)*2:
		return false
	case got.SaltLength < 8 || got.SaltLength > 64:
		return false
	case got.KeyLength < 16 || got.KeyLength > 128:
		return false
	}
	return true
}

func parsePHC(encoded string) (phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != phcAlgorithm || parts[2] != phcVersion {
		return phc{}, ErrInvalidHash
	}

	var mem, iter, par uint64
	for _, kv := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return phc{}, ErrInvalidHash
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			return phc{}, ErrInvalidHash
		}
		switch k {
		case "m":
			mem = n
		case "t":
			iter = n
		case "p":
			par = n
		default:
			return phc{}, ErrInvalidHash
		}
	}
	if mem == 0 || iter == 0 || par == 0 || par > 255 {
		return phc{}, ErrInvalidHash
	}

	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return phc{}, ErrInvalidHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return phc{}, ErrInvalidHash
	}

	return phc{
		params: Argon2idParams{
			MemoryKiB:   uint32(mem),       // #nosec G115 -- parsed with bitSize 32.
			Iterations:  uint32(iter),      // #nosec G115 -- parsed with bitSize 32.
			Parallelism: uint8(par),        // #nosec G115 -- checked <= 255 above.
			SaltLength:  uint32(len(salt)), // #nosec G115 -- segment of a bounded string.
			KeyLength:   uint32(len(key)),  // #nosec G115 -- segment of a bounded string.
		},
		salt: salt,
		key:  key,
	}, nil
}
