// Package auth provides API key generation and Argon2id verification for the
// funcall server.
//
// Two key types exist:
//   - API key (fnc_ prefix): callers of the HTTP management and dispatch API.
//   - Connector key (cnk_ prefix): WebSocket tool connectors.
//
// Keys are generated with crypto/rand and hashed with Argon2id. Plaintext
// keys are shown once at generation time; only hashes are stored.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
)

// Key prefixes identify the key type at a glance.
const (
	PrefixAPI       = "fnc_" // HTTP API callers
	PrefixConnector = "cnk_" // WebSocket tool connectors
)

// Argon2id parameters. These match the OWASP recommended defaults.
// Memory: 64 MiB, Iterations: 3, Parallelism: 4, Key length: 32 bytes.
const (
	argon2Memory      = 64 * 1024 // 64 MiB in KiB
	argon2Iterations  = 3
	argon2Parallelism = 4
	argon2KeyLength   = 32
	argon2SaltLength  = 16
)

// GeneratedKey holds a newly generated key and its Argon2id hash.
// The plaintext Key is shown once to the user. Only the Hash is stored.
type GeneratedKey struct {
	Key  string // plaintext key, show once then discard
	Hash string // Argon2id PHC hash string, store in env var
}

// GenerateAPIKey creates a new key for HTTP API authentication.
func GenerateAPIKey() (*GeneratedKey, error) {
	return generateKey(PrefixAPI)
}

// GenerateConnectorKey creates a new key for connector authentication.
// Connectors use a separate key type from API callers so each can be rotated
// independently.
func GenerateConnectorKey() (*GeneratedKey, error) {
	return generateKey(PrefixConnector)
}

// generateKey creates a key with the given prefix and 32 random bytes,
// base64url-encoded without padding, then hashes it with Argon2id.
func generateKey(prefix string) (*GeneratedKey, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}

	key := prefix + base64.RawURLEncoding.EncodeToString(secret)

	hash, err := HashKey(key)
	if err != nil {
		return nil, fmt.Errorf("hashing key: %w", err)
	}

	return &GeneratedKey{Key: key, Hash: hash}, nil
}

// ValidateKeyPrefix checks that a key string starts with a known prefix and
// returns that prefix.
func ValidateKeyPrefix(key string) (string, error) {
	switch {
	case strings.HasPrefix(key, PrefixAPI):
		return PrefixAPI, nil
	case strings.HasPrefix(key, PrefixConnector):
		return PrefixConnector, nil
	default:
		return "", fmt.Errorf("unknown key prefix: key must start with %q or %q", PrefixAPI, PrefixConnector)
	}
}

// HashKey hashes a plaintext key using Argon2id and returns a PHC-format string:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<salt_b64>$<hash_b64>
//
// The same format is produced by most Argon2 libraries, so hashes are
// interoperable across languages.
func HashKey(key string) (string, error) {
	salt := make([]byte, argon2SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(key), salt, argon2Iterations, argon2Memory, argon2Parallelism, argon2KeyLength)

	saltB64 := base64.RawStdEncoding.EncodeToString(salt)
	hashB64 := base64.RawStdEncoding.EncodeToString(hash)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argon2Memory, argon2Iterations, argon2Parallelism,
		saltB64, hashB64), nil
}

// VerifyKey checks a plaintext key against an Argon2id PHC-format hash string
// using constant-time comparison.
func VerifyKey(key string, phcHash string) (bool, error) {
	salt, params, expectedHash, err := parsePHC(phcHash)
	if err != nil {
		return false, fmt.Errorf("parsing hash: %w", err)
	}

	computedHash := argon2.IDKey([]byte(key), salt, params.iterations, params.memory, params.parallelism, uint32(len(expectedHash)))

	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1, nil
}

// argon2Params holds the parsed parameters from a PHC string.
type argon2Params struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
}

// parsePHC extracts the salt, parameters, and hash from a PHC-format string.
func parsePHC(phc string) (salt []byte, params argon2Params, hash []byte, err error) {
	// Leading '$' creates an empty first element:
	// ["", "argon2id", "v=19", "m=65536,t=3,p=4", "<salt>", "<hash>"]
	parts := strings.Split(phc, "$")
	if len(parts) != 6 {
		return nil, params, nil, fmt.Errorf("invalid PHC format: expected 6 parts, got %d", len(parts))
	}

	if parts[1] != "argon2id" {
		return nil, params, nil, fmt.Errorf("unsupported algorithm: %q (only argon2id supported)", parts[1])
	}

	var m, t uint32
	var p uint8
	n, scanErr := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &p)
	if scanErr != nil || n != 3 {
		return nil, params, nil, fmt.Errorf("invalid parameters: %q", parts[3])
	}
	params = argon2Params{memory: m, iterations: t, parallelism: p}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, params, nil, fmt.Errorf("decoding salt: %w", err)
	}

	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, params, nil, fmt.Errorf("decoding hash: %w", err)
	}

	return salt, params, hash, nil
}

// Verifier wraps VerifyKey with a process-local cache.
//
// Argon2id verification is intentionally slow (~100ms). A server handling
// many requests with the same key caches the result so only the first
// verification pays the cost. Entries expire after the configured TTL to
// limit exposure if a key is revoked.
type Verifier struct {
	apiHash       string
	connectorHash string

	cache   map[string]cacheEntry
	cacheMu sync.RWMutex
	ttl     time.Duration
}

type cacheEntry struct {
	valid     bool
	expiresAt time.Time
}

// NewVerifier creates a Verifier with the given Argon2id hashes. Either hash
// may be empty if that key type is not configured.
func NewVerifier(apiHash, connectorHash string, cacheTTL time.Duration) *Verifier {
	return &Verifier{
		apiHash:       apiHash,
		connectorHash: connectorHash,
		cache:         make(map[string]cacheEntry),
		ttl:           cacheTTL,
	}
}

// VerifyAPIKey checks if the given key is a valid API key.
func (v *Verifier) VerifyAPIKey(key string) (bool, error) {
	if v.apiHash == "" {
		return false, fmt.Errorf("API key not configured")
	}
	return v.verifyWithCache(key, v.apiHash)
}

// VerifyConnectorKey checks if the given key is a valid connector key.
func (v *Verifier) VerifyConnectorKey(key string) (bool, error) {
	if v.connectorHash == "" {
		return false, fmt.Errorf("connector key not configured")
	}
	return v.verifyWithCache(key, v.connectorHash)
}

// verifyWithCache checks the cache first, falls back to Argon2 verification.
// Both positive and negative results are cached.
func (v *Verifier) verifyWithCache(key, hash string) (bool, error) {
	// The cache key combines the plaintext key and the hash it's verified
	// against, so changing the hash invalidates the cache.
	cacheKey := key + "|" + hash

	v.cacheMu.RLock()
	entry, ok := v.cache[cacheKey]
	v.cacheMu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		return entry.valid, nil
	}

	valid, err := VerifyKey(key, hash)
	if err != nil {
		return false, err
	}

	v.cacheMu.Lock()
	v.cache[cacheKey] = cacheEntry{
		valid:     valid,
		expiresAt: time.Now().Add(v.ttl),
	}
	v.cacheMu.Unlock()

	return valid, nil
}
