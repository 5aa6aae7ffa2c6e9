/*
Package eventcore provides tools for secure event processing with features including:
- Sensitive data sanitization
- Envelope encryption with per-aggregate data keys
- Crypto-shredding through key destruction
- Content checksums for tamper detection
- Access control enforcement for audit reads

Payload encryption uses AES-GCM with a distinct data key per aggregate, so that
destroying a single key renders exactly one aggregate's stored payloads
unreadable while leaving every other aggregate intact.
*/
package eventcore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// AccessControlFunc defines a function signature for custom access control
// checks when reading audit entries. Implementations should return nil for
// granted access or an error describing the permission failure.
type AccessControlFunc func(ctx context.Context) error

// Sanitizer defines a function type for data sanitization. Implementations
// receive key-value pairs and return sanitized values. Used to redact or
// transform sensitive data in event payloads.
//
// Example: Redacting all but the first character of an email local part:
//  func(key string, value interface{}) interface{} {
//      if v, ok := value.(string); ok {
//          return sanitizeEmail(v)
//      }
//      return value
//  }
type Sanitizer func(key string, value interface{}) interface{}

// defaultSanitizers contains built-in sanitization rules for common sensitive
// fields. Applied automatically by SanitizePayload. Current rules:
//   - "email": Redacts email local part (e.g. "a****@example.com")
//   - "password": Replaces with static "****" regardless of value
//   - "free_text": Replaces raw user text with "[redacted]"
var defaultSanitizers = map[string]Sanitizer{
	"email": func(key string, value interface{}) interface{} {
		if v, ok := value.(string); ok {
			parts := strings.Split(v, "@")
			if len(parts) == 2 && len(parts[0]) > 0 {
				return parts[0][:1] + "****@" + parts[1]
			}
		}
		return value
	},
	"password": func(key string, value interface{}) interface{} {
		return "****"
	},
	"free_text": func(key string, value interface{}) interface{} {
		return "[redacted]"
	},
}

// SanitizePayload returns a copy of the event with sanitization rules applied
// to sensitive payload fields. Uses the package defaults plus any provided
// custom sanitizers; custom rules win on key collision. Events without a
// payload are returned unmodified.
func SanitizePayload(evt Event, custom ...map[string]Sanitizer) Event {
	if evt.Payload == nil {
		return evt
	}
	newPayload := make(map[string]any, len(evt.Payload))
	for k, v := range evt.Payload {
		s, exists := defaultSanitizers[k]
		for _, m := range custom {
			if cs, ok := m[k]; ok {
				s, exists = cs, true
			}
		}
		if exists {
			newPayload[k] = s(k, v)
		} else {
			newPayload[k] = v
		}
	}
	evt.Payload = newPayload
	return evt
}

// GenerateAESKey creates a cryptographically secure 256-bit AES key suitable
// for use as an aggregate data key. The key is generated using crypto/rand
// for secure random number generation.
//
// Returns:
//   - []byte: 32-byte AES-256 key
//   - error:  Any error during random number generation
func GenerateAESKey() ([]byte, error) {
	key := make([]byte, 32) // AES-256
	_, err := rand.Read(key)
	if err != nil {
		return nil, fmt.Errorf("failed to generate AES key: %w", err)
	}
	return key, nil
}

// EncryptPayload encrypts an event payload using AES-GCM. The process:
//   1. JSON-marshal the payload
//   2. Generate random nonce
//   3. Encrypt using AES-GCM with the nonce prepended to the ciphertext
//   4. Base64-encode the result
//
// Parameters:
//   - payload: The payload map to encrypt
//   - key: 32-byte AES key from GenerateAESKey
//
// Returns:
//   - string: Base64-encoded nonce+ciphertext
//   - error:  Any error during marshaling, encryption, or encoding
func EncryptPayload(payload map[string]any, key []byte) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return sealBytes(data, key)
}

// sealBytes encrypts raw bytes with AES-GCM, prepending the nonce and
// base64-encoding the result.
func sealBytes(data, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, data, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptPayload reverses EncryptPayload, returning the original payload map.
//
// Parameters:
//   - encrypted: Base64-encoded nonce+ciphertext from EncryptPayload
//   - key: The 32-byte AES key the payload was encrypted with
//
// Returns:
//   - map[string]any: The decrypted payload
//   - error: Any error during decoding, decryption, or unmarshaling
func DecryptPayload(encrypted string, key []byte) (map[string]any, error) {
	data, err := openBytes(encrypted, key)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return payload, nil
}

// openBytes reverses sealBytes.
func openBytes(encrypted string, key []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	data, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return data, nil
}

// Keyring holds one AES-256 data key per aggregate. Destroying an aggregate's
// key is the erasure mechanism behind crypto-shredding: stored ciphertext for
// that aggregate becomes permanently unreadable while every other aggregate's
// key, and therefore data, is untouched.
type Keyring struct {
	mu   sync.RWMutex
	id   string
	keys map[string][]byte
}

// NewKeyring creates an empty keyring. The id names the keyring in
// StoredEvent.EncryptionKeyID values ("<id>/<aggregateID>").
func NewKeyring(id string) *Keyring {
	return &Keyring{id: id, keys: make(map[string][]byte)}
}

// ID returns the keyring's identifier.
func (k *Keyring) ID() string { return k.id }

// KeyFor returns the data key for an aggregate, generating and retaining a
// fresh key on first use.
func (k *Keyring) KeyFor(aggregateID string) ([]byte, error) {
	k.mu.RLock()
	key, ok := k.keys[aggregateID]
	k.mu.RUnlock()
	if ok {
		return key, nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if key, ok := k.keys[aggregateID]; ok {
		return key, nil
	}
	key, err := GenerateAESKey()
	if err != nil {
		return nil, err
	}
	k.keys[aggregateID] = key
	return key, nil
}

// Key returns the data key for an aggregate without generating one.
func (k *Keyring) Key(aggregateID string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[aggregateID]
	return key, ok
}

// Destroy erases an aggregate's data key, reporting whether one existed.
// The key bytes are zeroed before removal.
func (k *Keyring) Destroy(aggregateID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	key, ok := k.keys[aggregateID]
	if !ok {
		return false
	}
	for i := range key {
		key[i] = 0
	}
	delete(k.keys, aggregateID)
	return true
}

// Len returns the number of aggregates holding a data key.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// EventChecksum computes the SHA-256 content digest of an event over its
// identity, aggregate coordinates, timestamp, version, and canonical JSON
// payload. The digest is deterministic for identical content and sensitive to
// any change in the covered fields.
//
// Returns:
//   - string: Lowercase hex digest
//   - error:  Any error marshaling the payload
func EventChecksum(evt Event) (string, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload for checksum: %w", err)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d|",
		evt.ID, evt.Type, evt.AggregateID, evt.AggregateType,
		evt.Timestamp.UTC().Format(time.RFC3339Nano), evt.Version)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SnapshotChecksum computes the SHA-256 content digest of a snapshot.
func SnapshotChecksum(aggregateID, aggregateType string, version uint64, state []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|", aggregateID, aggregateType, version)
	h.Write(state)
	return hex.EncodeToString(h.Sum(nil))
}

// HashIP returns the SHA-256 hex digest of an IP address for audit entries.
// Raw addresses are never stored; the hash still allows matching entries from
// the same origin.
func HashIP(ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}

// CheckAuditAccess verifies permissions for reading audit entries through
// a two-tiered authorization system:
//
// 1. Context-specific check: If an AccessControlFunc is set in context using
//    the accessControlKey, it will be executed.
// 2. Default role check: When no custom check exists, verifies the context
//    contains a "role" value of "admin".
//
// Parameters:
//   - ctx: Context containing either an AccessControlFunc or role information
//
// Returns:
//   - error: Permission denied error or nil for successful authorization
func CheckAuditAccess(ctx context.Context) error {
	if val := ctx.Value(accessControlKey{}); val != nil {
		if accessFunc, ok := val.(AccessControlFunc); ok && accessFunc != nil {
			return accessFunc(ctx)
		}
	}
	role, _ := ctx.Value("role").(string)
	if role != "admin" {
		return fmt.Errorf("access denied: insufficient permissions")
	}
	return nil
}

// WithAccessControl attaches a custom access control check to the context,
// overriding the default role check for audit reads within that context.
func WithAccessControl(ctx context.Context, fn AccessControlFunc) context.Context {
	return context.WithValue(ctx, accessControlKey{}, fn)
}

// accessControlKey is the context key type for storing and retrieving
// AccessControlFunc implementations in context.Context. Used to provide
// custom access control logic per-request or per-operation.
type accessControlKey struct{}
