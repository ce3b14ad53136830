// Package vault implements the Credential Vault Adapter (C1): store,
// reference, and destroy per-deployment secrets, returning an opaque
// reference the build orchestrator substitutes into the runtime's
// environment binding. Grounded on internal/secrets.SecretsManager's
// AES-256-GCM/PBKDF2 envelope, rekeyed per-deployment instead of per-user.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrInvalidMasterKey = errors.New("vault: invalid master key")
	ErrSecretNotFound    = errors.New("vault: secret not found")
	ErrInvalidSecretKey  = errors.New("vault: secret key fails validation")
	ErrDecryptionFailed  = errors.New("vault: decryption failed")
)

const (
	pbkdf2Iterations = 100_000
	keyLenBytes      = 32
	minSecretLen     = 20
	maxSecretLen     = 100
)

var secretKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateKey enforces the user-provided key's length and character class
// (spec §4.9). No semantic validation is performed: the runtime must
// tolerate an invalid key yielding a degraded app.
func ValidateKey(key string) error {
	if len(key) < minSecretLen || len(key) > maxSecretLen {
		return ErrInvalidSecretKey
	}
	if !secretKeyPattern.MatchString(key) {
		return ErrInvalidSecretKey
	}
	return nil
}

// envelope is the at-rest representation of a stored secret: ciphertext,
// its per-secret salt, and a version counter so Store is idempotent-with-
// append rather than overwrite (spec: "adds a new version").
type envelope struct {
	ciphertext string
	salt       string
	version    int
}

// Vault is the in-memory keyring backing the Credential Vault Adapter.
// Secrets never leave the process after Store returns a Reference; the
// control plane never logs, persists, or returns the plaintext again.
type Vault struct {
	masterKey []byte
	mu        sync.RWMutex
	secrets   map[string]*envelope // deployment_id -> envelope
}

// New constructs a Vault from a base64-encoded master key (>=32 bytes).
func New(masterKeyBase64 string) (*Vault, error) {
	if masterKeyBase64 == "" {
		return nil, ErrInvalidMasterKey
	}
	key, err := base64.StdEncoding.DecodeString(masterKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMasterKey, err)
	}
	if len(key) < keyLenBytes {
		return nil, ErrInvalidMasterKey
	}
	return &Vault{
		masterKey: key,
		secrets:   make(map[string]*envelope),
	}, nil
}

// GenerateMasterKey produces a fresh random master key for initial setup.
func GenerateMasterKey() (string, error) {
	key := make([]byte, keyLenBytes)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Reference is the opaque handle returned to the build orchestrator for
// environment binding resolution. It carries no secret material.
type Reference struct {
	DeploymentID string `json:"deployment_id"`
	Version      int    `json:"version"`
}

func (r Reference) String() string {
	return fmt.Sprintf("vault://%s/v%d", r.DeploymentID, r.Version)
}

func (v *Vault) deriveKey(deploymentID string, salt []byte) []byte {
	combined := append(append([]byte{}, v.masterKey...), []byte("deployment:"+deploymentID)...)
	return pbkdf2.Key(combined, salt, pbkdf2Iterations, keyLenBytes, sha256.New)
}

func randomSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

func seal(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func open(key []byte, ciphertextB64 string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Store creates (or, if already present, adds a new version to) the secret
// named by deploymentID and returns an opaque reference. Idempotent on the
// deployment id: re-storing under the same id bumps the version rather than
// creating a second secret.
func (v *Vault) Store(deploymentID, secret string) (Reference, error) {
	if err := ValidateKey(secret); err != nil {
		return Reference{}, err
	}

	salt, err := randomSalt()
	if err != nil {
		return Reference{}, err
	}
	key := v.deriveKey(deploymentID, salt)
	ciphertext, err := seal(key, []byte(secret))
	if err != nil {
		return Reference{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	version := 1
	if existing, ok := v.secrets[deploymentID]; ok {
		version = existing.version + 1
	}
	v.secrets[deploymentID] = &envelope{
		ciphertext: ciphertext,
		salt:       base64.StdEncoding.EncodeToString(salt),
		version:    version,
	}
	return Reference{DeploymentID: deploymentID, Version: version}, nil
}

// Resolve decrypts the current secret value for deploymentID. Called only
// by the runtime environment-binding path at launch time, never logged.
func (v *Vault) Resolve(deploymentID string) (string, error) {
	v.mu.RLock()
	env, ok := v.secrets[deploymentID]
	v.mu.RUnlock()
	if !ok {
		return "", ErrSecretNotFound
	}
	salt, err := base64.StdEncoding.DecodeString(env.salt)
	if err != nil {
		return "", fmt.Errorf("invalid salt: %w", err)
	}
	key := v.deriveKey(deploymentID, salt)
	plaintext, err := open(key, env.ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Destroy removes the secret. Safe to call on an absent secret (compensating
// action on create-failure, and on deletion/TTL reap) — deleting an absent
// key is a no-op, not an error.
func (v *Vault) Destroy(deploymentID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.secrets, deploymentID)
	return nil
}

// Has reports whether a secret is currently stored for deploymentID.
func (v *Vault) Has(deploymentID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.secrets[deploymentID]
	return ok
}
