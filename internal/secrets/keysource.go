package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
)

// EnvPassphrase overrides the machine-id derived encryption key.
const EnvPassphrase = "STEWARD_SECRETS_PASSPHRASE"

// ErrNoKey is returned when neither a passphrase nor a machine id is available.
var ErrNoKey = errors.New("secrets: no encryption key")

// Hooks for tests.
var (
	keySourceReadFile    = os.ReadFile
	keySourceUserHomeDir = os.UserHomeDir
	keySourceMkdirAll    = os.MkdirAll
	machineIDPath        = "/etc/machine-id"
)

// KeySource returns a 32-byte key from STEWARD_SECRETS_PASSPHRASE or /etc/machine-id.
func KeySource() ([]byte, error) {
	if s := os.Getenv(EnvPassphrase); s != "" {
		return DeriveKey(s), nil
	}
	b, err := keySourceReadFile(machineIDPath)
	if err != nil {
		return nil, fmt.Errorf("%w: set %s or provide %s: %v", ErrNoKey, EnvPassphrase, machineIDPath, err)
	}
	id, _, _ := strings.Cut(string(b), "\n")
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrNoKey, machineIDPath)
	}
	return DeriveKey(id), nil
}

// Argon2id cost parameters for key derivation.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
)

// keySalt is fixed so the same passphrase always opens the same file.
var keySalt = []byte("steward-secrets-v1")

// DeriveKey stretches a passphrase into an AES-256 key with Argon2id.
func DeriveKey(passphrase string) []byte {
	return argon2.IDKey([]byte(passphrase), keySalt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// Dir returns ~/.steward, creating it owner-only.
func Dir() (string, error) {
	home, err := keySourceUserHomeDir()
	if err != nil {
		return "", fmt.Errorf("secrets dir: %w", err)
	}
	dir := filepath.Join(home, ".steward")
	if err := keySourceMkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("secrets dir mkdir: %w", err)
	}
	return dir, nil
}

// DefaultPath returns ~/.steward/secrets.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "secrets"), nil
}
