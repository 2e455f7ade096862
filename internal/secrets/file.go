package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const nonceSizeGCM = 12

// Test hooks.
var (
	defaultKeySource           = KeySource
	fileWriteFile              = os.WriteFile
	fileMarshal                = json.Marshal
	fileRandReader   io.Reader = rand.Reader
	fileCipherNewGCM           = cipher.NewGCM
)

// ErrCorrupt is returned when the secrets file cannot be decrypted or parsed.
// Writes refuse to overwrite a corrupt file.
var ErrCorrupt = errors.New("secrets: file corrupt or key changed")

// FileStore keeps secrets in one AES-GCM encrypted JSON object.
// The first 12 bytes of the file are the nonce.
type FileStore struct {
	path string
	key  []byte
	mu   sync.Mutex
}

// NewFileStore opens path with the key from KeySource.
func NewFileStore(path string) (*FileStore, error) {
	key, err := defaultKeySource()
	if err != nil {
		return nil, err
	}
	return NewFileStoreWithKey(path, key)
}

// NewFileStoreWithKey opens path with an explicit 32-byte key.
func NewFileStoreWithKey(path string, key []byte) (*FileStore, error) {
	if len(key) != 32 {
		return nil, errors.New("secrets: key must be 32 bytes")
	}
	return &FileStore{path: path, key: key}, nil
}

// Path is the file backing the store.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(f.key)
	if err != nil {
		return nil, err
	}
	return fileCipherNewGCM(block)
}

// load returns the decrypted map; an absent file is an empty map.
func (f *FileStore) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets read: %w", err)
	}
	if len(data) < nonceSizeGCM {
		return nil, fmt.Errorf("%w: truncated", ErrCorrupt)
	}
	gcm, err := f.gcm()
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, data[:nonceSizeGCM], data[nonceSizeGCM:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	m := map[string]string{}
	if err := json.Unmarshal(plain, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return m, nil
}

func (f *FileStore) save(m map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("secrets mkdir: %w", err)
	}
	plain, err := fileMarshal(m)
	if err != nil {
		return fmt.Errorf("secrets marshal: %w", err)
	}
	gcm, err := f.gcm()
	if err != nil {
		return err
	}
	nonce := make([]byte, nonceSizeGCM)
	if _, err := io.ReadFull(fileRandReader, nonce); err != nil {
		return fmt.Errorf("secrets nonce: %w", err)
	}
	if err := fileWriteFile(f.path, gcm.Seal(nonce, nonce, plain, nil), 0o600); err != nil {
		return fmt.Errorf("secrets write: %w", err)
	}
	return nil
}

// Get implements Store.
func (f *FileStore) Get(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := f.load()
	if err != nil {
		return "", err
	}
	if v := m[name]; v != "" {
		return v, nil
	}
	return "", ErrNotFound
}

// Set implements Store.
func (f *FileStore) Set(name, value string) error {
	if name == "" {
		return errors.New("secrets: empty name")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := f.load()
	if err != nil {
		return err
	}
	m[name] = value
	return f.save(m)
}

// Delete implements Store.
func (f *FileStore) Delete(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := m[name]; !ok {
		return nil
	}
	delete(m, name)
	return f.save(m)
}

var _ Store = (*FileStore)(nil)
