package credstore

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	fileSaltLength = 16
	filePerm       = 0o600
)

// scrypt parameters, interactive-login strength
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

type fileEntry struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// File is a Store persisted as a single encrypted file. Entries are
// serialized to JSON and sealed with XChaCha20-Poly1305 under a key derived
// from the passphrase via scrypt. Intended for CLI and daemon hosts where
// credentials must survive a restart.
type File struct {
	mu         sync.Mutex
	path       string
	passphrase []byte
	clock      clockwork.Clock
	entries    map[string]fileEntry
}

type FileOption func(*File)

// WithFileClock sets the clock used for entry expiry (primarily for testing)
func WithFileClock(clock clockwork.Clock) FileOption {
	return func(f *File) {
		f.clock = clock
	}
}

// NewFile opens (or creates on first Set) the encrypted store at path. A
// wrong passphrase against an existing file fails here, not on first read.
func NewFile(path, passphrase string, options ...FileOption) (*File, error) {
	f := &File{
		path:       path,
		passphrase: []byte(passphrase),
		clock:      clockwork.NewRealClock(),
		entries:    make(map[string]fileEntry),
	}
	for _, opt := range options {
		opt(f)
	}

	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Set(key, value string, ttlDays int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry := fileEntry{Value: value}
	if ttlDays > 0 {
		entry.ExpiresAt = f.clock.Now().Add(time.Duration(ttlDays) * 24 * time.Hour)
	}
	f.entries[key] = entry
	return f.save()
}

func (f *File) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[key]
	if !ok {
		return "", false
	}
	if !entry.ExpiresAt.IsZero() && f.clock.Now().After(entry.ExpiresAt) {
		return "", false
	}
	return entry.Value, true
}

func (f *File) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.entries, key)
	return f.save()
}

func (f *File) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries = make(map[string]fileEntry)
	return f.save()
}

func (f *File) load() error {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "credstore.File load")
	}

	if len(raw) < fileSaltLength+chacha20poly1305.NonceSizeX {
		return errors.New("credstore.File load: file truncated")
	}

	salt := raw[:fileSaltLength]
	nonce := raw[fileSaltLength : fileSaltLength+chacha20poly1305.NonceSizeX]
	ciphertext := raw[fileSaltLength+chacha20poly1305.NonceSizeX:]

	aead, err := f.aead(salt)
	if err != nil {
		return err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return errors.Wrap(err, "credstore.File load: decrypt (wrong passphrase?)")
	}

	if err := json.Unmarshal(plaintext, &f.entries); err != nil {
		return errors.Wrap(err, "credstore.File load: unmarshal")
	}
	return nil
}

// save writes the sealed entries with a write-temp, fsync, rename sequence so
// a crash leaves either the old file or the new complete file.
func (f *File) save() error {
	plaintext, err := json.Marshal(f.entries)
	if err != nil {
		return errors.Wrap(err, "credstore.File save: marshal")
	}

	salt := make([]byte, fileSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return errors.Wrap(err, "credstore.File save: rand salt")
	}

	aead, err := f.aead(salt)
	if err != nil {
		return err
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return errors.Wrap(err, "credstore.File save: rand nonce")
	}

	sealed := append(append(salt, nonce...), aead.Seal(nil, nonce, plaintext, nil)...)

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "credstore.File save: mkdir")
	}

	tmp, err := os.CreateTemp(dir, ".credstore-")
	if err != nil {
		return errors.Wrap(err, "credstore.File save: temp file")
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(sealed); err != nil {
		return errors.Wrap(err, "credstore.File save: write")
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "credstore.File save: sync")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "credstore.File save: close")
	}
	if err := os.Chmod(tmpPath, filePerm); err != nil {
		return errors.Wrap(err, "credstore.File save: chmod")
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return errors.Wrap(err, "credstore.File save: rename")
	}

	success = true
	return nil
}

func (f *File) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(f.passphrase, salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, errors.Wrap(err, "credstore.File: derive key")
	}
	return chacha20poly1305.NewX(key)
}
