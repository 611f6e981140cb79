// Package state is the device-local secret store. Values are small blobs
// (session records, OAuth tokens, the hardware id) kept in a bbolt
// database and sealed with XChaCha20-Poly1305 under a per-install key.
package state

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/alexjbarnes/blink-sync/internal/errors"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.blink-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the database and key files.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var secretsBucket = []byte("secrets")

// ErrNotFound is returned by Load when no value is stored under a name.
var ErrNotFound = errors.New("secret not found")

// State wraps a bbolt database holding sealed secrets.
type State struct {
	db   *bolt.DB
	aead aeadCipher
}

// Load opens the store at ~/.blink-sync/state.db, creating it if it does
// not exist.
func Load() (*State, error) {
	path, err := dbPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a store at the given path. The sealing key lives next to
// it in <path>.key and is generated on first open.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, storageErr("creating state directory", err)
	}

	key, err := loadOrCreateKey(path + ".key")
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, storageErr("creating cipher", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, storageErr("opening state db", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(secretsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, storageErr("initializing state db", err)
	}

	return &State{db: db, aead: aead}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Save stores blob under name, overwriting any previous value.
func (s *State) Save(name string, blob []byte) error {
	sealed, err := s.seal(name, blob)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(secretsBucket).Put([]byte(name), sealed)
	})
	if err != nil {
		return storageErr("saving "+name, err)
	}

	return nil
}

// Load returns the value stored under name, or ErrNotFound.
func (s *State) Load(name string) ([]byte, error) {
	var sealed []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(secretsBucket).Get([]byte(name))
		if v != nil {
			// bbolt values are only valid inside the transaction.
			sealed = append([]byte(nil), v...)
		}

		return nil
	})
	if err != nil {
		return nil, storageErr("loading "+name, err)
	}

	if sealed == nil {
		return nil, ErrNotFound
	}

	return s.open(name, sealed)
}

// Delete removes the value stored under name. Deleting an absent name is
// not an error.
func (s *State) Delete(name string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(secretsBucket).Delete([]byte(name))
	})
	if err != nil {
		return storageErr("deleting "+name, err)
	}

	return nil
}

// Names lists every stored name. Used by the status command.
func (s *State) Names() ([]string, error) {
	var names []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(secretsBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, storageErr("listing secrets", err)
	}

	return names, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, apperrors.ErrStorage, err)
}

func dbPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Refuse to fall back to the working directory, where a
		// database full of tokens could land in a source tree.
		return "", storageErr("determining home directory", err)
	}

	return filepath.Join(dir, ".blink-sync", "state.db"), nil
}

// DefaultPath returns the database location used by Load.
func DefaultPath() (string, error) {
	return dbPath()
}

func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, storageErr("reading key file", fmt.Errorf("key file %s has %d bytes, want %d", path, len(key), chacha20poly1305.KeySize))
		}

		return key, nil
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return nil, storageErr("reading key file", err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, storageErr("generating key", err)
	}

	// O_EXCL so two processes racing on first start cannot end up with
	// different keys.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, stateFilePerm)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return loadOrCreateKey(path)
		}

		return nil, storageErr("creating key file", err)
	}
	defer f.Close()

	if _, err := f.Write(key); err != nil {
		return nil, storageErr("writing key file", err)
	}

	return key, nil
}
