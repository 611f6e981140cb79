package blink

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/alexjbarnes/blink-sync/internal/errors"
	"github.com/alexjbarnes/blink-sync/internal/models"
	"github.com/alexjbarnes/blink-sync/internal/state"
	"github.com/google/uuid"
)

// Keys in the secret store.
const (
	sessionKey    = "blink.session"
	hardwareIDKey = "blink.hardware_id"
)

// SecretStore persists small opaque blobs. Load returns state.ErrNotFound
// for absent names; Delete of an absent name succeeds.
type SecretStore interface {
	Save(name string, blob []byte) error
	Load(name string) ([]byte, error)
	Delete(name string) error
}

// HardwareID returns the install's device identifier, generating and
// persisting it on first use. It never changes afterwards.
func HardwareID(store SecretStore) (string, error) {
	v, err := store.Load(hardwareIDKey)
	if err == nil && len(v) > 0 {
		return string(v), nil
	}

	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return "", fmt.Errorf("loading hardware id: %w", err)
	}

	id := strings.ToUpper(uuid.NewString())
	if err := store.Save(hardwareIDKey, []byte(id)); err != nil {
		return "", fmt.Errorf("saving hardware id: %w", err)
	}

	return id, nil
}

func saveSession(store SecretStore, s *models.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshalling session: %w", err)
	}

	if err := store.Save(sessionKey, data); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	return nil
}

// loadSession returns the persisted session or ErrAuthenticationRequired
// when none is stored.
func loadSession(store SecretStore) (*models.Session, error) {
	data, err := store.Load(sessionKey)
	if errors.Is(err, state.ErrNotFound) {
		return nil, apperrors.ErrAuthenticationRequired
	}

	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding stored session: %w: %w", apperrors.ErrStorage, err)
	}

	if s.AuthToken == "" || s.Host == "" {
		return nil, apperrors.ErrAuthenticationRequired
	}

	return &s, nil
}

func deleteSession(store SecretStore) error {
	if err := store.Delete(sessionKey); err != nil && !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}
