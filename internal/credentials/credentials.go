package credentials

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	serviceName    = "crypt"
	keyAccessToken = "access_token"
	keyRecoveryKey = "recovery_key"
	keyPickleKey   = "pickle_key"
)

var ErrNotFound = errors.New("credentials: not found")

type SessionMetadata struct {
	Homeserver string `json:"homeserver"`
	UserID     string `json:"user_id"`
	DeviceID   string `json:"device_id"`
}

func StoreSession(meta SessionMetadata, accessToken string) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}

	if err := keyring.Set(serviceName, meta.UserID+":metadata", string(metaJSON)); err != nil {
		return fmt.Errorf("store metadata: %w", err)
	}

	if err := keyring.Set(serviceName, meta.UserID+":"+keyAccessToken, accessToken); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}

	return nil
}

func LoadSession(userID string) (SessionMetadata, string, error) {
	metaRaw, err := keyring.Get(serviceName, userID+":metadata")
	if err != nil {
		return SessionMetadata{}, "", ErrNotFound
	}

	var meta SessionMetadata
	if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
		return SessionMetadata{}, "", fmt.Errorf("unmarshal metadata: %w", err)
	}

	token, err := keyring.Get(serviceName, userID+":"+keyAccessToken)
	if err != nil {
		return SessionMetadata{}, "", fmt.Errorf("load access token: %w", err)
	}

	return meta, token, nil
}

func DeleteSession(userID string) {
	_ = keyring.Delete(serviceName, userID+":metadata")
	_ = keyring.Delete(serviceName, userID+":"+keyAccessToken)
}

// StorePickleKey keeps the per-user pickle key out of the crypto store so
// a copied database file alone cannot be unpickled.
func StorePickleKey(userID string, key string) error {
	return keyring.Set(serviceName, userID+":"+keyPickleKey, key)
}

func LoadPickleKey(userID string) (string, error) {
	val, err := keyring.Get(serviceName, userID+":"+keyPickleKey)
	if err != nil {
		return "", ErrNotFound
	}
	return val, nil
}

func StoreRecoveryKey(userID string, key string) error {
	return keyring.Set(serviceName, userID+":"+keyRecoveryKey, key)
}

func LoadRecoveryKey(userID string) (string, error) {
	val, err := keyring.Get(serviceName, userID+":"+keyRecoveryKey)
	if err != nil {
		return "", ErrNotFound
	}
	return val, nil
}

func DeleteRecoveryKey(userID string) {
	_ = keyring.Delete(serviceName, userID+":"+keyRecoveryKey)
}
