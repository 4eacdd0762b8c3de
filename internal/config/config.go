package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/arko-chat/crypt/internal/credentials"
)

const (
	appName    = "crypt"
	configFile = "config.json"
)

type Config struct {
	StorePath string `json:"store_path"`
	// PickleKey comes from the keyring, never from the config file.
	PickleKey []byte `json:"-"`
}

// Load reads the config file, creating it with defaults on first run, and
// resolves the per-user pickle key from the keyring.
func Load(userID string) (*Config, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	appDir := filepath.Join(configDir, appName)

	path := filepath.Join(appDir, configFile)
	var cfg Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		cfg.StorePath = filepath.Join(appDir, "store")
		if err := os.MkdirAll(appDir, 0700); err != nil {
			return nil, err
		}
		out, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(path, out, 0600); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(&cfg)

	encoded, err := credentials.LoadPickleKey(userID)
	if err != nil {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, err
		}
		encoded = base64.StdEncoding.EncodeToString(raw)
		if err := credentials.StorePickleKey(userID, encoded); err != nil {
			return nil, err
		}
	}
	cfg.PickleKey, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode pickle key: %w", err)
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CRYPT_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
}
