package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/crypto/goolm/pk"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/crypt/internal/cryptoutil"
	"github.com/arko-chat/crypt/store"
	"github.com/arko-chat/crypt/transport"
)

const (
	ssssAlgorithmAESHMACSHA2 = "m.secret_storage.v1.aes-hmac-sha2"
	ssssPassphrasePBKDF2     = "m.pbkdf2"

	accountDataDefaultKey = "m.secret_storage.default_key"
	accountDataKeyPrefix  = "m.secret_storage.key."
)

// SecretStorageKeyDescription is the account data describing one secret
// storage key: how to derive it and how to check a candidate.
type SecretStorageKeyDescription struct {
	Name       string          `json:"name,omitempty"`
	Algorithm  string          `json:"algorithm"`
	Passphrase *PassphraseInfo `json:"passphrase,omitempty"`
	IV         string          `json:"iv,omitempty"`
	MAC        string          `json:"mac,omitempty"`
}

type PassphraseInfo struct {
	Algorithm  string `json:"algorithm"`
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
	Bits       int    `json:"bits,omitempty"`
}

// VerifyKey checks a candidate key against the description's stored
// ciphertext of zeros.
func (d *SecretStorageKeyDescription) VerifyKey(key []byte) bool {
	if d.IV == "" || d.MAC == "" {
		// No key check stored; accept and let decryption decide.
		return true
	}
	return cryptoutil.VerifyKeyCheck(key, d.IV, d.MAC)
}

// DeriveFromPassphrase derives the key from a passphrase per the
// description's PBKDF2 parameters.
func (d *SecretStorageKeyDescription) DeriveFromPassphrase(passphrase string) ([]byte, error) {
	if d.Passphrase == nil || d.Passphrase.Algorithm != ssssPassphrasePBKDF2 {
		return nil, fmt.Errorf("key has no pbkdf2 passphrase: %q", passphraseAlgorithm(d))
	}
	return cryptoutil.KeyFromPassphrase(passphrase, d.Passphrase.Salt, d.Passphrase.Iterations), nil
}

func passphraseAlgorithm(d *SecretStorageKeyDescription) string {
	if d.Passphrase == nil {
		return ""
	}
	return d.Passphrase.Algorithm
}

type defaultKeyContent struct {
	Key string `json:"key"`
}

type encryptedSecretContent struct {
	Encrypted map[string]cryptoutil.EncryptedSecret `json:"encrypted"`
}

// GetDefaultSecretStorageKeyID returns the account's default secret
// storage key id.
func (e *Engine) GetDefaultSecretStorageKeyID(ctx context.Context) (string, error) {
	var content defaultKeyContent
	err := e.client.GetAccountData(ctx, accountDataDefaultKey, &content)
	if errors.Is(err, transport.ErrNotFoundOnServer) || (err == nil && content.Key == "") {
		return "", ErrNoDefaultSecretStorageKey
	}
	if err != nil {
		return "", err
	}
	return content.Key, nil
}

// GetSecretStorageKeyDescription fetches the description of one key.
func (e *Engine) GetSecretStorageKeyDescription(ctx context.Context, keyID string) (*SecretStorageKeyDescription, error) {
	var desc SecretStorageKeyDescription
	err := e.client.GetAccountData(ctx, accountDataKeyPrefix+keyID, &desc)
	if err != nil {
		return nil, fmt.Errorf("fetch key description %s: %w", keyID, err)
	}
	if desc.Algorithm != ssssAlgorithmAESHMACSHA2 {
		return nil, fmt.Errorf("unsupported secret storage algorithm %q", desc.Algorithm)
	}
	return &desc, nil
}

// resolveSecretStorageKey obtains the default key's bytes via the
// application callback and validates them against the key check.
func (e *Engine) resolveSecretStorageKey(ctx context.Context) (keyID string, key []byte, err error) {
	keyID, err = e.GetDefaultSecretStorageKeyID(ctx)
	if err != nil {
		return "", nil, err
	}
	desc, err := e.GetSecretStorageKeyDescription(ctx, keyID)
	if err != nil {
		return "", nil, err
	}
	if e.callbacks.GetSecretStorageKey == nil {
		return "", nil, fmt.Errorf("no secret storage key callback configured")
	}
	key, err = e.callbacks.GetSecretStorageKey(ctx, keyID, desc)
	if err != nil {
		return "", nil, err
	}
	if !desc.VerifyKey(key) {
		return "", nil, ErrSecretStorageKeyMismatch
	}
	return keyID, key, nil
}

// GetDecryptedSecret fetches a secret from account data and decrypts it
// with the default secret storage key.
func (e *Engine) GetDecryptedSecret(ctx context.Context, name string) ([]byte, error) {
	keyID, key, err := e.resolveSecretStorageKey(ctx)
	if err != nil {
		return nil, err
	}
	var content encryptedSecretContent
	if err := e.client.GetAccountData(ctx, name, &content); err != nil {
		return nil, fmt.Errorf("fetch secret %s: %w", name, err)
	}
	enc, ok := content.Encrypted[keyID]
	if !ok {
		return nil, fmt.Errorf("secret %s is not encrypted with key %s", name, keyID)
	}
	plaintext, err := cryptoutil.DecryptSecret(key, name, &enc)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret %s: %w", name, err)
	}
	return plaintext, nil
}

// StoreSecret encrypts a secret under the default secret storage key and
// writes it to account data.
func (e *Engine) StoreSecret(ctx context.Context, name string, value []byte) error {
	keyID, key, err := e.resolveSecretStorageKey(ctx)
	if err != nil {
		return err
	}
	return e.storeSecretWithKey(ctx, name, value, keyID, key)
}

func (e *Engine) storeSecretWithKey(ctx context.Context, name string, value []byte, keyID string, key []byte) error {
	enc, err := cryptoutil.EncryptSecret(key, name, value)
	if err != nil {
		return fmt.Errorf("encrypt secret %s: %w", name, err)
	}
	return e.client.SetAccountData(ctx, name, &encryptedSecretContent{
		Encrypted: map[string]cryptoutil.EncryptedSecret{keyID: *enc},
	})
}

// BootstrapSecretStorage creates a fresh secret storage key, publishes its
// description and makes it the default. The returned recovery key is shown
// to the user exactly once; an empty passphrase skips PBKDF2 derivability.
func (e *Engine) BootstrapSecretStorage(ctx context.Context, passphrase string) (recoveryKey string, key []byte, err error) {
	desc := &SecretStorageKeyDescription{Algorithm: ssssAlgorithmAESHMACSHA2}
	if passphrase != "" {
		salt, err := cryptoutil.GenerateKey()
		if err != nil {
			return "", nil, err
		}
		desc.Passphrase = &PassphraseInfo{
			Algorithm:  ssssPassphrasePBKDF2,
			Salt:       base64.RawStdEncoding.EncodeToString(salt),
			Iterations: 500000,
			Bits:       cryptoutil.KeySize * 8,
		}
		key = cryptoutil.KeyFromPassphrase(passphrase, desc.Passphrase.Salt, desc.Passphrase.Iterations)
	} else {
		key, err = cryptoutil.GenerateKey()
		if err != nil {
			return "", nil, err
		}
	}

	check, err := cryptoutil.KeyCheck(key)
	if err != nil {
		return "", nil, err
	}
	desc.IV = check.IV
	desc.MAC = check.MAC

	keyID := uuid.NewString()
	if err := e.client.SetAccountData(ctx, accountDataKeyPrefix+keyID, desc); err != nil {
		return "", nil, fmt.Errorf("publish key description: %w", err)
	}
	if err := e.client.SetAccountData(ctx, accountDataDefaultKey, &defaultKeyContent{Key: keyID}); err != nil {
		return "", nil, fmt.Errorf("set default key: %w", err)
	}

	// Cross-signing seeds already cached locally get re-encrypted under
	// the new default key so they stay reachable from secret storage.
	for _, secretName := range []string{
		secretNameCrossSigningMaster,
		secretNameCrossSigningSelfSigning,
		secretNameCrossSigningUserSigning,
	} {
		seed, err := e.store.GetSecret(secretName)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", nil, err
		}
		if err := e.storeSecretWithKey(ctx, secretName, []byte(seed), keyID, key); err != nil {
			return "", nil, err
		}
	}
	return cryptoutil.EncodeRecoveryKey(key), key, nil
}

// FetchCrossSigningKeysFromSSSS pulls the three cross-signing seeds out of
// secret storage, checks each derived public key against the published
// one, and caches the seeds locally so signing operations work offline.
func (e *Engine) FetchCrossSigningKeysFromSSSS(ctx context.Context) error {
	published, err := e.store.GetCrossSigningKeys(e.cfg.UserID)
	if err != nil {
		return err
	}
	wanted := []struct {
		secretName string
		usage      id.CrossSigningUsage
	}{
		{secretNameCrossSigningMaster, id.XSUsageMaster},
		{secretNameCrossSigningSelfSigning, id.XSUsageSelfSigning},
		{secretNameCrossSigningUserSigning, id.XSUsageUserSigning},
	}
	for _, entry := range wanted {
		seedB64, err := e.GetDecryptedSecret(ctx, entry.secretName)
		if err != nil {
			return err
		}
		seed, err := base64.RawStdEncoding.DecodeString(string(seedB64))
		if err != nil {
			return fmt.Errorf("decode seed %s: %w", entry.secretName, err)
		}
		signer, err := pk.NewSigningFromSeed(seed)
		if err != nil {
			return fmt.Errorf("rebuild %s key: %w", entry.secretName, err)
		}
		if expected, ok := published[entry.usage]; ok && expected.Key != signer.PublicKey() {
			return fmt.Errorf("%w: %s key does not match published key", ErrSignatureVerification, entry.usage)
		}
		if err := e.store.PutSecret(entry.secretName, base64.RawStdEncoding.EncodeToString(seed)); err != nil {
			return err
		}
	}
	return nil
}
