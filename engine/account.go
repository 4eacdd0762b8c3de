package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"maunium.net/go/mautrix/crypto/canonicaljson"
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/crypt/store"
	"github.com/arko-chat/crypt/transport"
)

// olmAccount wraps the pickled olm account with its identity keys and
// serializes ratchet access.
type olmAccount struct {
	mu        sync.Mutex
	account   olm.Account
	pickleKey []byte

	signingKey  id.Ed25519
	identityKey id.Curve25519

	deviceKeysUploaded bool
}

func loadOrCreateAccount(st *store.Store, pickleKey []byte) (*olmAccount, error) {
	pickled, err := st.GetAccount()
	if err != nil {
		return nil, err
	}

	var account olm.Account
	if pickled == nil {
		account, err = olm.NewAccount()
		if err != nil {
			return nil, fmt.Errorf("create olm account: %w", err)
		}
		fresh, err := account.Pickle(pickleKey)
		if err != nil {
			return nil, fmt.Errorf("pickle new account: %w", err)
		}
		if err := st.PutAccount(fresh); err != nil {
			return nil, err
		}
	} else {
		account, err = olm.AccountFromPickled(pickled, pickleKey)
		if err != nil {
			return nil, fmt.Errorf("unpickle account: %w", err)
		}
	}

	signingKey, identityKey, err := account.IdentityKeys()
	if err != nil {
		return nil, fmt.Errorf("read identity keys: %w", err)
	}

	return &olmAccount{
		account:     account,
		pickleKey:   pickleKey,
		signingKey:  signingKey,
		identityKey: identityKey,
	}, nil
}

func (a *olmAccount) SigningKey() id.Ed25519 {
	return a.signingKey
}

func (a *olmAccount) IdentityKey() id.Curve25519 {
	return a.identityKey
}

// persist re-pickles the account under the lock already held by the caller.
func (a *olmAccount) persist(st *store.Store) error {
	pickled, err := a.account.Pickle(a.pickleKey)
	if err != nil {
		return fmt.Errorf("pickle account: %w", err)
	}
	return st.PutAccount(pickled)
}

// signJSON signs the canonical JSON of obj (minus signatures and unsigned)
// with the account's ed25519 key.
func (a *olmAccount) signJSON(obj any) (string, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("marshal for signing: %w", err)
	}
	var stripped map[string]json.RawMessage
	if err := json.Unmarshal(raw, &stripped); err != nil {
		return "", fmt.Errorf("strip for signing: %w", err)
	}
	delete(stripped, "signatures")
	delete(stripped, "unsigned")
	raw, err = json.Marshal(stripped)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	signature, err := a.account.Sign(canonicaljson.CanonicalJSONAssumeValid(raw))
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return string(signature), nil
}

// deviceKeys builds this device's signed key object.
func (e *Engine) deviceKeys() (*transport.DeviceKeys, error) {
	keys := &transport.DeviceKeys{
		UserID:   e.cfg.UserID,
		DeviceID: e.cfg.DeviceID,
		Algorithms: []id.Algorithm{
			id.AlgorithmOlmV1,
			id.AlgorithmMegolmV1,
		},
		Keys: map[id.KeyID]string{
			id.NewKeyID(id.KeyAlgorithmEd25519, e.cfg.DeviceID.String()):    e.account.SigningKey().String(),
			id.NewKeyID(id.KeyAlgorithmCurve25519, e.cfg.DeviceID.String()): e.account.IdentityKey().String(),
		},
	}
	signature, err := e.account.signJSON(keys)
	if err != nil {
		return nil, err
	}
	keys.Signatures = transport.Signatures{
		e.cfg.UserID: {
			id.NewKeyID(id.KeyAlgorithmEd25519, e.cfg.DeviceID.String()): signature,
		},
	}
	return keys, nil
}

// uploadKeys publishes the device keys once and tops up one-time keys to
// the configured target. Deferred until initial sync completes.
func (e *Engine) uploadKeys(ctx context.Context) error {
	req := &transport.ReqUploadKeys{}

	e.account.mu.Lock()
	if !e.account.deviceKeysUploaded {
		e.account.mu.Unlock()
		keys, err := e.deviceKeys()
		if err != nil {
			return err
		}
		req.DeviceKeys = keys
		e.account.mu.Lock()
	}

	needed := e.cfg.OneTimeKeyTarget - int(e.otkCount.Load())
	if needed > 0 {
		if err := e.account.account.GenOneTimeKeys(uint(needed)); err != nil {
			e.account.mu.Unlock()
			return fmt.Errorf("generate one-time keys: %w", err)
		}
	}
	// OneTimeKeys only returns keys not yet marked as published.
	oneTimeKeys, err := e.account.account.OneTimeKeys()
	e.account.mu.Unlock()
	if err != nil {
		return fmt.Errorf("read one-time keys: %w", err)
	}

	req.OneTimeKeys = make(map[id.KeyID]transport.OneTimeKey, len(oneTimeKeys))
	for keyID, key := range oneTimeKeys {
		signed := transport.OneTimeKey{Key: key}
		signature, err := e.account.signJSON(&signed)
		if err != nil {
			return err
		}
		signed.Signatures = transport.Signatures{
			e.cfg.UserID: {
				id.NewKeyID(id.KeyAlgorithmEd25519, e.cfg.DeviceID.String()): signature,
			},
		}
		req.OneTimeKeys[id.NewKeyID(id.KeyAlgorithmSignedCurve25519, keyID)] = signed
	}

	if len(req.OneTimeKeys) == 0 && req.DeviceKeys == nil {
		return nil
	}

	resp, err := e.client.UploadKeys(ctx, req)
	if err != nil {
		return fmt.Errorf("upload keys: %w", err)
	}
	e.otkCount.Store(int64(resp.OneTimeKeyCounts[id.KeyAlgorithmSignedCurve25519]))

	e.account.mu.Lock()
	defer e.account.mu.Unlock()
	if req.DeviceKeys != nil {
		e.account.deviceKeysUploaded = true
	}
	e.account.account.MarkKeysAsPublished()
	return e.account.persist(e.store)
}
