package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/crypto/goolm/pk"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/crypt/transport"
)

// BootstrapCrossSigning generates a fresh cross-signing identity: master,
// self-signing and user-signing keypairs, uploads the public parts, signs
// this device, and caches the seeds. When secret storage is set up the
// seeds are also written there so other devices can adopt the identity.
// Nothing is persisted until the server accepted the upload.
func (e *Engine) BootstrapCrossSigning(ctx context.Context, storeInSSSS bool) error {
	master, err := pk.NewSigning()
	if err != nil {
		return fmt.Errorf("generate master key: %w", err)
	}
	selfSigning, err := pk.NewSigning()
	if err != nil {
		return fmt.Errorf("generate self-signing key: %w", err)
	}
	userSigning, err := pk.NewSigning()
	if err != nil {
		return fmt.Errorf("generate user-signing key: %w", err)
	}

	masterKeys := &transport.CrossSigningKeys{
		UserID: e.cfg.UserID,
		Usage:  []id.CrossSigningUsage{id.XSUsageMaster},
		Keys: map[id.KeyID]id.Ed25519{
			id.NewKeyID(id.KeyAlgorithmEd25519, master.PublicKey().String()): master.PublicKey(),
		},
	}
	deviceSig, err := e.account.signJSON(masterKeys)
	if err != nil {
		return fmt.Errorf("sign master key with device key: %w", err)
	}
	masterKeys.Signatures = transport.Signatures{
		e.cfg.UserID: {
			id.NewKeyID(id.KeyAlgorithmEd25519, e.cfg.DeviceID.String()): deviceSig,
		},
	}

	selfSigningKeys, err := buildSubkey(e.cfg.UserID, id.XSUsageSelfSigning, selfSigning, master)
	if err != nil {
		return err
	}
	userSigningKeys, err := buildSubkey(e.cfg.UserID, id.XSUsageUserSigning, userSigning, master)
	if err != nil {
		return err
	}

	err = e.client.UploadCrossSigningKeys(ctx, &transport.ReqUploadCrossSigningKeys{
		MasterKey:      masterKeys,
		SelfSigningKey: selfSigningKeys,
		UserSigningKey: userSigningKeys,
	})
	if err != nil {
		return fmt.Errorf("upload cross-signing keys: %w", err)
	}

	// Server accepted; now make the local state match.
	for usage, signer := range map[id.CrossSigningUsage]*pk.Signing{
		id.XSUsageMaster:      master,
		id.XSUsageSelfSigning: selfSigning,
		id.XSUsageUserSigning: userSigning,
	} {
		if err := e.store.PutCrossSigningKey(e.cfg.UserID, usage, signer.PublicKey()); err != nil {
			return err
		}
	}
	if err := e.store.PutSignature(e.cfg.UserID, selfSigning.PublicKey(), e.cfg.UserID, master.PublicKey(), sigOf(selfSigningKeys, e.cfg.UserID, master.PublicKey())); err != nil {
		return err
	}
	if err := e.store.PutSignature(e.cfg.UserID, userSigning.PublicKey(), e.cfg.UserID, master.PublicKey(), sigOf(userSigningKeys, e.cfg.UserID, master.PublicKey())); err != nil {
		return err
	}
	if err := e.store.PutSignature(e.cfg.UserID, master.PublicKey(), e.cfg.UserID, e.account.SigningKey(), deviceSig); err != nil {
		return err
	}

	for secretName, signer := range map[string]*pk.Signing{
		secretNameCrossSigningMaster:      master,
		secretNameCrossSigningSelfSigning: selfSigning,
		secretNameCrossSigningUserSigning: userSigning,
	} {
		seed := base64.RawStdEncoding.EncodeToString(signer.Seed())
		if err := e.store.PutSecret(secretName, seed); err != nil {
			return err
		}
		if storeInSSSS {
			if err := e.StoreSecret(ctx, secretName, []byte(seed)); err != nil {
				return fmt.Errorf("store %s in secret storage: %w", secretName, err)
			}
		}
	}

	ownDevice := &id.Device{
		UserID:      e.cfg.UserID,
		DeviceID:    e.cfg.DeviceID,
		IdentityKey: e.account.IdentityKey(),
		SigningKey:  e.account.SigningKey(),
	}
	if err := e.SignOwnDevice(ctx, ownDevice); err != nil {
		return fmt.Errorf("self-sign own device: %w", err)
	}

	// Best effort: an active backup signed only by the old identity would
	// look untrusted from other devices, so stamp it with the new master.
	if err := e.resignKeyBackup(ctx, master); err != nil {
		e.log.Warn("re-sign key backup failed", "err", err)
	}

	e.emit(Notification{Kind: KindTrustChanged, UserID: e.cfg.UserID, Trusted: true})
	return nil
}

// resignKeyBackup adds a master key signature to the active backup
// version's auth data so the backup stays trusted under the new identity.
func (e *Engine) resignKeyBackup(ctx context.Context, master *pk.Signing) error {
	version, err := e.client.GetKeyBackupVersion(ctx)
	if err != nil || version == nil {
		return err
	}
	if version.Algorithm != backupAlgorithm {
		return nil
	}
	var authData backupAuthData
	if err := json.Unmarshal(version.AuthData, &authData); err != nil {
		return fmt.Errorf("parse backup auth data: %w", err)
	}
	sig, err := master.SignJSON(&authData)
	if err != nil {
		return fmt.Errorf("sign backup auth data: %w", err)
	}
	if authData.Signatures == nil {
		authData.Signatures = transport.Signatures{}
	}
	if authData.Signatures[e.cfg.UserID] == nil {
		authData.Signatures[e.cfg.UserID] = map[id.KeyID]string{}
	}
	authData.Signatures[e.cfg.UserID][id.NewKeyID(id.KeyAlgorithmEd25519, master.PublicKey().String())] = sig
	raw, err := json.Marshal(&authData)
	if err != nil {
		return err
	}
	return e.client.UpdateKeyBackupVersion(ctx, version.Version, &transport.ReqCreateBackupVersion{
		Algorithm: version.Algorithm,
		AuthData:  raw,
	})
}

func buildSubkey(userID id.UserID, usage id.CrossSigningUsage, signer, master *pk.Signing) (*transport.CrossSigningKeys, error) {
	keys := &transport.CrossSigningKeys{
		UserID: userID,
		Usage:  []id.CrossSigningUsage{usage},
		Keys: map[id.KeyID]id.Ed25519{
			id.NewKeyID(id.KeyAlgorithmEd25519, signer.PublicKey().String()): signer.PublicKey(),
		},
	}
	sig, err := master.SignJSON(keys)
	if err != nil {
		return nil, fmt.Errorf("sign %s key with master: %w", usage, err)
	}
	keys.Signatures = transport.Signatures{
		userID: {
			id.NewKeyID(id.KeyAlgorithmEd25519, master.PublicKey().String()): sig,
		},
	}
	return keys, nil
}

func sigOf(keys *transport.CrossSigningKeys, signer id.UserID, signerKey id.Ed25519) string {
	return keys.Signatures[signer][id.NewKeyID(id.KeyAlgorithmEd25519, signerKey.String())]
}
