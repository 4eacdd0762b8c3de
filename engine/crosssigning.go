package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/crypto/goolm/pk"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/crypt/transport"
)

func verifyJSONSignature(obj any, userID id.UserID, keyName string, key id.Ed25519) (bool, error) {
	return signatures.VerifySignatureJSON(obj, userID, keyName, key)
}

// ResolveTrust computes a device's effective trust. Local verification and
// blocking always win; otherwise the cross-signing chain decides: the
// device must be signed by the user's self-signing key, which must be
// signed by their master key.
func (e *Engine) ResolveTrust(device *id.Device) id.TrustState {
	if device.Trust == id.TrustStateVerified || device.Trust == id.TrustStateBlacklisted {
		return device.Trust
	}
	theirKeys, err := e.store.GetCrossSigningKeys(device.UserID)
	if err != nil {
		e.log.Error("read cross-signing keys", "user", device.UserID, "err", err)
		return id.TrustStateUnset
	}
	theirMaster, ok := theirKeys[id.XSUsageMaster]
	if !ok {
		return id.TrustStateUnset
	}
	theirSelfSigning, ok := theirKeys[id.XSUsageSelfSigning]
	if !ok {
		return id.TrustStateUnset
	}
	sskSigned, err := e.store.IsKeySignedBy(device.UserID, theirSelfSigning.Key, device.UserID, theirMaster.Key)
	if err != nil || !sskSigned {
		return id.TrustStateUnset
	}
	deviceSigned, err := e.store.IsKeySignedBy(device.UserID, device.SigningKey, device.UserID, theirSelfSigning.Key)
	if err != nil || !deviceSigned {
		return id.TrustStateUnset
	}
	if e.IsUserTrusted(device.UserID) {
		return id.TrustStateCrossSignedVerified
	}
	if theirMaster.Key == theirMaster.First {
		return id.TrustStateCrossSignedTOFU
	}
	return id.TrustStateCrossSignedUntrusted
}

// IsDeviceTrusted reports whether a device may receive keys. Cross-signed
// states only count when the config opts in; otherwise local verification
// is the only path.
func (e *Engine) IsDeviceTrusted(device *id.Device) bool {
	switch e.ResolveTrust(device) {
	case id.TrustStateVerified:
		return true
	case id.TrustStateCrossSignedVerified, id.TrustStateCrossSignedTOFU:
		return e.cfg.TrustCrossSignedDevices
	default:
		return false
	}
}

// IsUserTrusted reports whether a user's master key is signed by our
// user-signing key. Our own user is trusted once our cross-signing
// private keys are cached.
func (e *Engine) IsUserTrusted(userID id.UserID) bool {
	ownKeys, err := e.store.GetCrossSigningKeys(e.cfg.UserID)
	if err != nil || len(ownKeys) == 0 {
		return false
	}
	if userID == e.cfg.UserID {
		_, err := e.store.GetSecret(secretNameCrossSigningMaster)
		return err == nil
	}
	userSigning, ok := ownKeys[id.XSUsageUserSigning]
	if !ok {
		return false
	}
	signedUserSigning, err := e.store.IsKeySignedBy(e.cfg.UserID, userSigning.Key, e.cfg.UserID, ownKeys[id.XSUsageMaster].Key)
	if err != nil || !signedUserSigning {
		return false
	}
	theirKeys, err := e.store.GetCrossSigningKeys(userID)
	if err != nil {
		return false
	}
	theirMaster, ok := theirKeys[id.XSUsageMaster]
	if !ok {
		return false
	}
	signed, err := e.store.IsKeySignedBy(userID, theirMaster.Key, e.cfg.UserID, userSigning.Key)
	return err == nil && signed
}

// processCrossSigningKeys ingests the cross-signing sections of a
// /keys/query response. A replaced master key resets that user's trust:
// every signature made by the old key is dropped and the application is
// notified.
func (e *Engine) processCrossSigningKeys(ctx context.Context, resp *transport.RespQueryKeys) {
	for userID, masterKeys := range resp.MasterKeys {
		newMaster := masterKeys.FirstKey()
		if newMaster == "" {
			continue
		}
		existing, err := e.store.GetCrossSigningKeys(userID)
		if err != nil {
			e.log.Error("read cross-signing keys", "user", userID, "err", err)
			continue
		}
		if old, ok := existing[id.XSUsageMaster]; ok && old.Key != newMaster {
			dropped, err := e.store.DropSignaturesByKey(userID, old.Key)
			if err != nil {
				e.log.Error("drop signatures of replaced master key", "user", userID, "err", err)
			}
			e.log.Warn("master key of user changed, trust reset",
				"user", userID,
				"dropped_signatures", dropped,
			)
			e.emit(Notification{Kind: KindTrustChanged, UserID: userID, Trusted: false})
		}
		if err := e.store.PutCrossSigningKey(userID, id.XSUsageMaster, newMaster); err != nil {
			e.log.Error("store master key", "user", userID, "err", err)
			continue
		}
		e.storeKeySignatures(userID, newMaster, masterKeys)

		if selfSigning, ok := resp.SelfSigningKeys[userID]; ok {
			e.ingestSubkey(userID, id.XSUsageSelfSigning, newMaster, selfSigning)
		}
		if userSigning, ok := resp.UserSigningKeys[userID]; ok {
			e.ingestSubkey(userID, id.XSUsageUserSigning, newMaster, userSigning)
		}

		e.storeDeviceSignatures(userID, resp.DeviceKeys[userID])
		e.maybeOfferVerificationUpgrade(ctx, userID, newMaster)
	}
}

// ingestSubkey stores a self-signing or user-signing key after checking
// the master key's signature over it.
func (e *Engine) ingestSubkey(userID id.UserID, usage id.CrossSigningUsage, master id.Ed25519, keys transport.CrossSigningKeys) {
	key := keys.FirstKey()
	if key == "" {
		return
	}
	verified, err := verifyJSONSignature(keys, userID, master.String(), master)
	if err != nil || !verified {
		e.log.Warn("cross-signing subkey not signed by master",
			"user", userID,
			"usage", usage,
			"err", err,
		)
		return
	}
	if err := e.store.PutCrossSigningKey(userID, usage, key); err != nil {
		e.log.Error("store cross-signing key", "user", userID, "usage", usage, "err", err)
		return
	}
	e.storeKeySignatures(userID, key, keys)
}

// storeKeySignatures verifies and records each signature on a
// cross-signing key object. The signer key is resolved to a known device
// or treated as a cross-signing public key.
func (e *Engine) storeKeySignatures(signedUser id.UserID, signedKey id.Ed25519, keys transport.CrossSigningKeys) {
	for signerUser, sigs := range keys.Signatures {
		for keyID, sig := range sigs {
			algorithm, keyName := keyID.Parse()
			if algorithm != id.KeyAlgorithmEd25519 {
				continue
			}
			signerKey := id.Ed25519(keyName)
			if signerUser == signedUser {
				if device := e.GetStoredDevice(signerUser, id.DeviceID(keyName)); device != nil {
					signerKey = device.SigningKey
				}
			}
			verified, err := verifyJSONSignature(keys, signerUser, keyName, signerKey)
			if err != nil || !verified {
				continue
			}
			if err := e.store.PutSignature(signedUser, signedKey, signerUser, signerKey, sig); err != nil {
				e.log.Error("store signature", "signed_user", signedUser, "signer", signerUser, "err", err)
			}
		}
	}
}

// storeDeviceSignatures records the self-signing key's signatures over a
// user's device keys so ResolveTrust can walk the chain offline.
func (e *Engine) storeDeviceSignatures(userID id.UserID, deviceKeys map[id.DeviceID]transport.DeviceKeys) {
	keys, err := e.store.GetCrossSigningKeys(userID)
	if err != nil {
		return
	}
	selfSigning, ok := keys[id.XSUsageSelfSigning]
	if !ok {
		return
	}
	sskKeyID := id.NewKeyID(id.KeyAlgorithmEd25519, selfSigning.Key.String())
	for deviceID, dk := range deviceKeys {
		sig, ok := dk.Signatures[userID][sskKeyID]
		if !ok {
			continue
		}
		verified, err := verifyJSONSignature(dk, userID, selfSigning.Key.String(), selfSigning.Key)
		if err != nil || !verified {
			e.log.Warn("invalid self-signing signature on device",
				"user", userID,
				"device", deviceID,
				"err", err,
			)
			continue
		}
		if err := e.store.PutSignature(userID, dk.Ed25519(), userID, selfSigning.Key, sig); err != nil {
			e.log.Error("store device signature", "user", userID, "device", deviceID, "err", err)
		}
	}
}

// maybeOfferVerificationUpgrade asks the application whether to trust a
// master key that one of the user's locally verified devices has signed.
func (e *Engine) maybeOfferVerificationUpgrade(ctx context.Context, userID id.UserID, master id.Ed25519) {
	if e.callbacks.ShouldUpgradeDeviceVerifications == nil {
		return
	}
	if userID == e.cfg.UserID || e.IsUserTrusted(userID) {
		return
	}
	devices := e.GetRawStoredDevicesForUser(userID)
	var signer *id.Device
	for _, device := range devices {
		if device.Trust != id.TrustStateVerified {
			continue
		}
		signed, err := e.store.IsKeySignedBy(userID, master, userID, device.SigningKey)
		if err == nil && signed {
			signer = device
			break
		}
	}
	if signer == nil {
		return
	}
	e.emit(Notification{Kind: KindVerificationUpgrade, UserID: userID, DeviceID: signer.DeviceID})
	if e.callbacks.ShouldUpgradeDeviceVerifications(ctx, userID, master) {
		if err := e.SignUser(ctx, userID); err != nil {
			e.log.Error("verification upgrade signing failed", "user", userID, "err", err)
		}
	}
}

const (
	secretNameCrossSigningMaster      = "m.cross_signing.master"
	secretNameCrossSigningSelfSigning = "m.cross_signing.self_signing"
	secretNameCrossSigningUserSigning = "m.cross_signing.user_signing"
)

// cachedSigner rebuilds a pk signer from a cached cross-signing seed.
func (e *Engine) cachedSigner(secretName string) (*pk.Signing, error) {
	encoded, err := e.store.GetSecret(secretName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCrossSigningKeysNotCached, secretName)
	}
	seed, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode cached seed %s: %w", secretName, err)
	}
	signer, err := pk.NewSigningFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("rebuild signer from seed: %w", err)
	}
	return signer, nil
}

// SignUser signs another user's master key with our user-signing key and
// uploads the signature.
func (e *Engine) SignUser(ctx context.Context, userID id.UserID) error {
	if userID == e.cfg.UserID {
		return fmt.Errorf("cannot user-sign own master key")
	}
	signer, err := e.cachedSigner(secretNameCrossSigningUserSigning)
	if err != nil {
		return err
	}
	theirKeys, err := e.store.GetCrossSigningKeys(userID)
	if err != nil {
		return err
	}
	theirMaster, ok := theirKeys[id.XSUsageMaster]
	if !ok {
		return fmt.Errorf("no master key known for %s", userID)
	}

	signed := &transport.CrossSigningKeys{
		UserID: userID,
		Usage:  []id.CrossSigningUsage{id.XSUsageMaster},
		Keys: map[id.KeyID]id.Ed25519{
			id.NewKeyID(id.KeyAlgorithmEd25519, theirMaster.Key.String()): theirMaster.Key,
		},
	}
	sig, err := signer.SignJSON(signed)
	if err != nil {
		return fmt.Errorf("sign master key of %s: %w", userID, err)
	}
	signed.Signatures = transport.Signatures{
		e.cfg.UserID: {
			id.NewKeyID(id.KeyAlgorithmEd25519, signer.PublicKey().String()): sig,
		},
	}
	if err := e.uploadSignature(ctx, userID, theirMaster.Key.String(), signed); err != nil {
		return err
	}
	return e.store.PutSignature(userID, theirMaster.Key, e.cfg.UserID, signer.PublicKey(), sig)
}

// SignOwnDevice signs one of our devices with our self-signing key, making
// it cross-signed for everyone who trusts us.
func (e *Engine) SignOwnDevice(ctx context.Context, device *id.Device) error {
	if device.UserID != e.cfg.UserID {
		return fmt.Errorf("cannot self-sign device of %s", device.UserID)
	}
	signer, err := e.cachedSigner(secretNameCrossSigningSelfSigning)
	if err != nil {
		return err
	}

	signed := &transport.DeviceKeys{
		UserID:     device.UserID,
		DeviceID:   device.DeviceID,
		Algorithms: []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1},
		Keys: map[id.KeyID]string{
			id.NewKeyID(id.KeyAlgorithmEd25519, device.DeviceID.String()):    device.SigningKey.String(),
			id.NewKeyID(id.KeyAlgorithmCurve25519, device.DeviceID.String()): device.IdentityKey.String(),
		},
	}
	sig, err := signer.SignJSON(signed)
	if err != nil {
		return fmt.Errorf("sign device %s: %w", device.DeviceID, err)
	}
	signed.Signatures = transport.Signatures{
		e.cfg.UserID: {
			id.NewKeyID(id.KeyAlgorithmEd25519, signer.PublicKey().String()): sig,
		},
	}
	if err := e.uploadSignature(ctx, device.UserID, device.DeviceID.String(), signed); err != nil {
		return err
	}
	return e.store.PutSignature(device.UserID, device.SigningKey, e.cfg.UserID, signer.PublicKey(), sig)
}

// SignOwnMasterKey signs our master key with this device's ed25519 key,
// anchoring cross-signing in the device for peers that verified it.
func (e *Engine) SignOwnMasterKey(ctx context.Context) error {
	keys, err := e.store.GetCrossSigningKeys(e.cfg.UserID)
	if err != nil {
		return err
	}
	master, ok := keys[id.XSUsageMaster]
	if !ok {
		return fmt.Errorf("no own master key to sign")
	}

	signed := &transport.CrossSigningKeys{
		UserID: e.cfg.UserID,
		Usage:  []id.CrossSigningUsage{id.XSUsageMaster},
		Keys: map[id.KeyID]id.Ed25519{
			id.NewKeyID(id.KeyAlgorithmEd25519, master.Key.String()): master.Key,
		},
	}
	sig, err := e.account.signJSON(signed)
	if err != nil {
		return err
	}
	signed.Signatures = transport.Signatures{
		e.cfg.UserID: {
			id.NewKeyID(id.KeyAlgorithmEd25519, e.cfg.DeviceID.String()): sig,
		},
	}
	if err := e.uploadSignature(ctx, e.cfg.UserID, master.Key.String(), signed); err != nil {
		return err
	}
	return e.store.PutSignature(e.cfg.UserID, master.Key, e.cfg.UserID, e.account.SigningKey(), sig)
}

func (e *Engine) uploadSignature(ctx context.Context, userID id.UserID, target string, signed any) error {
	raw, err := json.Marshal(signed)
	if err != nil {
		return err
	}
	resp, err := e.client.UploadSignatures(ctx, transport.ReqUploadSignatures{
		userID: {target: raw},
	})
	if err != nil {
		return fmt.Errorf("upload signature: %w", err)
	}
	if len(resp.Failures) > 0 {
		uploadErr := &KeyUploadError{PerDevice: make(map[id.UserID]map[string]error)}
		for failedUser, targets := range resp.Failures {
			uploadErr.PerDevice[failedUser] = make(map[string]error)
			for failedTarget, detail := range targets {
				uploadErr.PerDevice[failedUser][failedTarget] = fmt.Errorf("server rejected signature: %s", detail)
			}
		}
		return uploadErr
	}
	return nil
}
