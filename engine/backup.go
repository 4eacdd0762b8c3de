package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/crypt/internal/cryptoutil"
	"github.com/arko-chat/crypt/store"
	"github.com/arko-chat/crypt/transport"
)

const backupAlgorithm id.Algorithm = "m.megolm_backup.v1.curve25519-aes-sha2"

const secretNameMegolmBackup = "m.megolm_backup.v1"

// backupAuthData is the auth_data of a curve25519-aes-sha2 backup version.
type backupAuthData struct {
	PublicKey  id.Curve25519        `json:"public_key"`
	Signatures transport.Signatures `json:"signatures,omitempty"`
}

// backupSessionPayload is the plaintext inside one backed up session_data.
type backupSessionPayload struct {
	Algorithm         id.Algorithm          `json:"algorithm"`
	ForwardingChains  []string              `json:"forwarding_curve25519_key_chain"`
	SenderKey         id.SenderKey          `json:"sender_key"`
	SenderClaimedKeys map[string]id.Ed25519 `json:"sender_claimed_keys"`
	SessionKey        string                `json:"session_key"`
}

// BackupTrust is the verdict on a server-side backup version.
type BackupTrust struct {
	Version                string
	SignedByVerifiedDevice bool
	SignedByCrossSigning   bool
}

// Usable reports whether sessions may be uploaded to this backup. An
// unsigned backup, or one signed only by unknown parties, is never used.
func (t *BackupTrust) Usable() bool {
	return t.SignedByVerifiedDevice || t.SignedByCrossSigning
}

// GetKeyBackupTrust fetches the current backup version and decides whether
// its auth data carries a signature we accept: one from a verified device
// of ours, or one from our cross-signing master key.
func (e *Engine) GetKeyBackupTrust(ctx context.Context) (*BackupTrust, error) {
	version, err := e.client.GetKeyBackupVersion(ctx)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, ErrNoBackup
	}
	if version.Algorithm != backupAlgorithm {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEncryptionAlgorithm, version.Algorithm)
	}
	var authData backupAuthData
	if err := json.Unmarshal(version.AuthData, &authData); err != nil {
		return nil, fmt.Errorf("parse backup auth data: %w", err)
	}

	trust := &BackupTrust{Version: version.Version}
	ownKeys, err := e.store.GetCrossSigningKeys(e.cfg.UserID)
	if err != nil {
		return nil, err
	}
	for keyID := range authData.Signatures[e.cfg.UserID] {
		algorithm, keyName := keyID.Parse()
		if algorithm != id.KeyAlgorithmEd25519 {
			continue
		}
		if master, ok := ownKeys[id.XSUsageMaster]; ok && keyName == master.Key.String() {
			verified, err := verifyJSONSignature(&authData, e.cfg.UserID, keyName, master.Key)
			if err == nil && verified {
				trust.SignedByCrossSigning = true
			}
			continue
		}
		device := e.GetStoredDevice(e.cfg.UserID, id.DeviceID(keyName))
		if device == nil || device.Trust != id.TrustStateVerified {
			continue
		}
		verified, err := verifyJSONSignature(&authData, e.cfg.UserID, keyName, device.SigningKey)
		if err == nil && verified {
			trust.SignedByVerifiedDevice = true
		}
	}
	return trust, nil
}

// CreateKeyBackup makes a fresh backup keypair, publishes a new backup
// version signed by this device, caches the private key, and enables
// uploads to it. Returns the new version.
func (e *Engine) CreateKeyBackup(ctx context.Context) (string, error) {
	private, err := cryptoutil.GenerateKey()
	if err != nil {
		return "", err
	}
	public, err := cryptoutil.PublicFromPrivate(private)
	if err != nil {
		return "", err
	}

	authData := &backupAuthData{
		PublicKey: id.Curve25519(base64.RawStdEncoding.EncodeToString(public)),
	}
	sig, err := e.account.signJSON(authData)
	if err != nil {
		return "", err
	}
	authData.Signatures = transport.Signatures{
		e.cfg.UserID: {
			id.NewKeyID(id.KeyAlgorithmEd25519, e.cfg.DeviceID.String()): sig,
		},
	}
	rawAuthData, err := json.Marshal(authData)
	if err != nil {
		return "", err
	}

	version, err := e.client.CreateKeyBackupVersion(ctx, &transport.ReqCreateBackupVersion{
		Algorithm: backupAlgorithm,
		AuthData:  rawAuthData,
	})
	if err != nil {
		return "", fmt.Errorf("create backup version: %w", err)
	}

	if err := e.store.PutSecret(secretNameMegolmBackup, base64.RawStdEncoding.EncodeToString(private)); err != nil {
		return "", err
	}

	e.backupMu.Lock()
	e.backupVersion = version
	e.backupPubKey = public
	e.backupMu.Unlock()

	e.emit(Notification{Kind: KindKeyBackupStatus, BackupVersion: version, BackupUsable: true})
	return version, nil
}

// EnableKeyBackup connects to the existing server-side backup: the trust
// check must pass and the cached or secret-storage private key must match
// the published public key. A legacy comma-separated key cache is repaired
// and written back in the canonical encoding.
func (e *Engine) EnableKeyBackup(ctx context.Context) error {
	trust, err := e.GetKeyBackupTrust(ctx)
	if err != nil {
		return err
	}
	if !trust.Usable() {
		return fmt.Errorf("%w: backup %s has no acceptable signature", ErrSignatureVerification, trust.Version)
	}

	private, err := e.backupPrivateKey(ctx)
	if err != nil {
		return err
	}
	public, err := cryptoutil.PublicFromPrivate(private)
	if err != nil {
		return err
	}

	version, err := e.client.GetKeyBackupVersion(ctx)
	if err != nil {
		return err
	}
	var authData backupAuthData
	if err := json.Unmarshal(version.AuthData, &authData); err != nil {
		return fmt.Errorf("parse backup auth data: %w", err)
	}
	if authData.PublicKey != id.Curve25519(base64.RawStdEncoding.EncodeToString(public)) {
		return fmt.Errorf("%w: backup key does not match version %s", ErrSignatureVerification, version.Version)
	}

	e.backupMu.Lock()
	e.backupVersion = version.Version
	e.backupPubKey = public
	e.backupMu.Unlock()

	e.emit(Notification{Kind: KindKeyBackupStatus, BackupVersion: version.Version, BackupUsable: true})
	return nil
}

// DisableKeyBackup stops uploading without touching the server.
func (e *Engine) DisableKeyBackup() {
	e.backupMu.Lock()
	version := e.backupVersion
	e.backupVersion = ""
	e.backupPubKey = nil
	e.backupMu.Unlock()
	if version != "" {
		e.emit(Notification{Kind: KindKeyBackupStatus, BackupVersion: version, BackupUsable: false})
	}
}

// backupPrivateKey loads the backup key from the local cache or, failing
// that, from secret storage. The local cache may hold the historic
// comma-separated byte list; that form is decoded once and re-stored in
// canonical base64.
func (e *Engine) backupPrivateKey(ctx context.Context) ([]byte, error) {
	stored, err := e.store.GetSecret(secretNameMegolmBackup)
	if err == nil {
		private, wasLegacy, err := cryptoutil.DecodeLegacyKey(stored)
		if err != nil {
			return nil, fmt.Errorf("decode cached backup key: %w", err)
		}
		if wasLegacy {
			canonical := base64.RawStdEncoding.EncodeToString(private)
			if err := e.store.PutSecret(secretNameMegolmBackup, canonical); err != nil {
				e.log.Error("rewrite legacy backup key", "err", err)
			}
		}
		return private, nil
	}

	seedB64, err := e.GetDecryptedSecret(ctx, secretNameMegolmBackup)
	if err != nil {
		return nil, fmt.Errorf("backup key not cached and not in secret storage: %w", err)
	}
	private, _, err := cryptoutil.DecodeLegacyKey(string(seedB64))
	if err != nil {
		return nil, fmt.Errorf("decode backup key from secret storage: %w", err)
	}
	if err := e.store.PutSecret(secretNameMegolmBackup, base64.RawStdEncoding.EncodeToString(private)); err != nil {
		return nil, err
	}
	return private, nil
}

// uploadPendingBackupSessions drains sessions flagged NeedsBackup in
// batches. A disabled backup makes this a no-op; failures leave the flag
// set so the next pass retries.
func (e *Engine) uploadPendingBackupSessions(ctx context.Context) error {
	e.backupMu.Lock()
	defer e.backupMu.Unlock()
	if e.backupVersion == "" {
		return nil
	}

	for {
		pending, err := e.store.GetGroupSessionsNeedingBackup(e.cfg.BackupBatchSize)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		req := &transport.ReqPutRoomKeys{Rooms: make(map[id.RoomID]transport.RoomKeyBackup)}
		var uploaded []*store.InboundGroupSession
		for _, rec := range pending {
			data, err := e.encryptSessionForBackup(rec)
			if err != nil {
				e.log.Warn("skip unbackupable session", "session", rec.SessionID, "err", err)
				continue
			}
			room, ok := req.Rooms[rec.RoomID]
			if !ok {
				room = transport.RoomKeyBackup{Sessions: make(map[id.SessionID]transport.BackupSessionData)}
				req.Rooms[rec.RoomID] = room
			}
			room.Sessions[rec.SessionID] = *data
			uploaded = append(uploaded, rec)
		}
		if len(uploaded) == 0 {
			return nil
		}
		if err := e.client.PutRoomKeys(ctx, e.backupVersion, req); err != nil {
			return fmt.Errorf("upload backup batch: %w", err)
		}
		if err := e.store.MarkSessionsBackedUp(uploaded); err != nil {
			return err
		}
		if len(pending) < e.cfg.BackupBatchSize {
			return nil
		}
	}
}

func (e *Engine) encryptSessionForBackup(rec *store.InboundGroupSession) (*transport.BackupSessionData, error) {
	exported, err := e.exportGroupSession(rec)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(&backupSessionPayload{
		Algorithm:         id.AlgorithmMegolmV1,
		ForwardingChains:  rec.ForwardingChains,
		SenderKey:         rec.SenderKey,
		SenderClaimedKeys: map[string]id.Ed25519{"ed25519": rec.SenderClaimedKey},
		SessionKey:        exported,
	})
	if err != nil {
		return nil, err
	}
	enc, err := cryptoutil.PKEncrypt(payload, e.backupPubKey)
	if err != nil {
		return nil, err
	}
	rawEnc, err := json.Marshal(enc)
	if err != nil {
		return nil, err
	}
	return &transport.BackupSessionData{
		FirstMessageIndex: int(rec.FirstKnownIndex),
		ForwardedCount:    len(rec.ForwardingChains),
		IsVerified:        rec.Trusted(),
		SessionData:       rawEnc,
	}, nil
}

// RestoreFromBackup downloads the whole backup and imports every session
// the private key can open. Restored sessions are marked imported, so they
// never count as device-attested and are not re-uploaded.
func (e *Engine) RestoreFromBackup(ctx context.Context) (imported int, err error) {
	private, err := e.backupPrivateKey(ctx)
	if err != nil {
		return 0, err
	}
	version, err := e.client.GetKeyBackupVersion(ctx)
	if err != nil {
		return 0, err
	}
	if version == nil {
		return 0, ErrNoBackup
	}
	keys, err := e.client.GetRoomKeys(ctx, version.Version)
	if err != nil {
		return 0, err
	}

	for roomID, room := range keys.Rooms {
		for sessionID, data := range room.Sessions {
			count, err := e.restoreBackupSession(roomID, sessionID, data, private)
			if err != nil {
				e.log.Warn("skip unrestorable backup session",
					"room", roomID,
					"session", sessionID,
					"err", err,
				)
				continue
			}
			imported += count
		}
	}
	return imported, nil
}

func (e *Engine) restoreBackupSession(roomID id.RoomID, sessionID id.SessionID, data transport.BackupSessionData, private []byte) (int, error) {
	var enc cryptoutil.PKCiphertext
	if err := json.Unmarshal(data.SessionData, &enc); err != nil {
		return 0, fmt.Errorf("parse session data: %w", err)
	}
	plaintext, err := cryptoutil.PKDecrypt(&enc, private)
	if err != nil {
		return 0, fmt.Errorf("decrypt session data: %w", err)
	}
	var payload backupSessionPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return 0, fmt.Errorf("parse session payload: %w", err)
	}

	sess, err := olm.InboundGroupSessionImport([]byte(payload.SessionKey))
	if err != nil {
		return 0, fmt.Errorf("import session: %w", err)
	}
	if sess.ID() != sessionID {
		return 0, fmt.Errorf("backup entry %s holds session %s", sessionID, sess.ID())
	}

	rec := &store.InboundGroupSession{
		RoomID:           roomID,
		SenderKey:        payload.SenderKey,
		SessionID:        sessionID,
		FirstKnownIndex:  sess.FirstKnownIndex(),
		ForwardingChains: payload.ForwardingChains,
		SenderClaimedKey: payload.SenderClaimedKeys["ed25519"],
		Imported:         true,
		ReceivedAt:       time.Now(),
	}
	rec.Pickle, err = sess.Pickle(e.cfg.PickleKey)
	if err != nil {
		return 0, err
	}
	stored, err := e.putGroupSessionIfBetter(rec)
	if err != nil {
		return 0, err
	}
	if !stored {
		return 0, nil
	}
	return 1, nil
}
