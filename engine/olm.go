package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/crypt/store"
	"github.com/arko-chat/crypt/transport"
)

// olm v1 to-device wire content.
type encryptedOlmContent struct {
	Algorithm  id.Algorithm                    `json:"algorithm"`
	SenderKey  id.SenderKey                    `json:"sender_key"`
	Ciphertext map[id.Curve25519]olmCiphertext `json:"ciphertext"`
}

type olmCiphertext struct {
	Type id.OlmMsgType `json:"type"`
	Body string        `json:"body"`
}

// olmPayload is the signed-provenance envelope inside every olm message.
type olmPayload struct {
	Type          string          `json:"type"`
	Content       json.RawMessage `json:"content"`
	Sender        id.UserID       `json:"sender"`
	Recipient     id.UserID       `json:"recipient"`
	RecipientKeys olmEnvelopeKeys `json:"recipient_keys"`
	Keys          olmEnvelopeKeys `json:"keys"`
}

type olmEnvelopeKeys struct {
	Ed25519 id.Ed25519 `json:"ed25519"`
}

// DecryptedOlmEvent is a to-device event recovered from an olm envelope,
// with the sender identity the ratchet authenticated.
type DecryptedOlmEvent struct {
	Sender           id.UserID
	SenderKey        id.SenderKey
	SenderSigningKey id.Ed25519
	Type             string
	Content          json.RawMessage
}

// EnsureSessionsForDevices establishes olm sessions with every target
// device that lacks one (or all of them when force is set). Blocked
// devices and this device itself are skipped. Per-device failures land in
// the result, not in the error.
func (e *Engine) EnsureSessionsForDevices(ctx context.Context, devicesByUser map[id.UserID][]*id.Device, force bool) (*SessionShareResult, error) {
	result := newSessionShareResult()
	claim := make(map[id.UserID]map[id.DeviceID]id.KeyAlgorithm)
	targets := make(map[id.UserID]map[id.DeviceID]*id.Device)

	for userID, devices := range devicesByUser {
		for _, device := range devices {
			if device.Trust == id.TrustStateBlacklisted || device.IdentityKey == e.account.IdentityKey() {
				result.Skipped[userID] = append(result.Skipped[userID], device.DeviceID)
				continue
			}
			if !force {
				existing, err := e.store.GetLatestOlmSession(id.SenderKey(device.IdentityKey))
				if err != nil {
					result.fail(userID, device.DeviceID, err)
					continue
				}
				if existing != nil {
					result.Skipped[userID] = append(result.Skipped[userID], device.DeviceID)
					continue
				}
			}
			if claim[userID] == nil {
				claim[userID] = make(map[id.DeviceID]id.KeyAlgorithm)
				targets[userID] = make(map[id.DeviceID]*id.Device)
			}
			claim[userID][device.DeviceID] = id.KeyAlgorithmSignedCurve25519
			targets[userID][device.DeviceID] = device
		}
	}

	if len(claim) == 0 {
		return result, nil
	}

	resp, err := e.client.ClaimKeys(ctx, &transport.ReqClaimKeys{OneTimeKeys: claim, Timeout: 10_000})
	if err != nil {
		return result, fmt.Errorf("claim one-time keys: %w", err)
	}

	for userID, devices := range targets {
		for deviceID, device := range devices {
			otk, ok := pickOneTimeKey(resp.OneTimeKeys[userID][deviceID])
			if !ok {
				result.fail(userID, deviceID, fmt.Errorf("no one-time key claimed for %s/%s", userID, deviceID))
				continue
			}
			if err := e.verifySignedOneTimeKey(otk, device); err != nil {
				result.fail(userID, deviceID, err)
				continue
			}
			if _, err := e.createOutboundSession(device, otk.Key); err != nil {
				result.fail(userID, deviceID, err)
				continue
			}
			result.Established[userID] = append(result.Established[userID], deviceID)
		}
	}
	return result, nil
}

func pickOneTimeKey(keys map[id.KeyID]transport.OneTimeKey) (transport.OneTimeKey, bool) {
	for _, key := range keys {
		return key, true
	}
	return transport.OneTimeKey{}, false
}

// verifySignedOneTimeKey checks the device's ed25519 signature over the
// claimed key; an unsigned or badly signed key is never used.
func (e *Engine) verifySignedOneTimeKey(otk transport.OneTimeKey, device *id.Device) error {
	verified, err := verifyJSONSignature(otk, device.UserID, device.DeviceID.String(), device.SigningKey)
	if err != nil {
		return fmt.Errorf("%w: one-time key of %s/%s: %v", ErrSignatureVerification, device.UserID, device.DeviceID, err)
	}
	if !verified {
		return fmt.Errorf("%w: one-time key of %s/%s", ErrSignatureVerification, device.UserID, device.DeviceID)
	}
	return nil
}

func (e *Engine) createOutboundSession(device *id.Device, oneTimeKey id.Curve25519) (*store.OlmSession, error) {
	e.account.mu.Lock()
	sess, err := e.account.account.NewOutboundSession(device.IdentityKey, oneTimeKey)
	if err != nil {
		e.account.mu.Unlock()
		return nil, fmt.Errorf("create outbound session: %w", err)
	}
	if err := e.account.persist(e.store); err != nil {
		e.account.mu.Unlock()
		return nil, err
	}
	e.account.mu.Unlock()

	rec, err := e.persistOlmSession(id.SenderKey(device.IdentityKey), sess, time.Now())
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Engine) persistOlmSession(senderKey id.SenderKey, sess olm.Session, lastUsed time.Time) (*store.OlmSession, error) {
	pickled, err := sess.Pickle(e.cfg.PickleKey)
	if err != nil {
		return nil, fmt.Errorf("pickle olm session: %w", err)
	}
	rec := &store.OlmSession{
		SenderKey: senderKey,
		SessionID: sess.ID(),
		Pickle:    pickled,
		CreatedAt: lastUsed,
		LastUsed:  lastUsed,
	}
	if err := e.store.AddOlmSession(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// encryptOlm encrypts a to-device payload to one device using its most
// recently used session, which must already exist.
func (e *Engine) encryptOlm(device *id.Device, eventType string, content any) (json.RawMessage, error) {
	unlock := e.olmLocks.Lock(id.SenderKey(device.IdentityKey))
	defer unlock()

	rec, err := e.store.GetLatestOlmSession(id.SenderKey(device.IdentityKey))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoOlmSession, device.UserID, device.DeviceID)
	}
	sess, err := olm.SessionFromPickled(rec.Pickle, e.cfg.PickleKey)
	if err != nil {
		return nil, fmt.Errorf("unpickle olm session: %w", err)
	}

	rawContent, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(&olmPayload{
		Type:          eventType,
		Content:       rawContent,
		Sender:        e.cfg.UserID,
		Recipient:     device.UserID,
		RecipientKeys: olmEnvelopeKeys{Ed25519: device.SigningKey},
		Keys:          olmEnvelopeKeys{Ed25519: e.account.SigningKey()},
	})
	if err != nil {
		return nil, err
	}

	msgType, ciphertext, err := sess.Encrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("olm encrypt: %w", err)
	}

	rec.LastUsed = time.Now()
	rec.Pickle, err = sess.Pickle(e.cfg.PickleKey)
	if err != nil {
		return nil, fmt.Errorf("re-pickle olm session: %w", err)
	}
	if err := e.store.UpdateOlmSession(rec); err != nil {
		return nil, err
	}

	return json.Marshal(&encryptedOlmContent{
		Algorithm: id.AlgorithmOlmV1,
		SenderKey: e.account.IdentityKey(),
		Ciphertext: map[id.Curve25519]olmCiphertext{
			device.IdentityKey: {Type: msgType, Body: string(ciphertext)},
		},
	})
}

// handleEncryptedToDevice decrypts an olm envelope and dispatches the
// inner event to the room key handlers.
func (e *Engine) handleEncryptedToDevice(ctx context.Context, evt *event.Event) error {
	raw, err := contentJSON(evt)
	if err != nil {
		return err
	}
	var content encryptedOlmContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return fmt.Errorf("parse encrypted to-device content: %w", err)
	}
	if content.Algorithm != id.AlgorithmOlmV1 {
		return fmt.Errorf("%w: %s", ErrUnknownEncryptionAlgorithm, content.Algorithm)
	}
	ciphertext, ok := content.Ciphertext[e.account.IdentityKey()]
	if !ok {
		// Not addressed to this device.
		return nil
	}

	decrypted, err := e.decryptOlm(evt.Sender, content.SenderKey, ciphertext)
	if err != nil {
		e.recordOlmProblem(content.SenderKey, err)
		if recoverErr := e.recoverWedgedSession(ctx, evt.Sender, content.SenderKey); recoverErr != nil {
			e.log.Error("wedged session recovery failed",
				"sender", evt.Sender,
				"sender_key", content.SenderKey,
				"err", recoverErr,
			)
		}
		return fmt.Errorf("decrypt olm event from %s: %w", evt.Sender, err)
	}

	switch decrypted.Type {
	case event.ToDeviceRoomKey.Type:
		return e.handleRoomKey(ctx, decrypted)
	case event.ToDeviceForwardedRoomKey.Type:
		return e.handleForwardedRoomKey(ctx, decrypted)
	case event.ToDeviceDummy.Type:
		// The dummy fixed the wedge; nothing else to do.
		e.olmProblems.Delete(decrypted.SenderKey)
		return nil
	default:
		e.log.Debug("unhandled decrypted to-device event",
			"sender", decrypted.Sender,
			"type", decrypted.Type,
		)
		return nil
	}
}

func (e *Engine) decryptOlm(sender id.UserID, senderKey id.SenderKey, ciphertext olmCiphertext) (*DecryptedOlmEvent, error) {
	unlock := e.olmLocks.Lock(senderKey)
	defer unlock()

	plaintext, err := e.tryDecryptExistingSessions(senderKey, ciphertext)
	if err != nil {
		return nil, err
	}
	if plaintext == nil {
		if ciphertext.Type != id.OlmMsgTypePreKey {
			return nil, ErrNoOlmSession
		}
		plaintext, err = e.createInboundSession(senderKey, ciphertext.Body)
		if err != nil {
			return nil, err
		}
	}

	var payload olmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("parse olm payload: %w", err)
	}
	if payload.Recipient != e.cfg.UserID {
		return nil, fmt.Errorf("olm payload for wrong recipient %s", payload.Recipient)
	}
	if payload.RecipientKeys.Ed25519 != e.account.SigningKey() {
		return nil, errors.New("olm payload for wrong recipient key")
	}
	if payload.Sender != sender {
		return nil, fmt.Errorf("olm payload sender mismatch: envelope %s, event %s", payload.Sender, sender)
	}

	return &DecryptedOlmEvent{
		Sender:           payload.Sender,
		SenderKey:        senderKey,
		SenderSigningKey: payload.Keys.Ed25519,
		Type:             payload.Type,
		Content:          payload.Content,
	}, nil
}

// tryDecryptExistingSessions walks stored sessions newest-first. A nil,
// nil return means no session could read the message.
func (e *Engine) tryDecryptExistingSessions(senderKey id.SenderKey, ciphertext olmCiphertext) ([]byte, error) {
	records, err := e.store.GetOlmSessions(senderKey)
	if err != nil {
		return nil, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		sess, err := olm.SessionFromPickled(rec.Pickle, e.cfg.PickleKey)
		if err != nil {
			e.log.Warn("skipping corrupt olm session pickle", "session", rec.SessionID, "err", err)
			continue
		}
		plaintext, err := sess.Decrypt(ciphertext.Body, ciphertext.Type)
		if err != nil {
			continue
		}
		rec.LastUsed = time.Now()
		rec.Pickle, err = sess.Pickle(e.cfg.PickleKey)
		if err != nil {
			return nil, fmt.Errorf("re-pickle olm session: %w", err)
		}
		if err := e.store.UpdateOlmSession(rec); err != nil {
			return nil, err
		}
		return plaintext, nil
	}
	return nil, nil
}

func (e *Engine) createInboundSession(senderKey id.SenderKey, ciphertext string) ([]byte, error) {
	e.account.mu.Lock()
	theirKey := id.Curve25519(senderKey)
	sess, err := e.account.account.NewInboundSessionFrom(&theirKey, ciphertext)
	if err != nil {
		e.account.mu.Unlock()
		return nil, fmt.Errorf("create inbound session: %w", err)
	}
	if err := e.account.account.RemoveOneTimeKeys(sess); err != nil {
		e.account.mu.Unlock()
		return nil, fmt.Errorf("remove used one-time key: %w", err)
	}
	if err := e.account.persist(e.store); err != nil {
		e.account.mu.Unlock()
		return nil, err
	}
	e.account.mu.Unlock()

	plaintext, err := sess.Decrypt(ciphertext, id.OlmMsgTypePreKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt pre-key message: %w", err)
	}
	if _, err := e.persistOlmSession(senderKey, sess, time.Now()); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (e *Engine) recordOlmProblem(senderKey id.SenderKey, err error) {
	e.olmProblems.Store(senderKey, err.Error())
}

// OlmSessionProblem returns the recorded decryption problem for a sender
// key, if any.
func (e *Engine) OlmSessionProblem(senderKey id.SenderKey) (string, bool) {
	return e.olmProblems.Load(senderKey)
}

// recoverWedgedSession forces a fresh session with the sender and pushes a
// dummy message through it so the peer adopts it as most recently used.
// Throttled per sender key: within OlmRecoveryInterval, repeat failures do
// not force another session.
func (e *Engine) recoverWedgedSession(ctx context.Context, sender id.UserID, senderKey id.SenderKey) error {
	if _, throttled := e.recoveryAttempts.Get(senderKey); throttled {
		return nil
	}
	e.recoveryAttempts.Add(senderKey, time.Now())

	device, err := e.store.FindDeviceByKey(sender, id.IdentityKey(senderKey))
	if err != nil {
		return err
	}
	if device == nil {
		// Cannot map the key to a device; nothing safe to re-establish.
		e.log.Warn("no known device for wedged sender key", "sender", sender, "sender_key", senderKey)
		return nil
	}

	result, err := e.EnsureSessionsForDevices(ctx, map[id.UserID][]*id.Device{sender: {device}}, true)
	if err != nil {
		return err
	}
	if deviceErr, ok := result.Failed[sender][device.DeviceID]; ok {
		return deviceErr
	}

	encrypted, err := e.encryptOlm(device, event.ToDeviceDummy.Type, struct{}{})
	if err != nil {
		return err
	}
	return e.client.SendToDevice(ctx, event.ToDeviceEncrypted, &transport.ReqSendToDevice{
		Messages: map[id.UserID]map[id.DeviceID]json.RawMessage{
			sender: {device.DeviceID: encrypted},
		},
	})
}

// contentJSON returns an event's raw content bytes.
func contentJSON(evt *event.Event) (json.RawMessage, error) {
	if len(evt.Content.VeryRaw) > 0 {
		return evt.Content.VeryRaw, nil
	}
	if evt.Content.Raw != nil {
		return json.Marshal(evt.Content.Raw)
	}
	if evt.Content.Parsed != nil {
		return json.Marshal(evt.Content.Parsed)
	}
	return nil, errors.New("event has no content")
}
