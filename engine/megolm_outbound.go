package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/crypt/store"
	"github.com/arko-chat/crypt/transport"
)

// megolm v1 room event wire content.
type encryptedMegolmContent struct {
	Algorithm  id.Algorithm    `json:"algorithm"`
	SenderKey  id.SenderKey    `json:"sender_key,omitempty"`
	DeviceID   id.DeviceID     `json:"device_id,omitempty"`
	SessionID  id.SessionID    `json:"session_id"`
	Ciphertext string          `json:"ciphertext"`
	RelatesTo  json.RawMessage `json:"m.relates_to,omitempty"`
}

// megolmPayload is the plaintext a megolm ciphertext protects.
type megolmPayload struct {
	RoomID  id.RoomID       `json:"room_id"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

type roomKeyContent struct {
	Algorithm  id.Algorithm `json:"algorithm"`
	RoomID     id.RoomID    `json:"room_id"`
	SessionID  id.SessionID `json:"session_id"`
	SessionKey string       `json:"session_key"`
}

type withheldContent struct {
	RoomID    id.RoomID                 `json:"room_id,omitempty"`
	Algorithm id.Algorithm              `json:"algorithm"`
	SessionID id.SessionID              `json:"session_id,omitempty"`
	SenderKey id.SenderKey              `json:"sender_key"`
	Code      event.RoomKeyWithheldCode `json:"code"`
	Reason    string                    `json:"reason,omitempty"`
}

const (
	defaultRotationMillis   = 7 * 24 * 3600 * 1000
	defaultRotationMessages = 100
)

// SetRoomEncryption fixes a room's encryption config. Setting the same
// config again is a no-op; a different config is rejected and the original
// retained.
func (e *Engine) SetRoomEncryption(roomID id.RoomID, settings store.RoomSettings) error {
	if settings.Algorithm == "" {
		settings.Algorithm = id.AlgorithmMegolmV1
	}
	if settings.Algorithm != id.AlgorithmMegolmV1 {
		return fmt.Errorf("%w: %s", ErrUnknownEncryptionAlgorithm, settings.Algorithm)
	}
	if settings.RotationPeriodMillis == 0 {
		settings.RotationPeriodMillis = defaultRotationMillis
	}
	if settings.RotationPeriodMessages == 0 {
		settings.RotationPeriodMessages = defaultRotationMessages
	}

	unlock := e.roomLocks.Lock(roomID)
	defer unlock()

	existing, err := e.store.GetRoomSettings(roomID)
	if err != nil {
		return err
	}
	if existing != nil {
		if *existing == settings {
			return nil
		}
		return fmt.Errorf("%w: room %s", ErrRoomConfigImmutable, roomID)
	}
	return e.store.PutRoomSettings(roomID, &settings)
}

// IsRoomEncrypted reports whether encryption has been configured for a
// room.
func (e *Engine) IsRoomEncrypted(roomID id.RoomID) bool {
	settings, err := e.store.GetRoomSettings(roomID)
	if err != nil {
		e.log.Error("read room settings", "room", roomID, "err", err)
		return false
	}
	return settings != nil
}

// EncryptRoomEvent encrypts a room event with the room's current outbound
// session, creating and sharing one when needed and rotating per the room
// config. Returns the m.room.encrypted content.
func (e *Engine) EncryptRoomEvent(ctx context.Context, roomID id.RoomID, eventType string, content any) (json.RawMessage, error) {
	settings, err := e.store.GetRoomSettings(roomID)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotEncrypted, roomID)
	}

	unlock := e.roomLocks.Lock(roomID)
	defer unlock()

	rec, err := e.store.GetOutboundSession(roomID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Expired(time.Now()) || !rec.Shared {
		rec, err = e.createAndShareSession(ctx, roomID, settings)
		if err != nil {
			return nil, err
		}
	}

	sess, err := olm.OutboundGroupSessionFromPickled(rec.Pickle, e.cfg.PickleKey)
	if err != nil {
		return nil, fmt.Errorf("unpickle outbound session: %w", err)
	}

	rawContent, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(&megolmPayload{
		RoomID:  roomID,
		Type:    eventType,
		Content: rawContent,
	})
	if err != nil {
		return nil, err
	}

	ciphertext, err := sess.Encrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("megolm encrypt: %w", err)
	}

	rec.MessageCount++
	rec.Pickle, err = sess.Pickle(e.cfg.PickleKey)
	if err != nil {
		return nil, fmt.Errorf("re-pickle outbound session: %w", err)
	}
	if err := e.store.PutOutboundSession(rec); err != nil {
		return nil, err
	}

	return json.Marshal(&encryptedMegolmContent{
		Algorithm:  id.AlgorithmMegolmV1,
		SenderKey:  e.account.IdentityKey(),
		DeviceID:   e.cfg.DeviceID,
		SessionID:  rec.SessionID,
		Ciphertext: string(ciphertext),
	})
}

// ForceDiscardSession drops the room's outbound session so the next
// encrypt creates a fresh one.
func (e *Engine) ForceDiscardSession(roomID id.RoomID) error {
	unlock := e.roomLocks.Lock(roomID)
	defer unlock()
	return e.store.DeleteOutboundSession(roomID)
}

// createAndShareSession makes a new outbound session, stores an inbound
// copy for local decryption and backup, and shares the key with every
// eligible device of every room member. Caller holds the room lock.
func (e *Engine) createAndShareSession(ctx context.Context, roomID id.RoomID, settings *store.RoomSettings) (*store.OutboundGroupSession, error) {
	members, err := e.roomState.GetJoinedMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load members of %s: %w", roomID, err)
	}
	// With lazy loading, membership may only now be complete; make sure
	// every member is tracked before the first encrypt.
	for _, userID := range members {
		e.StartTrackingDeviceList(userID)
	}
	devicesByUser, err := e.DownloadKeys(ctx, members, false)
	if err != nil {
		return nil, err
	}

	sess, err := olm.NewOutboundGroupSession()
	if err != nil {
		return nil, fmt.Errorf("create outbound session: %w", err)
	}
	sessionKey := sess.Key()

	// Keep our own inbound copy so we can decrypt and back up what we
	// send.
	inbound, err := olm.NewInboundGroupSession([]byte(sessionKey))
	if err != nil {
		return nil, fmt.Errorf("create inbound copy: %w", err)
	}
	inboundPickle, err := inbound.Pickle(e.cfg.PickleKey)
	if err != nil {
		return nil, err
	}
	if err := e.store.PutGroupSession(&store.InboundGroupSession{
		RoomID:           roomID,
		SenderKey:        e.account.IdentityKey(),
		SessionID:        sess.ID(),
		Pickle:           inboundPickle,
		FirstKnownIndex:  inbound.FirstKnownIndex(),
		SenderClaimedKey: e.account.SigningKey(),
		NeedsBackup:      true,
		ReceivedAt:       time.Now(),
	}); err != nil {
		return nil, err
	}

	if err := e.shareSessionKey(ctx, roomID, settings, sess.ID(), sessionKey, devicesByUser); err != nil {
		return nil, err
	}

	pickle, err := sess.Pickle(e.cfg.PickleKey)
	if err != nil {
		return nil, err
	}
	rec := &store.OutboundGroupSession{
		RoomID:      roomID,
		SessionID:   sess.ID(),
		Pickle:      pickle,
		CreatedAt:   time.Now(),
		MaxAge:      time.Duration(settings.RotationPeriodMillis) * time.Millisecond,
		MaxMessages: settings.RotationPeriodMessages,
		Shared:      true,
	}
	if err := e.store.PutOutboundSession(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// shareSessionKey distributes a room key under the blacklist policy:
// blocked devices never receive keys, unverified devices are excluded when
// the room or global policy blacklists them, and unknown devices either
// fail the whole encrypt (ErrorOnUnknownDevices) or are skipped. Excluded
// devices get an m.room_key.withheld notice instead.
func (e *Engine) shareSessionKey(ctx context.Context, roomID id.RoomID, settings *store.RoomSettings, sessionID id.SessionID, sessionKey string, devicesByUser map[id.UserID]map[id.DeviceID]*id.Device) error {
	blacklistUnverified := e.cfg.BlacklistUnverifiedDevices || settings.BlacklistUnverified

	type withheldTarget struct {
		device *id.Device
		code   event.RoomKeyWithheldCode
	}
	shareTargets := make(map[id.UserID][]*id.Device)
	var withheldTargets []withheldTarget

	if e.cfg.ErrorOnUnknownDevices {
		var unknown []id.UserID
		for userID, devices := range devicesByUser {
			if devices == nil {
				unknown = append(unknown, userID)
			}
		}
		if len(unknown) > 0 {
			return fmt.Errorf("%w: %v", ErrUnknownDevices, unknown)
		}
	}

	for userID, devices := range devicesByUser {
		for _, device := range devices {
			if device.IdentityKey == e.account.IdentityKey() {
				continue
			}
			switch {
			case device.Trust == id.TrustStateBlacklisted:
				withheldTargets = append(withheldTargets, withheldTarget{device, event.RoomKeyWithheldBlacklisted})
			case blacklistUnverified && !e.IsDeviceTrusted(device):
				withheldTargets = append(withheldTargets, withheldTarget{device, event.RoomKeyWithheldUnverified})
			default:
				shareTargets[userID] = append(shareTargets[userID], device)
			}
		}
	}

	result, err := e.EnsureSessionsForDevices(ctx, shareTargets, false)
	if err != nil {
		return err
	}

	keyContent := &roomKeyContent{
		Algorithm:  id.AlgorithmMegolmV1,
		RoomID:     roomID,
		SessionID:  sessionID,
		SessionKey: sessionKey,
	}

	messages := make(map[id.UserID]map[id.DeviceID]json.RawMessage)
	for userID, devices := range shareTargets {
		for _, device := range devices {
			if deviceErr, failed := result.Failed[userID][device.DeviceID]; failed {
				e.log.Warn("no olm session for room key share",
					"user", userID,
					"device", device.DeviceID,
					"err", deviceErr,
				)
				withheldTargets = append(withheldTargets, withheldTarget{device, event.RoomKeyWithheldNoOlmSession})
				continue
			}
			encrypted, err := e.encryptOlm(device, event.ToDeviceRoomKey.Type, keyContent)
			if err != nil {
				e.log.Warn("encrypt room key failed",
					"user", userID,
					"device", device.DeviceID,
					"err", err,
				)
				continue
			}
			if messages[userID] == nil {
				messages[userID] = make(map[id.DeviceID]json.RawMessage)
			}
			messages[userID][device.DeviceID] = encrypted
		}
	}

	if len(messages) > 0 {
		err := e.client.SendToDevice(ctx, event.ToDeviceEncrypted, &transport.ReqSendToDevice{Messages: messages})
		if err != nil {
			return fmt.Errorf("send room key: %w", err)
		}
	}

	if len(withheldTargets) > 0 {
		withheldMessages := make(map[id.UserID]map[id.DeviceID]json.RawMessage)
		for _, target := range withheldTargets {
			content := withheldContent{
				RoomID:    roomID,
				Algorithm: id.AlgorithmMegolmV1,
				SessionID: sessionID,
				SenderKey: e.account.IdentityKey(),
				Code:      target.code,
			}
			if target.code == event.RoomKeyWithheldNoOlmSession {
				// no_olm covers every session with that device, so it
				// carries no room or session id.
				content.RoomID = ""
				content.SessionID = ""
			}
			raw, err := json.Marshal(&content)
			if err != nil {
				return err
			}
			if withheldMessages[target.device.UserID] == nil {
				withheldMessages[target.device.UserID] = make(map[id.DeviceID]json.RawMessage)
			}
			withheldMessages[target.device.UserID][target.device.DeviceID] = raw
		}
		err := e.client.SendToDevice(ctx, event.ToDeviceRoomKeyWithheld, &transport.ReqSendToDevice{Messages: withheldMessages})
		if err != nil {
			e.log.Warn("send withheld notices failed", "room", roomID, "err", err)
		}
	}

	return nil
}
