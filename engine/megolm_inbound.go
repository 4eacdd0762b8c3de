package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/crypt/store"
)

type forwardedRoomKeyContent struct {
	Algorithm        id.Algorithm `json:"algorithm"`
	RoomID           id.RoomID    `json:"room_id"`
	SenderKey        id.SenderKey `json:"sender_key"`
	SessionID        id.SessionID `json:"session_id"`
	SessionKey       string       `json:"session_key"`
	SenderClaimedKey id.Ed25519   `json:"sender_claimed_ed25519_key"`
	ForwardingChains []string     `json:"forwarding_curve25519_key_chain"`
}

// DecryptedEvent is a successfully decrypted room event plus the
// provenance the application needs for trust decisions.
type DecryptedEvent struct {
	RoomID       id.RoomID
	EventType    string
	Content      json.RawMessage
	SenderKey    id.SenderKey
	SessionID    id.SessionID
	MessageIndex uint
	// TrustedSource is false for sessions from forwards or backup
	// restores; the claimed sender is then unauthenticated.
	TrustedSource bool
}

// DecryptRoomEvent decrypts an m.room.encrypted room event. Failures come
// back as *DecryptionFailure with a stable code; a missing session also
// queues the event for retry and requests the key.
func (e *Engine) DecryptRoomEvent(ctx context.Context, evt *event.Event) (*DecryptedEvent, error) {
	decrypted, err := e.decryptMegolm(ctx, evt)
	if err != nil {
		var failure *DecryptionFailure
		if f, ok := err.(*DecryptionFailure); ok {
			failure = f
		} else {
			failure = &DecryptionFailure{Code: FailureBadCiphertext, Err: err}
		}
		e.emit(Notification{
			Kind:      KindDecryptionFailure,
			RoomID:    evt.RoomID,
			SessionID: failure.SessionID,
			SenderKey: failure.SenderKey,
			Failure:   failure,
		})
		return nil, failure
	}
	return decrypted, nil
}

func (e *Engine) decryptMegolm(ctx context.Context, evt *event.Event) (*DecryptedEvent, error) {
	raw, err := contentJSON(evt)
	if err != nil {
		return nil, err
	}
	var content encryptedMegolmContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("parse encrypted content: %w", err)
	}
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return nil, &DecryptionFailure{
			Code:      FailureUnknownAlg,
			SessionID: content.SessionID,
			Err:       fmt.Errorf("%w: %s", ErrUnknownEncryptionAlgorithm, content.Algorithm),
		}
	}

	rec, err := e.store.GetGroupSession(content.SenderKey, content.SessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		withheld, err := e.store.GetWithheld(content.SenderKey, content.SessionID)
		if err != nil {
			return nil, err
		}
		if withheld != nil {
			return nil, &DecryptionFailure{
				Code:         FailureWithheld,
				WithheldCode: withheld.Code,
				SenderKey:    content.SenderKey,
				SessionID:    content.SessionID,
				Err:          fmt.Errorf("session withheld by sender: %s", withheld.Code),
			}
		}
		e.queuePendingEvent(content.SessionID, evt)
		if err := e.requestRoomKey(ctx, evt.RoomID, content.SenderKey, content.SessionID); err != nil {
			e.log.Warn("room key request failed", "session", content.SessionID, "err", err)
		}
		return nil, &DecryptionFailure{
			Code:      FailureNoSession,
			SenderKey: content.SenderKey,
			SessionID: content.SessionID,
			Err:       fmt.Errorf("no inbound session %s", content.SessionID),
		}
	}

	sess, err := olm.InboundGroupSessionFromPickled(rec.Pickle, e.cfg.PickleKey)
	if err != nil {
		return nil, fmt.Errorf("unpickle group session: %w", err)
	}
	plaintext, index, err := sess.Decrypt([]byte(content.Ciphertext))
	if err != nil {
		return nil, &DecryptionFailure{
			Code:      FailureBadCiphertext,
			SenderKey: content.SenderKey,
			SessionID: content.SessionID,
			Err:       fmt.Errorf("megolm decrypt: %w", err),
		}
	}

	// Replay guard: a message index may only ever map to one event.
	markKey := replayKey(content.SenderKey, content.SessionID, index)
	mark := replayMark{eventID: evt.ID, timestamp: evt.Timestamp}
	if prev, loaded := e.replayIndex.LoadOrStore(markKey, mark); loaded {
		if prev.eventID != evt.ID || prev.timestamp != evt.Timestamp {
			return nil, &DecryptionFailure{
				Code:      FailureReplayDetected,
				SenderKey: content.SenderKey,
				SessionID: content.SessionID,
				Err:       fmt.Errorf("message index %d already used by %s", index, prev.eventID),
			}
		}
	}

	var payload megolmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("parse megolm payload: %w", err)
	}
	if payload.RoomID != evt.RoomID {
		return nil, &DecryptionFailure{
			Code:      FailureBadCiphertext,
			SenderKey: content.SenderKey,
			SessionID: content.SessionID,
			Err:       fmt.Errorf("room mismatch: payload %s, event %s", payload.RoomID, evt.RoomID),
		}
	}

	return &DecryptedEvent{
		RoomID:        evt.RoomID,
		EventType:     payload.Type,
		Content:       payload.Content,
		SenderKey:     content.SenderKey,
		SessionID:     content.SessionID,
		MessageIndex:  index,
		TrustedSource: rec.Trusted(),
	}, nil
}

func replayKey(senderKey id.SenderKey, sessionID id.SessionID, index uint) string {
	return strings.Join([]string{senderKey.String(), sessionID.String(), strconv.FormatUint(uint64(index), 10)}, "|")
}

func (e *Engine) queuePendingEvent(sessionID id.SessionID, evt *event.Event) {
	key := sessionID.String()
	queued, _ := e.pendingEvents.Get(key)
	for _, existing := range queued {
		if existing.ID == evt.ID {
			return
		}
	}
	e.pendingEvents.Add(key, append(queued, evt))
}

// handleRoomKey imports a direct m.room_key from a decrypted olm envelope.
// The olm channel authenticated the sender, so the session is trusted.
func (e *Engine) handleRoomKey(ctx context.Context, decrypted *DecryptedOlmEvent) error {
	var content roomKeyContent
	if err := json.Unmarshal(decrypted.Content, &content); err != nil {
		return fmt.Errorf("parse room key content: %w", err)
	}
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return fmt.Errorf("%w: %s", ErrUnknownEncryptionAlgorithm, content.Algorithm)
	}

	sess, err := olm.NewInboundGroupSession([]byte(content.SessionKey))
	if err != nil {
		return fmt.Errorf("import room key: %w", err)
	}
	if sess.ID() != content.SessionID {
		return fmt.Errorf("session key is for %s, not %s", sess.ID(), content.SessionID)
	}

	rec := &store.InboundGroupSession{
		RoomID:           content.RoomID,
		SenderKey:        decrypted.SenderKey,
		SessionID:        content.SessionID,
		FirstKnownIndex:  sess.FirstKnownIndex(),
		SenderClaimedKey: decrypted.SenderSigningKey,
		NeedsBackup:      true,
		ReceivedAt:       time.Now(),
	}
	rec.Pickle, err = sess.Pickle(e.cfg.PickleKey)
	if err != nil {
		return err
	}

	stored, err := e.putGroupSessionIfBetter(rec)
	if err != nil || !stored {
		return err
	}
	e.cancelKeyRequest(ctx, store.KeyRequestBody{
		RoomID:    content.RoomID,
		SessionID: content.SessionID,
		SenderKey: decrypted.SenderKey,
		Algorithm: content.Algorithm,
	})
	e.notifySessionReceived(content.RoomID, decrypted.SenderKey, content.SessionID)
	return nil
}

// handleForwardedRoomKey imports an m.forwarded_room_key. Only forwards we
// actually asked for are accepted, and the forwarder's identity key is
// appended to the chain so trust stays derivable.
func (e *Engine) handleForwardedRoomKey(ctx context.Context, decrypted *DecryptedOlmEvent) error {
	var content forwardedRoomKeyContent
	if err := json.Unmarshal(decrypted.Content, &content); err != nil {
		return fmt.Errorf("parse forwarded room key content: %w", err)
	}
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return fmt.Errorf("%w: %s", ErrUnknownEncryptionAlgorithm, content.Algorithm)
	}

	body := store.KeyRequestBody{
		RoomID:    content.RoomID,
		SessionID: content.SessionID,
		SenderKey: content.SenderKey,
		Algorithm: content.Algorithm,
	}
	request, err := e.store.GetKeyRequestByBody(body)
	if err != nil {
		return err
	}
	if request == nil {
		e.log.Warn("ignoring unsolicited forwarded room key",
			"sender", decrypted.Sender,
			"session", content.SessionID,
		)
		return nil
	}

	sess, err := olm.InboundGroupSessionImport([]byte(content.SessionKey))
	if err != nil {
		return fmt.Errorf("import forwarded room key: %w", err)
	}
	if sess.ID() != content.SessionID {
		return fmt.Errorf("session key is for %s, not %s", sess.ID(), content.SessionID)
	}

	rec := &store.InboundGroupSession{
		RoomID:           content.RoomID,
		SenderKey:        content.SenderKey,
		SessionID:        content.SessionID,
		FirstKnownIndex:  sess.FirstKnownIndex(),
		ForwardingChains: append(content.ForwardingChains, decrypted.SenderKey.String()),
		SenderClaimedKey: content.SenderClaimedKey,
		NeedsBackup:      true,
		ReceivedAt:       time.Now(),
	}
	rec.Pickle, err = sess.Pickle(e.cfg.PickleKey)
	if err != nil {
		return err
	}

	stored, err := e.putGroupSessionIfBetter(rec)
	if err != nil || !stored {
		return err
	}
	e.cancelKeyRequest(ctx, body)
	e.notifySessionReceived(content.RoomID, content.SenderKey, content.SessionID)
	return nil
}

// putGroupSessionIfBetter stores a session unless the one we already hold
// is at least as good: a directly received session never gives way to a
// forward or an import, and within equal trust the lower first known index
// wins.
func (e *Engine) putGroupSessionIfBetter(rec *store.InboundGroupSession) (bool, error) {
	existing, err := e.store.GetGroupSession(rec.SenderKey, rec.SessionID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		if existing.Trusted() && !rec.Trusted() {
			return false, nil
		}
		if existing.Trusted() == rec.Trusted() && existing.FirstKnownIndex <= rec.FirstKnownIndex {
			return false, nil
		}
	}
	if err := e.store.PutGroupSession(rec); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) notifySessionReceived(roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) {
	retry, _ := e.pendingEvents.Get(sessionID.String())
	e.pendingEvents.Remove(sessionID.String())
	e.emit(Notification{
		Kind:        KindSessionReceived,
		RoomID:      roomID,
		SenderKey:   senderKey,
		SessionID:   sessionID,
		RetryEvents: retry,
	})
}

// handleWithheldEvent records the sender's refusal so later decryption
// failures can report the reason instead of requesting a key that will
// never come.
func (e *Engine) handleWithheldEvent(ctx context.Context, evt *event.Event) error {
	raw, err := contentJSON(evt)
	if err != nil {
		return err
	}
	var content withheldContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return fmt.Errorf("parse withheld content: %w", err)
	}
	if content.Algorithm != id.AlgorithmMegolmV1 || content.SenderKey == "" {
		return nil
	}
	if content.Code != event.RoomKeyWithheldNoOlmSession && content.SessionID == "" {
		return nil
	}
	if err := e.store.PutWithheld(&store.WithheldRecord{
		RoomID:    content.RoomID,
		SenderKey: content.SenderKey,
		SessionID: content.SessionID,
		Code:      content.Code,
		Reason:    content.Reason,
	}); err != nil {
		return err
	}
	if content.SessionID == "" {
		return nil
	}

	// The key is never coming. Drop the outstanding request and resolve
	// any events queued behind it with the withheld reason.
	e.cancelKeyRequest(ctx, store.KeyRequestBody{
		RoomID:    content.RoomID,
		SessionID: content.SessionID,
		SenderKey: content.SenderKey,
		Algorithm: content.Algorithm,
	})
	queued, _ := e.pendingEvents.Get(content.SessionID.String())
	e.pendingEvents.Remove(content.SessionID.String())
	for _, pending := range queued {
		e.emit(Notification{
			Kind:      KindDecryptionFailure,
			RoomID:    pending.RoomID,
			SessionID: content.SessionID,
			SenderKey: content.SenderKey,
			Failure: &DecryptionFailure{
				Code:         FailureWithheld,
				WithheldCode: content.Code,
				SenderKey:    content.SenderKey,
				SessionID:    content.SessionID,
				Err:          fmt.Errorf("session withheld by sender: %s", content.Code),
			},
		})
	}
	return nil
}
