package engine

import (
	"fmt"
	"time"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/crypt/store"
)

// ExportedSession is the interchange form of one megolm session, the same
// shape other clients produce in key export files.
type ExportedSession struct {
	Algorithm         id.Algorithm          `json:"algorithm"`
	RoomID            id.RoomID             `json:"room_id"`
	SenderKey         id.SenderKey          `json:"sender_key"`
	SessionID         id.SessionID          `json:"session_id"`
	SessionKey        string                `json:"session_key"`
	SenderClaimedKeys map[string]id.Ed25519 `json:"sender_claimed_keys"`
	ForwardingChains  []string              `json:"forwarding_curve25519_key_chain"`
}

// exportGroupSession re-derives the shareable session key from the first
// index we know, so the export never grants more history than we hold.
func (e *Engine) exportGroupSession(rec *store.InboundGroupSession) (string, error) {
	sess, err := olm.InboundGroupSessionFromPickled(rec.Pickle, e.cfg.PickleKey)
	if err != nil {
		return "", fmt.Errorf("unpickle group session: %w", err)
	}
	exported, err := sess.Export(rec.FirstKnownIndex)
	if err != nil {
		return "", fmt.Errorf("export group session: %w", err)
	}
	return string(exported), nil
}

func (e *Engine) exportSessions(records []*store.InboundGroupSession) []*ExportedSession {
	out := make([]*ExportedSession, 0, len(records))
	for _, rec := range records {
		exported, err := e.exportGroupSession(rec)
		if err != nil {
			e.log.Warn("skip unexportable session", "session", rec.SessionID, "err", err)
			continue
		}
		out = append(out, &ExportedSession{
			Algorithm:         id.AlgorithmMegolmV1,
			RoomID:            rec.RoomID,
			SenderKey:         rec.SenderKey,
			SessionID:         rec.SessionID,
			SessionKey:        exported,
			SenderClaimedKeys: map[string]id.Ed25519{"ed25519": rec.SenderClaimedKey},
			ForwardingChains:  rec.ForwardingChains,
		})
	}
	return out
}

// ExportRoomKeys exports every stored inbound session.
func (e *Engine) ExportRoomKeys() ([]*ExportedSession, error) {
	records, err := e.store.GetAllGroupSessions()
	if err != nil {
		return nil, err
	}
	return e.exportSessions(records), nil
}

// ExportRoomKeysForRoom exports the sessions of one room.
func (e *Engine) ExportRoomKeysForRoom(roomID id.RoomID) ([]*ExportedSession, error) {
	records, err := e.store.GetAllGroupSessions()
	if err != nil {
		return nil, err
	}
	var filtered []*store.InboundGroupSession
	for _, rec := range records {
		if rec.RoomID == roomID {
			filtered = append(filtered, rec)
		}
	}
	return e.exportSessions(filtered), nil
}

// ImportRoomKeys imports exported sessions. Imported sessions are never
// treated as device-attested and never replace a directly received copy.
// Returns how many sessions were actually stored.
func (e *Engine) ImportRoomKeys(sessions []*ExportedSession) (imported int, err error) {
	for _, exported := range sessions {
		if exported.Algorithm != id.AlgorithmMegolmV1 {
			e.log.Warn("skip import with unknown algorithm", "session", exported.SessionID, "algorithm", exported.Algorithm)
			continue
		}
		sess, err := olm.InboundGroupSessionImport([]byte(exported.SessionKey))
		if err != nil {
			e.log.Warn("skip unimportable session", "session", exported.SessionID, "err", err)
			continue
		}
		if sess.ID() != exported.SessionID {
			e.log.Warn("skip import with mismatched session id", "claimed", exported.SessionID, "actual", sess.ID())
			continue
		}
		rec := &store.InboundGroupSession{
			RoomID:           exported.RoomID,
			SenderKey:        exported.SenderKey,
			SessionID:        exported.SessionID,
			FirstKnownIndex:  sess.FirstKnownIndex(),
			ForwardingChains: exported.ForwardingChains,
			SenderClaimedKey: exported.SenderClaimedKeys["ed25519"],
			Imported:         true,
			NeedsBackup:      true,
			ReceivedAt:       time.Now(),
		}
		rec.Pickle, err = sess.Pickle(e.cfg.PickleKey)
		if err != nil {
			return imported, err
		}
		stored, err := e.putGroupSessionIfBetter(rec)
		if err != nil {
			return imported, err
		}
		if stored {
			imported++
		}
	}
	return imported, nil
}
