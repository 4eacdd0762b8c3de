// Package store persists the crypto engine's durable state: the pickled
// account, device lists, olm and megolm sessions, cross-signing keys and
// signatures, room encryption settings, outgoing key requests and cached
// secrets. All values are JSON records keyed into named partitions; the
// backend is a transactional key-value store (Badger in production, an
// ordered in-memory map in tests).
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const schemaVersion = 1

var (
	ErrStoreTooNew  = errors.New("store: schema is newer than this version understands, wipe and reinitialize")
	ErrStoreCorrupt = errors.New("store: corrupt record, wipe and reinitialize")
	ErrNotFound     = errors.New("store: not found")
)

// Partition prefixes. The trailing slash keeps prefix scans exact.
const (
	prefixAccount      = "acc/"
	prefixDevice       = "dev/"
	prefixTracked      = "trk/"
	prefixOlmSession   = "olm/"
	prefixGroupSession = "mgs/"
	prefixWithheld     = "whd/"
	prefixOutbound     = "out/"
	prefixRoomSettings = "cfg/"
	prefixKeyRequest   = "okr/"
	prefixRequestIndex = "okb/"
	prefixCrossSigning = "csk/"
	prefixSignature    = "sig/"
	prefixSecret       = "sec/"
	prefixMeta         = "meta/"
)

// OlmSession is a pickled pairwise session with its usage bookkeeping.
type OlmSession struct {
	SenderKey id.SenderKey `json:"sender_key"`
	SessionID id.SessionID `json:"session_id"`
	Pickle    []byte       `json:"pickle"`
	CreatedAt time.Time    `json:"created_at"`
	LastUsed  time.Time    `json:"last_used"`
}

// InboundGroupSession is a pickled inbound megolm session plus the claimed
// provenance needed to decide trust and exports.
type InboundGroupSession struct {
	RoomID           id.RoomID    `json:"room_id"`
	SenderKey        id.SenderKey `json:"sender_key"`
	SessionID        id.SessionID `json:"session_id"`
	Pickle           []byte       `json:"pickle"`
	FirstKnownIndex  uint32       `json:"first_known_index"`
	ForwardingChains []string     `json:"forwarding_chains"`
	SenderClaimedKey id.Ed25519   `json:"sender_claimed_key"`
	Imported         bool         `json:"imported"`
	NeedsBackup      bool         `json:"needs_backup"`
	ReceivedAt       time.Time    `json:"received_at"`
}

// Trusted reports whether the session came directly from a device-attested
// room key rather than a forward or a backup restore.
func (s *InboundGroupSession) Trusted() bool {
	return !s.Imported && len(s.ForwardingChains) == 0
}

// OutboundGroupSession is the pickled per-room outbound session and its
// rotation counters.
type OutboundGroupSession struct {
	RoomID       id.RoomID     `json:"room_id"`
	SessionID    id.SessionID  `json:"session_id"`
	Pickle       []byte        `json:"pickle"`
	CreatedAt    time.Time     `json:"created_at"`
	MessageCount int           `json:"message_count"`
	MaxAge       time.Duration `json:"max_age"`
	MaxMessages  int           `json:"max_messages"`
	Shared       bool          `json:"shared"`
}

// Expired reports whether a rotation trigger has fired for this session.
func (s *OutboundGroupSession) Expired(now time.Time) bool {
	return s.MessageCount >= s.MaxMessages || now.Sub(s.CreatedAt) >= s.MaxAge
}

// WithheldRecord remembers why a sender refused to share a session key.
type WithheldRecord struct {
	RoomID    id.RoomID                 `json:"room_id"`
	SenderKey id.SenderKey              `json:"sender_key"`
	SessionID id.SessionID              `json:"session_id"`
	Code      event.RoomKeyWithheldCode `json:"code"`
	Reason    string                    `json:"reason"`
}

// RoomSettings is the per-room encryption configuration, fixed at the first
// SetRoomEncryption call.
type RoomSettings struct {
	Algorithm              id.Algorithm `json:"algorithm"`
	RotationPeriodMillis   int64        `json:"rotation_period_ms"`
	RotationPeriodMessages int          `json:"rotation_period_msgs"`
	BlacklistUnverified    bool         `json:"blacklist_unverified"`
}

type KeyRequestState int

const (
	KeyRequestUnsent KeyRequestState = iota
	KeyRequestSent
)

// KeyRequestBody identifies the session a key request is for; two requests
// with equal bodies are duplicates.
type KeyRequestBody struct {
	RoomID    id.RoomID    `json:"room_id"`
	SessionID id.SessionID `json:"session_id"`
	SenderKey id.SenderKey `json:"sender_key"`
	Algorithm id.Algorithm `json:"algorithm"`
}

func (b KeyRequestBody) IndexKey() string {
	return strings.Join([]string{b.RoomID.String(), b.SessionID.String(), b.SenderKey.String(), string(b.Algorithm)}, "|")
}

type KeyRequestRecipient struct {
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id"`
}

type OutgoingKeyRequest struct {
	RequestID  string                `json:"request_id"`
	Body       KeyRequestBody        `json:"body"`
	Recipients []KeyRequestRecipient `json:"recipients"`
	State      KeyRequestState       `json:"state"`
}

// CrossSigningKey mirrors the public key cache: the current key and the
// first key ever seen for the same usage, for TOFU comparison.
type CrossSigningKey struct {
	Key   id.Ed25519 `json:"key"`
	First id.Ed25519 `json:"first"`
}

// Store wraps a kv backend with the engine's record schema.
type Store struct {
	kv backend
}

// backend is the minimal transactional surface the record layer needs.
// badgerBackend and memoryBackend implement it.
type backend interface {
	// View runs fn read-only. Update runs fn atomically; the scope name is
	// used in wrapped errors only.
	View(scope string, fn func(tx Txn) error) error
	Update(scope string, fn func(tx Txn) error) error
	Close() error
}

// Txn is a single transaction. Get returns ErrNotFound for missing keys.
// ScanPrefix visits keys in ascending order.
type Txn interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	ScanPrefix(prefix string, fn func(key string, value []byte) error) error
}

func newStore(kv backend) (*Store, error) {
	s := &Store{kv: kv}
	err := s.kv.Update("schema-check", func(tx Txn) error {
		raw, err := tx.Get(prefixMeta + "version")
		if errors.Is(err, ErrNotFound) {
			return tx.Set(prefixMeta+"version", []byte(fmt.Sprintf("%d", schemaVersion)))
		} else if err != nil {
			return err
		}
		var ver int
		if _, err := fmt.Sscanf(string(raw), "%d", &ver); err != nil {
			return ErrStoreCorrupt
		}
		if ver > schemaVersion {
			return ErrStoreTooNew
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.kv.Close()
}

func putJSON(tx Txn, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return tx.Set(key, raw)
}

func getJSON(tx Txn, key string, v any) error {
	raw, err := tx.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: unmarshal %s: %v", ErrStoreCorrupt, key, err)
	}
	return nil
}

// --- account ---

func (s *Store) PutAccount(pickle []byte) error {
	return s.kv.Update("put-account", func(tx Txn) error {
		return tx.Set(prefixAccount+"pickle", pickle)
	})
}

func (s *Store) GetAccount() ([]byte, error) {
	var out []byte
	err := s.kv.View("get-account", func(tx Txn) error {
		raw, err := tx.Get(prefixAccount + "pickle")
		if errors.Is(err, ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		out = append([]byte(nil), raw...)
		return nil
	})
	return out, err
}

// --- devices ---

func deviceKey(userID id.UserID, deviceID id.DeviceID) string {
	return prefixDevice + userID.String() + "/" + deviceID.String()
}

// PutDevices replaces the stored device list for a user in one transaction.
func (s *Store) PutDevices(userID id.UserID, devices map[id.DeviceID]*id.Device) error {
	return s.kv.Update("put-devices", func(tx Txn) error {
		var stale []string
		err := tx.ScanPrefix(prefixDevice+userID.String()+"/", func(key string, _ []byte) error {
			stale = append(stale, key)
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range stale {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		for deviceID, device := range devices {
			if err := putJSON(tx, deviceKey(userID, deviceID), device); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) PutDevice(userID id.UserID, device *id.Device) error {
	return s.kv.Update("put-device", func(tx Txn) error {
		return putJSON(tx, deviceKey(userID, device.DeviceID), device)
	})
}

func (s *Store) GetDevice(userID id.UserID, deviceID id.DeviceID) (*id.Device, error) {
	var device *id.Device
	err := s.kv.View("get-device", func(tx Txn) error {
		var d id.Device
		err := getJSON(tx, deviceKey(userID, deviceID), &d)
		if errors.Is(err, ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		device = &d
		return nil
	})
	return device, err
}

// GetDevices returns nil (not an empty map) when the user has never been
// fetched, so callers can tell "unknown user" from "no devices".
func (s *Store) GetDevices(userID id.UserID) (map[id.DeviceID]*id.Device, error) {
	var devices map[id.DeviceID]*id.Device
	err := s.kv.View("get-devices", func(tx Txn) error {
		tracked, err := s.isTracked(tx, userID)
		if err != nil {
			return err
		}
		if !tracked {
			return nil
		}
		devices = make(map[id.DeviceID]*id.Device)
		return tx.ScanPrefix(prefixDevice+userID.String()+"/", func(_ string, value []byte) error {
			var d id.Device
			if err := json.Unmarshal(value, &d); err != nil {
				return fmt.Errorf("%w: device record: %v", ErrStoreCorrupt, err)
			}
			devices[d.DeviceID] = &d
			return nil
		})
	})
	return devices, err
}

// FindDeviceByKey looks a device up by its curve25519 identity key.
func (s *Store) FindDeviceByKey(userID id.UserID, identityKey id.IdentityKey) (*id.Device, error) {
	devices, err := s.GetDevices(userID)
	if err != nil {
		return nil, err
	}
	for _, device := range devices {
		if device.IdentityKey == identityKey {
			return device, nil
		}
	}
	return nil, nil
}

// IsTrackedUser reports whether a user's device list is actively tracked.
// A stopped user counts as untracked even though their cache is readable.
func (s *Store) IsTrackedUser(userID id.UserID) (bool, error) {
	var active bool
	err := s.kv.View("is-tracked-user", func(tx Txn) error {
		raw, err := tx.Get(prefixTracked + userID.String())
		if errors.Is(err, ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		active = string(raw) != "stopped"
		return nil
	})
	return active, err
}

func (s *Store) isTracked(tx Txn, userID id.UserID) (bool, error) {
	_, err := tx.Get(prefixTracked + userID.String())
	if errors.Is(err, ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// PutTrackedUser records that a user's device list is tracked; outdated
// marks the cache stale pending a refresh.
func (s *Store) PutTrackedUser(userID id.UserID, outdated bool) error {
	return s.kv.Update("put-tracked-user", func(tx Txn) error {
		val := "fresh"
		if outdated {
			val = "outdated"
		}
		return tx.Set(prefixTracked+userID.String(), []byte(val))
	})
}

// StopTrackingUser stops refreshing a user's device list. The cached
// devices stay readable.
func (s *Store) StopTrackingUser(userID id.UserID) error {
	return s.kv.Update("stop-tracking-user", func(tx Txn) error {
		_, err := tx.Get(prefixTracked + userID.String())
		if errors.Is(err, ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		return tx.Set(prefixTracked+userID.String(), []byte("stopped"))
	})
}

// GetTrackedUsers returns actively tracked users mapped to their outdated
// flag. Stopped users are omitted.
func (s *Store) GetTrackedUsers() (map[id.UserID]bool, error) {
	out := make(map[id.UserID]bool)
	err := s.kv.View("get-tracked-users", func(tx Txn) error {
		return tx.ScanPrefix(prefixTracked, func(key string, value []byte) error {
			if string(value) == "stopped" {
				return nil
			}
			userID := id.UserID(strings.TrimPrefix(key, prefixTracked))
			out[userID] = string(value) == "outdated"
			return nil
		})
	})
	return out, err
}

// --- olm sessions ---

func olmKey(senderKey id.SenderKey, sessionID id.SessionID) string {
	return prefixOlmSession + senderKey.String() + "/" + sessionID.String()
}

func (s *Store) AddOlmSession(sess *OlmSession) error {
	return s.kv.Update("add-olm-session", func(tx Txn) error {
		return putJSON(tx, olmKey(sess.SenderKey, sess.SessionID), sess)
	})
}

func (s *Store) UpdateOlmSession(sess *OlmSession) error {
	return s.AddOlmSession(sess)
}

func (s *Store) GetOlmSessions(senderKey id.SenderKey) ([]*OlmSession, error) {
	var out []*OlmSession
	err := s.kv.View("get-olm-sessions", func(tx Txn) error {
		return tx.ScanPrefix(prefixOlmSession+senderKey.String()+"/", func(_ string, value []byte) error {
			var sess OlmSession
			if err := json.Unmarshal(value, &sess); err != nil {
				return fmt.Errorf("%w: olm session record: %v", ErrStoreCorrupt, err)
			}
			out = append(out, &sess)
			return nil
		})
	})
	return out, err
}

// GetLatestOlmSession returns the most recently used session for a peer, or
// nil when none exists.
func (s *Store) GetLatestOlmSession(senderKey id.SenderKey) (*OlmSession, error) {
	sessions, err := s.GetOlmSessions(senderKey)
	if err != nil {
		return nil, err
	}
	var latest *OlmSession
	for _, sess := range sessions {
		if latest == nil || sess.LastUsed.After(latest.LastUsed) {
			latest = sess
		}
	}
	return latest, nil
}

// DeleteOlmSessions drops every session for a peer device in one batch.
func (s *Store) DeleteOlmSessions(senderKey id.SenderKey) error {
	return s.kv.Update("delete-olm-sessions", func(tx Txn) error {
		var keys []string
		err := tx.ScanPrefix(prefixOlmSession+senderKey.String()+"/", func(key string, _ []byte) error {
			keys = append(keys, key)
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- inbound group sessions ---

func groupKey(senderKey id.SenderKey, sessionID id.SessionID) string {
	return prefixGroupSession + senderKey.String() + "/" + sessionID.String()
}

func (s *Store) PutGroupSession(sess *InboundGroupSession) error {
	return s.kv.Update("put-group-session", func(tx Txn) error {
		return putJSON(tx, groupKey(sess.SenderKey, sess.SessionID), sess)
	})
}

func (s *Store) GetGroupSession(senderKey id.SenderKey, sessionID id.SessionID) (*InboundGroupSession, error) {
	var sess *InboundGroupSession
	err := s.kv.View("get-group-session", func(tx Txn) error {
		var rec InboundGroupSession
		err := getJSON(tx, groupKey(senderKey, sessionID), &rec)
		if errors.Is(err, ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		sess = &rec
		return nil
	})
	return sess, err
}

func (s *Store) GetAllGroupSessions() ([]*InboundGroupSession, error) {
	var out []*InboundGroupSession
	err := s.kv.View("get-all-group-sessions", func(tx Txn) error {
		return tx.ScanPrefix(prefixGroupSession, func(_ string, value []byte) error {
			var rec InboundGroupSession
			if err := json.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("%w: group session record: %v", ErrStoreCorrupt, err)
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

// GetGroupSessionsBySender returns every stored session claiming the given
// sender key, used to retry undecryptable events after a withheld update.
func (s *Store) GetGroupSessionsBySender(senderKey id.SenderKey) ([]*InboundGroupSession, error) {
	var out []*InboundGroupSession
	err := s.kv.View("get-group-sessions-by-sender", func(tx Txn) error {
		return tx.ScanPrefix(prefixGroupSession+senderKey.String()+"/", func(_ string, value []byte) error {
			var rec InboundGroupSession
			if err := json.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("%w: group session record: %v", ErrStoreCorrupt, err)
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

// GetGroupSessionsNeedingBackup returns up to limit sessions flagged for
// backup, in key order.
func (s *Store) GetGroupSessionsNeedingBackup(limit int) ([]*InboundGroupSession, error) {
	var out []*InboundGroupSession
	err := s.kv.View("get-sessions-needing-backup", func(tx Txn) error {
		return tx.ScanPrefix(prefixGroupSession, func(_ string, value []byte) error {
			if len(out) >= limit {
				return errScanDone
			}
			var rec InboundGroupSession
			if err := json.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("%w: group session record: %v", ErrStoreCorrupt, err)
			}
			if rec.NeedsBackup {
				out = append(out, &rec)
			}
			return nil
		})
	})
	if errors.Is(err, errScanDone) {
		err = nil
	}
	return out, err
}

var errScanDone = errors.New("scan done")

func (s *Store) MarkSessionsBackedUp(sessions []*InboundGroupSession) error {
	return s.kv.Update("mark-sessions-backed-up", func(tx Txn) error {
		for _, sess := range sessions {
			sess.NeedsBackup = false
			if err := putJSON(tx, groupKey(sess.SenderKey, sess.SessionID), sess); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- withheld records ---

func (s *Store) PutWithheld(rec *WithheldRecord) error {
	return s.kv.Update("put-withheld", func(tx Txn) error {
		return putJSON(tx, prefixWithheld+rec.SenderKey.String()+"/"+rec.SessionID.String(), rec)
	})
}

func (s *Store) GetWithheld(senderKey id.SenderKey, sessionID id.SessionID) (*WithheldRecord, error) {
	var rec *WithheldRecord
	err := s.kv.View("get-withheld", func(tx Txn) error {
		var w WithheldRecord
		err := getJSON(tx, prefixWithheld+senderKey.String()+"/"+sessionID.String(), &w)
		if errors.Is(err, ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		rec = &w
		return nil
	})
	return rec, err
}

// --- outbound group sessions ---

func (s *Store) PutOutboundSession(sess *OutboundGroupSession) error {
	return s.kv.Update("put-outbound-session", func(tx Txn) error {
		return putJSON(tx, prefixOutbound+sess.RoomID.String(), sess)
	})
}

func (s *Store) GetOutboundSession(roomID id.RoomID) (*OutboundGroupSession, error) {
	var sess *OutboundGroupSession
	err := s.kv.View("get-outbound-session", func(tx Txn) error {
		var rec OutboundGroupSession
		err := getJSON(tx, prefixOutbound+roomID.String(), &rec)
		if errors.Is(err, ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		sess = &rec
		return nil
	})
	return sess, err
}

func (s *Store) DeleteOutboundSession(roomID id.RoomID) error {
	return s.kv.Update("delete-outbound-session", func(tx Txn) error {
		return tx.Delete(prefixOutbound + roomID.String())
	})
}

// --- room settings ---

func (s *Store) PutRoomSettings(roomID id.RoomID, settings *RoomSettings) error {
	return s.kv.Update("put-room-settings", func(tx Txn) error {
		return putJSON(tx, prefixRoomSettings+roomID.String(), settings)
	})
}

func (s *Store) GetRoomSettings(roomID id.RoomID) (*RoomSettings, error) {
	var settings *RoomSettings
	err := s.kv.View("get-room-settings", func(tx Txn) error {
		var rec RoomSettings
		err := getJSON(tx, prefixRoomSettings+roomID.String(), &rec)
		if errors.Is(err, ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		settings = &rec
		return nil
	})
	return settings, err
}

// --- outgoing key requests ---

func (s *Store) PutKeyRequest(req *OutgoingKeyRequest) error {
	return s.kv.Update("put-key-request", func(tx Txn) error {
		if err := putJSON(tx, prefixKeyRequest+req.RequestID, req); err != nil {
			return err
		}
		return tx.Set(prefixRequestIndex+req.Body.IndexKey(), []byte(req.RequestID))
	})
}

// GetKeyRequestByBody deduplicates requests: it returns the live request for
// the same session, or nil.
func (s *Store) GetKeyRequestByBody(body KeyRequestBody) (*OutgoingKeyRequest, error) {
	var req *OutgoingKeyRequest
	err := s.kv.View("get-key-request-by-body", func(tx Txn) error {
		requestID, err := tx.Get(prefixRequestIndex + body.IndexKey())
		if errors.Is(err, ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		var rec OutgoingKeyRequest
		err = getJSON(tx, prefixKeyRequest+string(requestID), &rec)
		if errors.Is(err, ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		req = &rec
		return nil
	})
	return req, err
}

func (s *Store) GetKeyRequests(state KeyRequestState) ([]*OutgoingKeyRequest, error) {
	var out []*OutgoingKeyRequest
	err := s.kv.View("get-key-requests", func(tx Txn) error {
		return tx.ScanPrefix(prefixKeyRequest, func(_ string, value []byte) error {
			var rec OutgoingKeyRequest
			if err := json.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("%w: key request record: %v", ErrStoreCorrupt, err)
			}
			if rec.State == state {
				out = append(out, &rec)
			}
			return nil
		})
	})
	return out, err
}

func (s *Store) DeleteKeyRequest(req *OutgoingKeyRequest) error {
	return s.kv.Update("delete-key-request", func(tx Txn) error {
		if err := tx.Delete(prefixKeyRequest + req.RequestID); err != nil {
			return err
		}
		return tx.Delete(prefixRequestIndex + req.Body.IndexKey())
	})
}

// --- cross-signing keys and signatures ---

func (s *Store) PutCrossSigningKey(userID id.UserID, usage id.CrossSigningUsage, key id.Ed25519) error {
	return s.kv.Update("put-cross-signing-key", func(tx Txn) error {
		storeKey := prefixCrossSigning + userID.String() + "/" + string(usage)
		rec := CrossSigningKey{Key: key, First: key}
		var existing CrossSigningKey
		err := getJSON(tx, storeKey, &existing)
		if err == nil {
			rec.First = existing.First
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		return putJSON(tx, storeKey, rec)
	})
}

func (s *Store) GetCrossSigningKeys(userID id.UserID) (map[id.CrossSigningUsage]CrossSigningKey, error) {
	out := make(map[id.CrossSigningUsage]CrossSigningKey)
	err := s.kv.View("get-cross-signing-keys", func(tx Txn) error {
		return tx.ScanPrefix(prefixCrossSigning+userID.String()+"/", func(key string, value []byte) error {
			usage := id.CrossSigningUsage(key[strings.LastIndexByte(key, '/')+1:])
			var rec CrossSigningKey
			if err := json.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("%w: cross-signing key record: %v", ErrStoreCorrupt, err)
			}
			out[usage] = rec
			return nil
		})
	})
	return out, err
}

func sigKey(signedUser id.UserID, signedKey id.Ed25519, signerUser id.UserID, signerKey id.Ed25519) string {
	return prefixSignature + signedUser.String() + "/" + signedKey.String() + "/" + signerUser.String() + "/" + signerKey.String()
}

// PutSignature records a verified signature edge in the trust graph.
func (s *Store) PutSignature(signedUser id.UserID, signedKey id.Ed25519, signerUser id.UserID, signerKey id.Ed25519, signature string) error {
	return s.kv.Update("put-signature", func(tx Txn) error {
		return tx.Set(sigKey(signedUser, signedKey, signerUser, signerKey), []byte(signature))
	})
}

// IsKeySignedBy reports whether a verified signature by signerKey over
// signedKey has been stored.
func (s *Store) IsKeySignedBy(signedUser id.UserID, signedKey id.Ed25519, signerUser id.UserID, signerKey id.Ed25519) (bool, error) {
	found := false
	err := s.kv.View("is-key-signed-by", func(tx Txn) error {
		_, err := tx.Get(sigKey(signedUser, signedKey, signerUser, signerKey))
		if errors.Is(err, ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// DropSignaturesByKey removes every signature made by the given key, used
// when a master key is replaced and its chain must not linger.
func (s *Store) DropSignaturesByKey(signerUser id.UserID, signerKey id.Ed25519) (int, error) {
	dropped := 0
	suffix := "/" + signerUser.String() + "/" + signerKey.String()
	err := s.kv.Update("drop-signatures-by-key", func(tx Txn) error {
		var keys []string
		err := tx.ScanPrefix(prefixSignature, func(key string, _ []byte) error {
			if strings.HasSuffix(key, suffix) {
				keys = append(keys, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		dropped = len(keys)
		return nil
	})
	return dropped, err
}

// --- secrets ---

func (s *Store) PutSecret(name string, value string) error {
	return s.kv.Update("put-secret", func(tx Txn) error {
		return tx.Set(prefixSecret+name, []byte(value))
	})
}

// GetSecret returns ErrNotFound when the secret is not cached; callers
// branch on that to fall back to secret storage.
func (s *Store) GetSecret(name string) (string, error) {
	var out string
	err := s.kv.View("get-secret", func(tx Txn) error {
		raw, err := tx.Get(prefixSecret + name)
		if err != nil {
			return err
		}
		out = string(raw)
		return nil
	})
	return out, err
}

func (s *Store) DeleteSecret(name string) error {
	return s.kv.Update("delete-secret", func(tx Txn) error {
		return tx.Delete(prefixSecret + name)
	})
}
