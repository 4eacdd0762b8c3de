// Package transport defines the homeserver API surface the crypto engine
// consumes. The engine only cares about the JSON shapes it sends and
// expects; everything else about the client-server API lives behind the
// Client interface, with an HTTP implementation in this package and fakes
// in tests.
package transport

import (
	"context"
	"encoding/json"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Signatures maps userId -> "algorithm:keyId" -> signature, the standard
// signed-object shape.
type Signatures map[id.UserID]map[id.KeyID]string

// DeviceKeys is the signed device key object from /keys/upload and
// /keys/query.
type DeviceKeys struct {
	UserID     id.UserID           `json:"user_id"`
	DeviceID   id.DeviceID         `json:"device_id"`
	Algorithms []id.Algorithm      `json:"algorithms"`
	Keys       map[id.KeyID]string `json:"keys"`
	Signatures Signatures          `json:"signatures,omitempty"`
	Unsigned   DeviceKeysUnsigned  `json:"unsigned,omitempty"`
}

type DeviceKeysUnsigned struct {
	DeviceDisplayName string `json:"device_display_name,omitempty"`
}

// Ed25519 returns the device's signing key, or "" when absent.
func (dk *DeviceKeys) Ed25519() id.Ed25519 {
	return id.Ed25519(dk.Keys[id.NewKeyID(id.KeyAlgorithmEd25519, dk.DeviceID.String())])
}

// Curve25519 returns the device's identity key, or "" when absent.
func (dk *DeviceKeys) Curve25519() id.Curve25519 {
	return id.Curve25519(dk.Keys[id.NewKeyID(id.KeyAlgorithmCurve25519, dk.DeviceID.String())])
}

// CrossSigningKeys is the signed cross-signing key object.
type CrossSigningKeys struct {
	UserID     id.UserID               `json:"user_id"`
	Usage      []id.CrossSigningUsage  `json:"usage"`
	Keys       map[id.KeyID]id.Ed25519 `json:"keys"`
	Signatures Signatures              `json:"signatures,omitempty"`
}

// FirstKey returns the single key the object carries.
func (csk *CrossSigningKeys) FirstKey() id.Ed25519 {
	for _, key := range csk.Keys {
		return key
	}
	return ""
}

// OneTimeKey is a signed curve25519 one-time or fallback key.
type OneTimeKey struct {
	Key        id.Curve25519 `json:"key"`
	Fallback   bool          `json:"fallback,omitempty"`
	Signatures Signatures    `json:"signatures,omitempty"`
}

type ReqUploadKeys struct {
	DeviceKeys   *DeviceKeys             `json:"device_keys,omitempty"`
	OneTimeKeys  map[id.KeyID]OneTimeKey `json:"one_time_keys,omitempty"`
	FallbackKeys map[id.KeyID]OneTimeKey `json:"fallback_keys,omitempty"`
}

type RespUploadKeys struct {
	OneTimeKeyCounts map[id.KeyAlgorithm]int `json:"one_time_key_counts"`
}

type ReqQueryKeys struct {
	DeviceKeys map[id.UserID][]id.DeviceID `json:"device_keys"`
	Timeout    int64                       `json:"timeout,omitempty"`
}

type RespQueryKeys struct {
	Failures        map[string]json.RawMessage               `json:"failures,omitempty"`
	DeviceKeys      map[id.UserID]map[id.DeviceID]DeviceKeys `json:"device_keys"`
	MasterKeys      map[id.UserID]CrossSigningKeys           `json:"master_keys,omitempty"`
	SelfSigningKeys map[id.UserID]CrossSigningKeys           `json:"self_signing_keys,omitempty"`
	UserSigningKeys map[id.UserID]CrossSigningKeys           `json:"user_signing_keys,omitempty"`
}

type ReqClaimKeys struct {
	OneTimeKeys map[id.UserID]map[id.DeviceID]id.KeyAlgorithm `json:"one_time_keys"`
	Timeout     int64                                         `json:"timeout,omitempty"`
}

type RespClaimKeys struct {
	Failures    map[string]json.RawMessage                             `json:"failures,omitempty"`
	OneTimeKeys map[id.UserID]map[id.DeviceID]map[id.KeyID]OneTimeKey `json:"one_time_keys"`
}

// ReqUploadSignatures carries signature uploads keyed by user, then by
// device id or cross-signing public key.
type ReqUploadSignatures map[id.UserID]map[string]json.RawMessage

type RespUploadSignatures struct {
	Failures map[id.UserID]map[string]json.RawMessage `json:"failures,omitempty"`
}

type ReqUploadCrossSigningKeys struct {
	MasterKey      *CrossSigningKeys `json:"master_key,omitempty"`
	SelfSigningKey *CrossSigningKeys `json:"self_signing_key,omitempty"`
	UserSigningKey *CrossSigningKeys `json:"user_signing_key,omitempty"`
}

// ReqSendToDevice maps userId -> deviceId -> event content. The "*" device
// id targets all of a user's devices.
type ReqSendToDevice struct {
	Messages map[id.UserID]map[id.DeviceID]json.RawMessage `json:"messages"`
}

// BackupVersion is the /room_keys/version response.
type BackupVersion struct {
	Version   string          `json:"version"`
	Algorithm id.Algorithm    `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
	Count     int             `json:"count"`
	ETag      string          `json:"etag"`
}

// ReqCreateBackupVersion creates or replaces a backup version.
type ReqCreateBackupVersion struct {
	Algorithm id.Algorithm    `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
}

// BackupSessionData is one encrypted session record in a backup.
type BackupSessionData struct {
	FirstMessageIndex int             `json:"first_message_index"`
	ForwardedCount    int             `json:"forwarded_count"`
	IsVerified        bool            `json:"is_verified"`
	SessionData       json.RawMessage `json:"session_data"`
}

// ReqPutRoomKeys is the /room_keys/keys payload: room -> session -> data.
type ReqPutRoomKeys struct {
	Rooms map[id.RoomID]RoomKeyBackup `json:"rooms"`
}

type RoomKeyBackup struct {
	Sessions map[id.SessionID]BackupSessionData `json:"sessions"`
}

type RespRoomKeys = ReqPutRoomKeys

// Client is what the engine needs from the homeserver. Implementations must
// be safe for concurrent use.
type Client interface {
	UploadKeys(ctx context.Context, req *ReqUploadKeys) (*RespUploadKeys, error)
	QueryKeys(ctx context.Context, req *ReqQueryKeys) (*RespQueryKeys, error)
	ClaimKeys(ctx context.Context, req *ReqClaimKeys) (*RespClaimKeys, error)
	UploadSignatures(ctx context.Context, req ReqUploadSignatures) (*RespUploadSignatures, error)
	UploadCrossSigningKeys(ctx context.Context, req *ReqUploadCrossSigningKeys) error
	SendToDevice(ctx context.Context, eventType event.Type, req *ReqSendToDevice) error

	GetKeyBackupVersion(ctx context.Context) (*BackupVersion, error)
	CreateKeyBackupVersion(ctx context.Context, req *ReqCreateBackupVersion) (string, error)
	UpdateKeyBackupVersion(ctx context.Context, version string, req *ReqCreateBackupVersion) error
	PutRoomKeys(ctx context.Context, version string, req *ReqPutRoomKeys) error
	GetRoomKeys(ctx context.Context, version string) (*RespRoomKeys, error)

	SetAccountData(ctx context.Context, eventType string, content any) error
	GetAccountData(ctx context.Context, eventType string, into any) error
}
