package engine

import (
	"errors"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var (
	ErrRoomNotEncrypted           = errors.New("room is not encrypted")
	ErrRoomConfigImmutable        = errors.New("room encryption config cannot be changed once set")
	ErrUnknownEncryptionAlgorithm = errors.New("unknown encryption algorithm")
	ErrNoOlmSession               = errors.New("no olm session for device")
	ErrSignatureVerification      = errors.New("signature verification failed")
	ErrSecretStorageKeyMismatch   = errors.New("secret storage key does not match stored key check")
	ErrNoDefaultSecretStorageKey  = errors.New("no default secret storage key")
	ErrNoBackup                   = errors.New("no key backup on server")
	ErrUnknownDevices             = errors.New("encryption blocked by unknown devices")
	ErrIdentityKeyChanged         = errors.New("device identity key changed")
	ErrCrossSigningKeysNotCached  = errors.New("cross-signing private keys not cached")
)

// FailureCode classifies a recoverable per-event decryption failure.
type FailureCode string

const (
	FailureNoSession      FailureCode = "no_session"
	FailureWithheld       FailureCode = "withheld"
	FailureBadCiphertext  FailureCode = "bad_ciphertext"
	FailureReplayDetected FailureCode = "replay_detected"
	FailureBadSignature   FailureCode = "bad_signature"
	FailureUnknownAlg     FailureCode = "unknown_algorithm"
)

// DecryptionFailure is attached to an event that could not be decrypted.
// It is a value, never a panic: sync processing continues past it.
type DecryptionFailure struct {
	Code         FailureCode
	WithheldCode event.RoomKeyWithheldCode
	SenderKey    id.SenderKey
	SessionID    id.SessionID
	Err          error
}

func (f *DecryptionFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("decryption failed (%s): %v", f.Code, f.Err)
	}
	return fmt.Sprintf("decryption failed (%s)", f.Code)
}

func (f *DecryptionFailure) Unwrap() error {
	return f.Err
}

// KeyUploadError aggregates per-device failures from a signature or key
// upload; successful devices are not rolled back.
type KeyUploadError struct {
	PerDevice map[id.UserID]map[string]error
}

func (e *KeyUploadError) Error() string {
	total := 0
	for _, devices := range e.PerDevice {
		total += len(devices)
	}
	return fmt.Sprintf("key upload failed for %d target(s)", total)
}

// SessionShareResult reports the outcome of establishing olm sessions with
// a batch of devices. Failures are isolated per device.
type SessionShareResult struct {
	Established map[id.UserID][]id.DeviceID
	Skipped     map[id.UserID][]id.DeviceID
	Failed      map[id.UserID]map[id.DeviceID]error
}

func newSessionShareResult() *SessionShareResult {
	return &SessionShareResult{
		Established: make(map[id.UserID][]id.DeviceID),
		Skipped:     make(map[id.UserID][]id.DeviceID),
		Failed:      make(map[id.UserID]map[id.DeviceID]error),
	}
}

func (r *SessionShareResult) fail(userID id.UserID, deviceID id.DeviceID, err error) {
	if r.Failed[userID] == nil {
		r.Failed[userID] = make(map[id.DeviceID]error)
	}
	r.Failed[userID][deviceID] = err
}
