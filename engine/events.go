package engine

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// NotificationKind is the bounded set of events the engine surfaces to the
// application.
type NotificationKind int

const (
	// KindTrustChanged fires when a user's cross-signing trust flips,
	// including the trust reset on master key replacement.
	KindTrustChanged NotificationKind = iota
	// KindDeviceVerificationChanged fires when a device's verification
	// state changes.
	KindDeviceVerificationChanged
	// KindKeyBackupStatus fires when backup trust or enablement changes.
	KindKeyBackupStatus
	// KindRoomKeyRequest fires for an incoming key request that needs
	// manual approval.
	KindRoomKeyRequest
	// KindDecryptionFailure fires for every event-level decryption failure.
	KindDecryptionFailure
	// KindSessionReceived fires when a megolm session arrives, after any
	// pending events for it have been retried.
	KindSessionReceived
	// KindVerificationUpgrade fires when a not-yet-verified master key
	// carries a signature from a locally verified device and the
	// application may offer an upgrade.
	KindVerificationUpgrade
)

// Notification is a single dispatch envelope; which fields are set depends
// on Kind.
type Notification struct {
	Kind      NotificationKind
	UserID    id.UserID
	DeviceID  id.DeviceID
	RoomID    id.RoomID
	SessionID id.SessionID
	SenderKey id.SenderKey

	// KindTrustChanged, KindDeviceVerificationChanged
	Trusted bool

	// KindKeyBackupStatus
	BackupVersion string
	BackupUsable  bool

	// KindDecryptionFailure
	Failure *DecryptionFailure

	// KindRoomKeyRequest
	KeyRequest *IncomingKeyRequest

	// KindSessionReceived: events that failed decryption earlier and can
	// now be retried with the new session.
	RetryEvents []*event.Event
}

// Listen registers a notification channel. The returned stop function
// unregisters and closes it.
func (e *Engine) Listen() (<-chan Notification, func()) {
	listenerID := e.listenerID.Add(1)
	ch := make(chan Notification, 32)
	e.listeners.Store(listenerID, ch)
	return ch, func() {
		if ch, ok := e.listeners.LoadAndDelete(listenerID); ok {
			close(ch)
		}
	}
}

// emit fans a notification out to every listener without blocking the
// engine: a full listener channel drops the notification for that listener.
func (e *Engine) emit(n Notification) {
	e.listeners.Range(func(_ uint64, ch chan Notification) bool {
		select {
		case ch <- n:
		default:
			e.log.Warn("dropping notification, listener channel full", "kind", n.Kind)
		}
		return true
	})
}
