// Package engine implements the Matrix end-to-end encryption engine:
// device list tracking, Olm and Megolm session lifecycle, cross-signing
// trust, secret storage and key backup. The engine is an explicitly
// constructed context object; all shared state hangs off it and every
// operation takes a context.Context.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/crypt/store"
	"github.com/arko-chat/crypt/transport"
)

// RoomStateProvider is the read access the engine needs from the room
// layer: current membership and the lazy-loading flag.
type RoomStateProvider interface {
	GetJoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	IsLazyLoading() bool
}

// Callbacks are the application's optional capabilities. A nil field means
// the capability is not provided; call sites check before invoking.
type Callbacks struct {
	// GetSecretStorageKey resolves a secret storage key the engine does
	// not have cached, typically by prompting for a passphrase or
	// recovery key.
	GetSecretStorageKey func(ctx context.Context, keyID string, desc *SecretStorageKeyDescription) ([]byte, error)
	// ShouldUpgradeDeviceVerifications decides whether a master key signed
	// by a locally verified device should be upgraded to verified.
	ShouldUpgradeDeviceVerifications func(ctx context.Context, userID id.UserID, masterKey id.Ed25519) bool
	// ApproveKeyShare decides an incoming key request that was not
	// auto-granted. Unset means requests stay queued for the application.
	ApproveKeyShare func(ctx context.Context, req *IncomingKeyRequest) bool
}

// Config carries the engine's identity and policy knobs.
type Config struct {
	UserID    id.UserID
	DeviceID  id.DeviceID
	PickleKey []byte

	// BlacklistUnverifiedDevices excludes unverified devices from key
	// sharing globally; per-room settings can enable it for one room.
	BlacklistUnverifiedDevices bool
	// ErrorOnUnknownDevices makes encryption fail instead of silently
	// excluding devices that have never been seen.
	ErrorOnUnknownDevices bool
	// TrustCrossSignedDevices treats any cross-signed device of another
	// user as trusted even without a user-signing signature chain.
	TrustCrossSignedDevices bool

	// OlmRecoveryInterval is the minimum delay between forced session
	// re-establishments per sender key. Held in memory only; a restart
	// at worst costs one extra dummy message.
	OlmRecoveryInterval time.Duration
	// DeviceListFlushDelay debounces device list persistence.
	DeviceListFlushDelay time.Duration
	// OneTimeKeyTarget is how many one-time keys to keep on the server.
	OneTimeKeyTarget int
	// BackupBatchSize bounds one backup upload batch.
	BackupBatchSize int
}

func (cfg *Config) withDefaults() Config {
	out := *cfg
	if out.OlmRecoveryInterval == 0 {
		out.OlmRecoveryInterval = 10 * time.Minute
	}
	if out.DeviceListFlushDelay == 0 {
		out.DeviceListFlushDelay = 500 * time.Millisecond
	}
	if out.OneTimeKeyTarget == 0 {
		out.OneTimeKeyTarget = 50
	}
	if out.BackupBatchSize == 0 {
		out.BackupBatchSize = 100
	}
	return out
}

// Engine is the crypto engine context. Construct with New; do not share a
// store between engines.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	client    transport.Client
	store     *store.Store
	roomState RoomStateProvider
	callbacks Callbacks

	account *olmAccount

	listeners  *xsync.Map[uint64, chan Notification]
	listenerID atomic.Uint64

	// Device list tracker state.
	deviceFetchGroup singleflight.Group
	outdatedUsers    *xsync.Map[id.UserID, struct{}]
	pendingDevices   map[id.UserID]map[id.DeviceID]*id.Device
	pendingMu        sync.Mutex
	flushTimer       *time.Timer

	// Olm session manager state.
	olmLocks         *keyedMutex[id.SenderKey]
	olmProblems      *xsync.Map[id.SenderKey, string]
	recoveryAttempts *expirable.LRU[id.SenderKey, time.Time]

	// Megolm state.
	roomLocks      *keyedMutex[id.RoomID]
	pendingEvents  *expirable.LRU[string, []*event.Event]
	replayIndex    *xsync.Map[string, replayMark]

	// Incoming key request batching.
	keyReqMu       sync.Mutex
	queuedRequests []*IncomingKeyRequest
	queuedCancels  []*IncomingKeyRequest
	draining       bool
	drainQueued    bool

	// Backup coordinator state.
	backupMu      sync.Mutex
	backupVersion string
	backupPubKey  []byte

	initialSyncDone atomic.Bool
	otkCount        atomic.Int64
}

// OnOneTimeKeyCounts applies the device_one_time_keys_count section of a
// sync response.
func (e *Engine) OnOneTimeKeyCounts(counts map[id.KeyAlgorithm]int) {
	e.otkCount.Store(int64(counts[id.KeyAlgorithmSignedCurve25519]))
}

// New loads or creates the olm account and returns a ready engine.
func New(ctx context.Context, cfg Config, client transport.Client, st *store.Store, roomState RoomStateProvider, callbacks Callbacks, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:       cfg.withDefaults(),
		log:       logger,
		client:    client,
		store:     st,
		roomState: roomState,
		callbacks: callbacks,

		listeners:     xsync.NewMap[uint64, chan Notification](),
		outdatedUsers: xsync.NewMap[id.UserID, struct{}](),
		olmProblems:   xsync.NewMap[id.SenderKey, string](),
		olmLocks:      newKeyedMutex[id.SenderKey](),
		roomLocks:     newKeyedMutex[id.RoomID](),
		replayIndex:   xsync.NewMap[string, replayMark](),
	}
	e.recoveryAttempts = expirable.NewLRU[id.SenderKey, time.Time](1024, nil, e.cfg.OlmRecoveryInterval)
	e.pendingEvents = expirable.NewLRU[string, []*event.Event](512, nil, time.Hour)

	account, err := loadOrCreateAccount(st, e.cfg.PickleKey)
	if err != nil {
		return nil, err
	}
	e.account = account

	tracked, err := st.GetTrackedUsers()
	if err != nil {
		return nil, err
	}
	for userID, outdated := range tracked {
		if outdated {
			e.outdatedUsers.Store(userID, struct{}{})
		}
	}

	return e, nil
}

// OwnIdentityKeys returns this device's signing and identity keys.
func (e *Engine) OwnIdentityKeys() (id.Ed25519, id.Curve25519) {
	return e.account.SigningKey(), e.account.IdentityKey()
}

// Close flushes pending device writes. The store is owned by the caller
// and stays open.
func (e *Engine) Close() {
	if err := e.FlushDeviceLists(); err != nil {
		e.log.Error("flush device lists on close", "err", err)
	}
	e.listeners.Range(func(listenerID uint64, ch chan Notification) bool {
		e.listeners.Delete(listenerID)
		close(ch)
		return true
	})
}

// MarkInitialSyncComplete releases the work deferred until catch-up is
// done, starting with the one-time key upload and any backup uploads
// that queued up while offline.
func (e *Engine) MarkInitialSyncComplete(ctx context.Context) {
	if e.initialSyncDone.Swap(true) {
		return
	}
	if err := e.uploadKeys(ctx); err != nil {
		e.log.Error("initial key upload failed", "err", err)
	}
	if err := e.uploadPendingBackupSessions(ctx); err != nil {
		e.log.Error("initial backup upload failed", "err", err)
	}
}

// HandleToDeviceEvent dispatches one to-device event. Handler errors are
// logged, never propagated: one bad event must not halt the batch.
func (e *Engine) HandleToDeviceEvent(ctx context.Context, evt *event.Event) {
	var err error
	switch evt.Type {
	case event.ToDeviceEncrypted:
		err = e.handleEncryptedToDevice(ctx, evt)
	case event.ToDeviceRoomKeyRequest:
		err = e.handleKeyRequestEvent(ctx, evt)
	case event.ToDeviceRoomKeyWithheld:
		err = e.handleWithheldEvent(ctx, evt)
	case event.ToDeviceRoomKey, event.ToDeviceForwardedRoomKey:
		// Room keys are only valid inside an olm envelope; plaintext
		// copies are ignored.
		e.log.Warn("ignoring plaintext room key event", "sender", evt.Sender, "type", evt.Type.Type)
	default:
		return
	}
	if err != nil {
		e.log.Error("to-device event handler failed",
			"type", evt.Type.Type,
			"sender", evt.Sender,
			"err", err,
		)
	}
}

// ProcessSyncCompletion runs once per sync cycle after all events of the
// batch were dispatched: drains buffered key requests and flushes the
// debounced device list writes.
func (e *Engine) ProcessSyncCompletion(ctx context.Context) {
	e.drainKeyRequests(ctx)
	if e.initialSyncDone.Load() {
		if err := e.uploadKeys(ctx); err != nil {
			e.log.Error("periodic key upload failed", "err", err)
		}
	}
}

// OnDeviceListChanges applies the sync response's device_lists section:
// changed users are invalidated, left users stop being tracked.
func (e *Engine) OnDeviceListChanges(changed, left []id.UserID) {
	for _, userID := range changed {
		e.InvalidateUserDeviceList(userID)
	}
	for _, userID := range left {
		e.StopTrackingDeviceList(userID)
	}
}

type replayMark struct {
	eventID   id.EventID
	timestamp int64
}

// keyedMutex serializes logically conflicting operations per key, e.g.
// outbound session creation per room.
type keyedMutex[K comparable] struct {
	locks *xsync.Map[K, *sync.Mutex]
}

func newKeyedMutex[K comparable]() *keyedMutex[K] {
	return &keyedMutex[K]{locks: xsync.NewMap[K, *sync.Mutex]()}
}

func (km *keyedMutex[K]) Lock(key K) func() {
	mu, _ := km.locks.LoadOrStore(key, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}
