package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"maunium.net/go/mautrix/crypto/goolm/pk"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/crypt/store"
	"github.com/arko-chat/crypt/transport"
)

type sentMessage struct {
	eventType event.Type
	req       *transport.ReqSendToDevice
}

// fakeClient records every call and answers with benign defaults unless a
// test installs a response func.
type fakeClient struct {
	mu      sync.Mutex
	uploads []*transport.ReqUploadKeys
	claims  []*transport.ReqClaimKeys
	sent    []sentMessage

	queryFunc     func(*transport.ReqQueryKeys) (*transport.RespQueryKeys, error)
	claimFunc     func(*transport.ReqClaimKeys) (*transport.RespClaimKeys, error)
	backupVersion *transport.BackupVersion
	accountData   map[string]json.RawMessage
}

func (f *fakeClient) UploadKeys(ctx context.Context, req *transport.ReqUploadKeys) (*transport.RespUploadKeys, error) {
	f.mu.Lock()
	f.uploads = append(f.uploads, req)
	f.mu.Unlock()
	return &transport.RespUploadKeys{
		OneTimeKeyCounts: map[id.KeyAlgorithm]int{
			id.KeyAlgorithmSignedCurve25519: len(req.OneTimeKeys),
		},
	}, nil
}

func (f *fakeClient) QueryKeys(ctx context.Context, req *transport.ReqQueryKeys) (*transport.RespQueryKeys, error) {
	if f.queryFunc != nil {
		return f.queryFunc(req)
	}
	return &transport.RespQueryKeys{DeviceKeys: map[id.UserID]map[id.DeviceID]transport.DeviceKeys{}}, nil
}

func (f *fakeClient) ClaimKeys(ctx context.Context, req *transport.ReqClaimKeys) (*transport.RespClaimKeys, error) {
	f.mu.Lock()
	f.claims = append(f.claims, req)
	f.mu.Unlock()
	if f.claimFunc != nil {
		return f.claimFunc(req)
	}
	return &transport.RespClaimKeys{}, nil
}

func (f *fakeClient) UploadSignatures(ctx context.Context, req transport.ReqUploadSignatures) (*transport.RespUploadSignatures, error) {
	return &transport.RespUploadSignatures{}, nil
}

func (f *fakeClient) UploadCrossSigningKeys(ctx context.Context, req *transport.ReqUploadCrossSigningKeys) error {
	return nil
}

func (f *fakeClient) SendToDevice(ctx context.Context, eventType event.Type, req *transport.ReqSendToDevice) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{eventType, req})
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) GetKeyBackupVersion(ctx context.Context) (*transport.BackupVersion, error) {
	return f.backupVersion, nil
}

func (f *fakeClient) CreateKeyBackupVersion(ctx context.Context, req *transport.ReqCreateBackupVersion) (string, error) {
	return "1", nil
}

func (f *fakeClient) UpdateKeyBackupVersion(ctx context.Context, version string, req *transport.ReqCreateBackupVersion) error {
	return nil
}

func (f *fakeClient) PutRoomKeys(ctx context.Context, version string, req *transport.ReqPutRoomKeys) error {
	return nil
}

func (f *fakeClient) GetRoomKeys(ctx context.Context, version string) (*transport.RespRoomKeys, error) {
	return &transport.RespRoomKeys{}, nil
}

func (f *fakeClient) SetAccountData(ctx context.Context, eventType string, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accountData == nil {
		f.accountData = make(map[string]json.RawMessage)
	}
	f.accountData[eventType] = raw
	return nil
}

func (f *fakeClient) GetAccountData(ctx context.Context, eventType string, into any) error {
	f.mu.Lock()
	raw, ok := f.accountData[eventType]
	f.mu.Unlock()
	if !ok {
		return transport.ErrNotFoundOnServer
	}
	return json.Unmarshal(raw, into)
}

func (f *fakeClient) sentOfType(eventType event.Type) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, msg := range f.sent {
		if msg.eventType == eventType {
			out = append(out, msg)
		}
	}
	return out
}

func (f *fakeClient) claimCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.claims)
}

type fakeRoomState struct {
	members map[id.RoomID][]id.UserID
}

func (f *fakeRoomState) GetJoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	return f.members[roomID], nil
}

func (f *fakeRoomState) IsLazyLoading() bool { return false }

func newTestEngine(t *testing.T, client *fakeClient, cfg Config, callbacks Callbacks, roomState RoomStateProvider) *Engine {
	t.Helper()
	if cfg.UserID == "" {
		cfg.UserID = "@alice:example.org"
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = "ALICEDEV"
	}
	if len(cfg.PickleKey) == 0 {
		cfg.PickleKey = []byte("engine-test-pickle-key")
	}
	if roomState == nil {
		roomState = &fakeRoomState{}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := New(context.Background(), cfg, client, store.NewMemory(), roomState, callbacks, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

// serveOwnDeviceKeys makes /keys/query return the engine's own signed
// device keys, so the engine can "download" itself.
func serveOwnDeviceKeys(t *testing.T, e *Engine, client *fakeClient) {
	t.Helper()
	keys, err := e.deviceKeys()
	if err != nil {
		t.Fatalf("deviceKeys: %v", err)
	}
	client.queryFunc = func(req *transport.ReqQueryKeys) (*transport.RespQueryKeys, error) {
		resp := &transport.RespQueryKeys{DeviceKeys: map[id.UserID]map[id.DeviceID]transport.DeviceKeys{}}
		for userID := range req.DeviceKeys {
			if userID == e.cfg.UserID {
				resp.DeviceKeys[userID] = map[id.DeviceID]transport.DeviceKeys{e.cfg.DeviceID: *keys}
			} else {
				resp.DeviceKeys[userID] = map[id.DeviceID]transport.DeviceKeys{}
			}
		}
		return resp, nil
	}
}

// notificationOfKind drains buffered notifications until one of the wanted
// kind shows up.
func notificationOfKind(t *testing.T, ch <-chan Notification, kind NotificationKind) Notification {
	t.Helper()
	for {
		select {
		case n := <-ch:
			if n.Kind == kind {
				return n
			}
		default:
			t.Fatalf("no buffered notification of kind %d", kind)
			return Notification{}
		}
	}
}

func TestInitialSyncUploadsKeysOnce(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(t, client, Config{}, Callbacks{}, nil)
	ctx := context.Background()

	e.MarkInitialSyncComplete(ctx)
	if len(client.uploads) != 1 {
		t.Fatalf("got %d uploads, want 1", len(client.uploads))
	}
	req := client.uploads[0]
	if req.DeviceKeys == nil {
		t.Fatal("first upload is missing device keys")
	}
	if len(req.OneTimeKeys) != e.cfg.OneTimeKeyTarget {
		t.Fatalf("uploaded %d one-time keys, want %d", len(req.OneTimeKeys), e.cfg.OneTimeKeyTarget)
	}
	for keyID, otk := range req.OneTimeKeys {
		if otk.Signatures[e.cfg.UserID] == nil {
			t.Fatalf("one-time key %s is unsigned", keyID)
		}
	}

	// Topped up and published: neither the second sync completion nor a
	// repeated initial sync marker should upload again.
	e.MarkInitialSyncComplete(ctx)
	e.ProcessSyncCompletion(ctx)
	if len(client.uploads) != 1 {
		t.Fatalf("got %d uploads after idle cycles, want 1", len(client.uploads))
	}

	// Server-side consumption drops the count below target.
	e.OnOneTimeKeyCounts(map[id.KeyAlgorithm]int{id.KeyAlgorithmSignedCurve25519: 10})
	e.ProcessSyncCompletion(ctx)
	if len(client.uploads) != 2 {
		t.Fatalf("got %d uploads after key consumption, want 2", len(client.uploads))
	}
	second := client.uploads[1]
	if second.DeviceKeys != nil {
		t.Fatal("device keys uploaded twice")
	}
	if len(second.OneTimeKeys) != e.cfg.OneTimeKeyTarget-10 {
		t.Fatalf("topped up %d keys, want %d", len(second.OneTimeKeys), e.cfg.OneTimeKeyTarget-10)
	}
}

func TestEnsureSessionsSkipsBlockedAndOwnDevice(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(t, client, Config{}, Callbacks{}, nil)

	blocked := &id.Device{
		UserID:      "@bob:example.org",
		DeviceID:    "BLOCKED",
		IdentityKey: "blockedcurve",
		SigningKey:  "blockeded",
		Trust:       id.TrustStateBlacklisted,
	}
	self := &id.Device{
		UserID:      e.cfg.UserID,
		DeviceID:    e.cfg.DeviceID,
		IdentityKey: e.account.IdentityKey(),
		SigningKey:  e.account.SigningKey(),
	}

	result, err := e.EnsureSessionsForDevices(context.Background(), map[id.UserID][]*id.Device{
		"@bob:example.org": {blocked},
		e.cfg.UserID:       {self},
	}, false)
	if err != nil {
		t.Fatalf("EnsureSessionsForDevices: %v", err)
	}
	if client.claimCount() != 0 {
		t.Fatalf("claimed keys for %d batches, want 0", client.claimCount())
	}
	if len(result.Skipped["@bob:example.org"]) != 1 || len(result.Skipped[e.cfg.UserID]) != 1 {
		t.Fatalf("skipped = %v, want both devices skipped", result.Skipped)
	}
	if len(result.Established) != 0 || len(result.Failed) != 0 {
		t.Fatalf("unexpected establishments %v or failures %v", result.Established, result.Failed)
	}
}

func TestWedgedRecoveryThrottled(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(t, client, Config{}, Callbacks{}, nil)
	bob := id.UserID("@bob:example.org")
	device := &id.Device{
		UserID:      bob,
		DeviceID:    "BOBDEV",
		IdentityKey: "bobcurve",
		SigningKey:  "bobed",
	}
	if err := e.store.PutDevices(bob, map[id.DeviceID]*id.Device{device.DeviceID: device}); err != nil {
		t.Fatalf("PutDevices: %v", err)
	}

	// The empty claim response means no session can be built, so the
	// first attempt fails and the second must be swallowed by the
	// throttle without touching the network.
	ctx := context.Background()
	if err := e.recoverWedgedSession(ctx, bob, "bobcurve"); err == nil {
		t.Fatal("expected recovery to fail without claimable keys")
	}
	if client.claimCount() != 1 {
		t.Fatalf("claimed %d times, want 1", client.claimCount())
	}
	if err := e.recoverWedgedSession(ctx, bob, "bobcurve"); err != nil {
		t.Fatalf("throttled recovery returned error: %v", err)
	}
	if client.claimCount() != 1 {
		t.Fatalf("claimed %d times after throttled retry, want 1", client.claimCount())
	}
}

func signedDeviceKeys(t *testing.T, userID id.UserID, deviceID id.DeviceID, identityKey id.Curve25519) (transport.DeviceKeys, *pk.Signing) {
	t.Helper()
	signer, err := pk.NewSigning()
	if err != nil {
		t.Fatalf("NewSigning: %v", err)
	}
	keys := transport.DeviceKeys{
		UserID:     userID,
		DeviceID:   deviceID,
		Algorithms: []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1},
		Keys: map[id.KeyID]string{
			id.NewKeyID(id.KeyAlgorithmEd25519, deviceID.String()):    signer.PublicKey().String(),
			id.NewKeyID(id.KeyAlgorithmCurve25519, deviceID.String()): identityKey.String(),
		},
	}
	signature, err := signer.SignJSON(keys)
	if err != nil {
		t.Fatalf("SignJSON: %v", err)
	}
	keys.Signatures = transport.Signatures{
		userID: {id.NewKeyID(id.KeyAlgorithmEd25519, deviceID.String()): signature},
	}
	return keys, signer
}

func TestDeviceIdentityKeyChangeRejected(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(t, client, Config{}, Callbacks{}, nil)
	bob := id.UserID("@bob:example.org")

	original, _ := signedDeviceKeys(t, bob, "BOBDEV", "bobcurve1")
	devices := e.processDeviceKeysResponse(bob, map[id.DeviceID]transport.DeviceKeys{"BOBDEV": original})
	if len(devices) != 1 || devices["BOBDEV"].IdentityKey != "bobcurve1" {
		t.Fatalf("initial device not accepted: %v", devices)
	}
	if err := e.store.PutDevices(bob, devices); err != nil {
		t.Fatalf("PutDevices: %v", err)
	}

	// Same device id, fresh key pair. The update must be rejected and the
	// stored identity retained.
	replaced, _ := signedDeviceKeys(t, bob, "BOBDEV", "bobcurve2")
	devices = e.processDeviceKeysResponse(bob, map[id.DeviceID]transport.DeviceKeys{"BOBDEV": replaced})
	if devices["BOBDEV"].IdentityKey != "bobcurve1" {
		t.Fatalf("identity key changed to %s, want original retained", devices["BOBDEV"].IdentityKey)
	}

	// A broken self-signature drops the device entirely.
	tampered, _ := signedDeviceKeys(t, bob, "BOBDEV2", "bobcurve3")
	tampered.Signatures[bob][id.NewKeyID(id.KeyAlgorithmEd25519, "BOBDEV2")] = "invalid"
	devices = e.processDeviceKeysResponse(bob, map[id.DeviceID]transport.DeviceKeys{"BOBDEV2": tampered})
	if len(devices) != 0 {
		t.Fatalf("tampered device accepted: %v", devices)
	}
}

func TestSetDeviceVerificationEmits(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(t, client, Config{}, Callbacks{}, nil)
	bob := id.UserID("@bob:example.org")
	device := &id.Device{UserID: bob, DeviceID: "BOBDEV", IdentityKey: "bobcurve", SigningKey: "bobed"}
	if err := e.store.PutDevices(bob, map[id.DeviceID]*id.Device{device.DeviceID: device}); err != nil {
		t.Fatalf("PutDevices: %v", err)
	}

	ch, stop := e.Listen()
	defer stop()

	if err := e.SetDeviceVerification(bob, "BOBDEV", id.TrustStateVerified); err != nil {
		t.Fatalf("SetDeviceVerification: %v", err)
	}
	n := notificationOfKind(t, ch, KindDeviceVerificationChanged)
	if n.UserID != bob || n.DeviceID != "BOBDEV" || !n.Trusted {
		t.Fatalf("notification = %+v", n)
	}
	if got := e.GetStoredDevice(bob, "BOBDEV"); got.Trust != id.TrustStateVerified {
		t.Fatalf("stored trust = %v, want verified", got.Trust)
	}

	// Setting the same state again is silent.
	if err := e.SetDeviceVerification(bob, "BOBDEV", id.TrustStateVerified); err != nil {
		t.Fatalf("repeat SetDeviceVerification: %v", err)
	}
	select {
	case n := <-ch:
		t.Fatalf("unexpected notification %+v", n)
	default:
	}

	if err := e.SetDeviceVerification(bob, "UNKNOWN", id.TrustStateVerified); err == nil {
		t.Fatal("expected error for unknown device")
	}
}

func TestStartTrackingKeepsFreshUsers(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(t, client, Config{}, Callbacks{}, nil)
	bob := id.UserID("@bob:example.org")

	if err := e.store.PutTrackedUser(bob, false); err != nil {
		t.Fatalf("PutTrackedUser: %v", err)
	}
	e.StartTrackingDeviceList(bob)
	if _, outdated := e.outdatedUsers.Load(bob); outdated {
		t.Fatal("tracking an already fresh user marked it outdated")
	}

	e.InvalidateUserDeviceList(bob)
	if _, outdated := e.outdatedUsers.Load(bob); !outdated {
		t.Fatal("invalidation did not mark the user outdated")
	}
}

func TestHandleToDeviceIgnoresPlaintextRoomKeys(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(t, client, Config{}, Callbacks{}, nil)

	content, _ := json.Marshal(map[string]any{
		"algorithm":   "m.megolm.v1.aes-sha2",
		"room_id":     "!room:example.org",
		"session_id":  "plain",
		"session_key": "not-a-real-key",
	})
	e.HandleToDeviceEvent(context.Background(), &event.Event{
		Type:    event.ToDeviceRoomKey,
		Sender:  "@bob:example.org",
		Content: event.Content{VeryRaw: content},
	})

	rec, err := e.store.GetGroupSession("anything", "plain")
	if err != nil {
		t.Fatalf("GetGroupSession: %v", err)
	}
	if rec != nil {
		t.Fatal("plaintext room key was stored")
	}
}
