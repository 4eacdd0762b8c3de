package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/crypt/store"
)

const testRoom = id.RoomID("!room:example.org")

func TestSetRoomEncryption(t *testing.T) {
	e := newTestEngine(t, &fakeClient{}, Config{}, Callbacks{}, nil)

	if e.IsRoomEncrypted(testRoom) {
		t.Fatal("room encrypted before configuration")
	}
	if err := e.SetRoomEncryption(testRoom, store.RoomSettings{}); err != nil {
		t.Fatalf("SetRoomEncryption: %v", err)
	}
	if !e.IsRoomEncrypted(testRoom) {
		t.Fatal("room not encrypted after configuration")
	}

	// Same effective config again, including the defaults that were
	// filled in, is a no-op.
	err := e.SetRoomEncryption(testRoom, store.RoomSettings{
		Algorithm:              id.AlgorithmMegolmV1,
		RotationPeriodMillis:   defaultRotationMillis,
		RotationPeriodMessages: defaultRotationMessages,
	})
	if err != nil {
		t.Fatalf("idempotent SetRoomEncryption: %v", err)
	}

	err = e.SetRoomEncryption(testRoom, store.RoomSettings{RotationPeriodMessages: 5})
	if !errors.Is(err, ErrRoomConfigImmutable) {
		t.Fatalf("changed config error = %v, want ErrRoomConfigImmutable", err)
	}
	settings, _ := e.store.GetRoomSettings(testRoom)
	if settings.RotationPeriodMessages != defaultRotationMessages {
		t.Fatalf("original config not retained: %+v", settings)
	}

	err = e.SetRoomEncryption("!other:example.org", store.RoomSettings{Algorithm: "m.bogus.v0"})
	if !errors.Is(err, ErrUnknownEncryptionAlgorithm) {
		t.Fatalf("bogus algorithm error = %v, want ErrUnknownEncryptionAlgorithm", err)
	}
}

func TestEncryptRequiresRoomConfig(t *testing.T) {
	e := newTestEngine(t, &fakeClient{}, Config{}, Callbacks{}, nil)
	_, err := e.EncryptRoomEvent(context.Background(), testRoom, "m.room.message", map[string]string{"body": "hi"})
	if !errors.Is(err, ErrRoomNotEncrypted) {
		t.Fatalf("err = %v, want ErrRoomNotEncrypted", err)
	}
}

// soloRoomEngine returns an engine whose user is the only member of
// testRoom, with /keys/query serving its own device keys.
func soloRoomEngine(t *testing.T, client *fakeClient, cfg Config) *Engine {
	t.Helper()
	roomState := &fakeRoomState{members: map[id.RoomID][]id.UserID{}}
	e := newTestEngine(t, client, cfg, Callbacks{}, roomState)
	roomState.members[testRoom] = []id.UserID{e.cfg.UserID}
	serveOwnDeviceKeys(t, e, client)
	if err := e.SetRoomEncryption(testRoom, store.RoomSettings{}); err != nil {
		t.Fatalf("SetRoomEncryption: %v", err)
	}
	return e
}

func TestEncryptDecryptOwnEvent(t *testing.T) {
	client := &fakeClient{}
	e := soloRoomEngine(t, client, Config{})
	ctx := context.Background()

	raw, err := e.EncryptRoomEvent(ctx, testRoom, "m.room.message", map[string]string{"body": "hello"})
	if err != nil {
		t.Fatalf("EncryptRoomEvent: %v", err)
	}
	var content encryptedMegolmContent
	if err := json.Unmarshal(raw, &content); err != nil {
		t.Fatalf("parse encrypted content: %v", err)
	}
	if content.Algorithm != id.AlgorithmMegolmV1 || content.SenderKey != e.account.IdentityKey() {
		t.Fatalf("encrypted content = %+v", content)
	}

	evt := &event.Event{
		ID:        "$first",
		RoomID:    testRoom,
		Timestamp: 1000,
		Content:   event.Content{VeryRaw: raw},
	}
	decrypted, err := e.DecryptRoomEvent(ctx, evt)
	if err != nil {
		t.Fatalf("DecryptRoomEvent: %v", err)
	}
	if decrypted.EventType != "m.room.message" {
		t.Fatalf("event type = %s", decrypted.EventType)
	}
	var body map[string]string
	if err := json.Unmarshal(decrypted.Content, &body); err != nil || body["body"] != "hello" {
		t.Fatalf("decrypted body = %s (err %v)", decrypted.Content, err)
	}
	if !decrypted.TrustedSource {
		t.Fatal("own session not trusted")
	}
	if decrypted.MessageIndex != 0 {
		t.Fatalf("message index = %d, want 0", decrypted.MessageIndex)
	}

	// Same event twice is fine; the same ciphertext under a different
	// event id is a replay.
	if _, err := e.DecryptRoomEvent(ctx, evt); err != nil {
		t.Fatalf("re-decrypting the same event: %v", err)
	}
	replayed := &event.Event{
		ID:        "$forged",
		RoomID:    testRoom,
		Timestamp: 2000,
		Content:   event.Content{VeryRaw: raw},
	}
	_, err = e.DecryptRoomEvent(ctx, replayed)
	var failure *DecryptionFailure
	if !errors.As(err, &failure) || failure.Code != FailureReplayDetected {
		t.Fatalf("replay err = %v, want FailureReplayDetected", err)
	}
}

func TestForceDiscardRotatesSession(t *testing.T) {
	client := &fakeClient{}
	e := soloRoomEngine(t, client, Config{})
	ctx := context.Background()

	raw1, err := e.EncryptRoomEvent(ctx, testRoom, "m.room.message", map[string]string{"body": "one"})
	if err != nil {
		t.Fatalf("first encrypt: %v", err)
	}
	if err := e.ForceDiscardSession(testRoom); err != nil {
		t.Fatalf("ForceDiscardSession: %v", err)
	}
	raw2, err := e.EncryptRoomEvent(ctx, testRoom, "m.room.message", map[string]string{"body": "two"})
	if err != nil {
		t.Fatalf("second encrypt: %v", err)
	}

	var first, second encryptedMegolmContent
	if err := json.Unmarshal(raw1, &first); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw2, &second); err != nil {
		t.Fatal(err)
	}
	if first.SessionID == second.SessionID {
		t.Fatal("session not rotated after discard")
	}
}

func TestMessageCountRotation(t *testing.T) {
	client := &fakeClient{}
	e := soloRoomEngine(t, client, Config{})
	ctx := context.Background()

	// The room config is already fixed by soloRoomEngine, so shrink the
	// stored rotation budget directly.
	if _, err := e.EncryptRoomEvent(ctx, testRoom, "m.room.message", map[string]string{"body": "a"}); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	rec, err := e.store.GetOutboundSession(testRoom)
	if err != nil || rec == nil {
		t.Fatalf("outbound session missing (err %v)", err)
	}
	firstID := rec.SessionID
	rec.MaxMessages = 1
	if err := e.store.PutOutboundSession(rec); err != nil {
		t.Fatalf("PutOutboundSession: %v", err)
	}

	raw, err := e.EncryptRoomEvent(ctx, testRoom, "m.room.message", map[string]string{"body": "b"})
	if err != nil {
		t.Fatalf("encrypt past budget: %v", err)
	}
	var content encryptedMegolmContent
	if err := json.Unmarshal(raw, &content); err != nil {
		t.Fatal(err)
	}
	if content.SessionID == firstID {
		t.Fatal("session not rotated after message budget")
	}
}

func TestDecryptMissingSessionRequestsKey(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(t, client, Config{}, Callbacks{}, nil)
	ctx := context.Background()

	raw, _ := json.Marshal(&encryptedMegolmContent{
		Algorithm:  id.AlgorithmMegolmV1,
		SenderKey:  "bobcurve",
		SessionID:  "missing-session",
		Ciphertext: "opaque",
	})
	evt := &event.Event{ID: "$evt1", RoomID: testRoom, Content: event.Content{VeryRaw: raw}}

	_, err := e.DecryptRoomEvent(ctx, evt)
	var failure *DecryptionFailure
	if !errors.As(err, &failure) || failure.Code != FailureNoSession {
		t.Fatalf("err = %v, want FailureNoSession", err)
	}

	requests := client.sentOfType(event.ToDeviceRoomKeyRequest)
	if len(requests) != 1 {
		t.Fatalf("sent %d key requests, want 1", len(requests))
	}
	if _, ok := requests[0].req.Messages[e.cfg.UserID]["*"]; !ok {
		t.Fatalf("key request not addressed to all own devices: %v", requests[0].req.Messages)
	}
	pending, err := e.store.GetKeyRequestByBody(store.KeyRequestBody{
		RoomID:    testRoom,
		SessionID: "missing-session",
		SenderKey: "bobcurve",
		Algorithm: id.AlgorithmMegolmV1,
	})
	if err != nil || pending == nil {
		t.Fatalf("outgoing request not recorded (err %v)", err)
	}
	if pending.State != store.KeyRequestSent {
		t.Fatalf("request state = %v, want sent", pending.State)
	}

	// A second failing event for the same session must not repeat the
	// request.
	evt2 := &event.Event{ID: "$evt2", RoomID: testRoom, Content: event.Content{VeryRaw: raw}}
	if _, err := e.DecryptRoomEvent(ctx, evt2); err == nil {
		t.Fatal("expected second decrypt to fail")
	}
	if got := len(client.sentOfType(event.ToDeviceRoomKeyRequest)); got != 1 {
		t.Fatalf("sent %d key requests after duplicate failure, want 1", got)
	}
}

func TestWithheldShortCircuitsKeyRequest(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(t, client, Config{}, Callbacks{}, nil)

	withheldRaw, _ := json.Marshal(&withheldContent{
		RoomID:    testRoom,
		Algorithm: id.AlgorithmMegolmV1,
		SessionID: "held-session",
		SenderKey: "bobcurve",
		Code:      event.RoomKeyWithheldUnverified,
	})
	e.HandleToDeviceEvent(context.Background(), &event.Event{
		Type:    event.ToDeviceRoomKeyWithheld,
		Sender:  "@bob:example.org",
		Content: event.Content{VeryRaw: withheldRaw},
	})

	raw, _ := json.Marshal(&encryptedMegolmContent{
		Algorithm:  id.AlgorithmMegolmV1,
		SenderKey:  "bobcurve",
		SessionID:  "held-session",
		Ciphertext: "opaque",
	})
	evt := &event.Event{ID: "$evt1", RoomID: testRoom, Content: event.Content{VeryRaw: raw}}
	_, err := e.DecryptRoomEvent(context.Background(), evt)
	var failure *DecryptionFailure
	if !errors.As(err, &failure) || failure.Code != FailureWithheld {
		t.Fatalf("err = %v, want FailureWithheld", err)
	}
	if failure.WithheldCode != event.RoomKeyWithheldUnverified {
		t.Fatalf("withheld code = %v", failure.WithheldCode)
	}
	if got := len(client.sentOfType(event.ToDeviceRoomKeyRequest)); got != 0 {
		t.Fatalf("sent %d key requests for a withheld session, want 0", got)
	}
}

func TestWithheldArrivalResolvesPendingEvents(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(t, client, Config{}, Callbacks{}, nil)
	ctx := context.Background()

	raw, _ := json.Marshal(&encryptedMegolmContent{
		Algorithm:  id.AlgorithmMegolmV1,
		SenderKey:  "bobcurve",
		SessionID:  "late-withheld",
		Ciphertext: "opaque",
	})
	evt := &event.Event{ID: "$stuck", RoomID: testRoom, Sender: "@bob:example.org", Content: event.Content{VeryRaw: raw}}
	if _, err := e.DecryptRoomEvent(ctx, evt); err == nil {
		t.Fatal("expected decrypt without a session to fail")
	}
	if got := len(client.sentOfType(event.ToDeviceRoomKeyRequest)); got != 1 {
		t.Fatalf("sent %d key requests, want 1", got)
	}

	ch, stop := e.Listen()
	defer stop()

	withheldRaw, _ := json.Marshal(&withheldContent{
		RoomID:    testRoom,
		Algorithm: id.AlgorithmMegolmV1,
		SessionID: "late-withheld",
		SenderKey: "bobcurve",
		Code:      event.RoomKeyWithheldBlacklisted,
	})
	e.HandleToDeviceEvent(ctx, &event.Event{
		Type:    event.ToDeviceRoomKeyWithheld,
		Sender:  "@bob:example.org",
		Content: event.Content{VeryRaw: withheldRaw},
	})

	n := notificationOfKind(t, ch, KindDecryptionFailure)
	if n.Failure == nil || n.Failure.Code != FailureWithheld {
		t.Fatalf("notification failure = %+v, want withheld", n.Failure)
	}
	if n.Failure.WithheldCode != event.RoomKeyWithheldBlacklisted {
		t.Fatalf("withheld code = %v", n.Failure.WithheldCode)
	}
	if n.SessionID != "late-withheld" {
		t.Fatalf("notification session = %v", n.SessionID)
	}

	// The outstanding request is cancelled, not left pending.
	pending, err := e.store.GetKeyRequestByBody(store.KeyRequestBody{
		RoomID:    testRoom,
		SessionID: "late-withheld",
		SenderKey: "bobcurve",
		Algorithm: id.AlgorithmMegolmV1,
	})
	if err != nil {
		t.Fatalf("GetKeyRequestByBody: %v", err)
	}
	if pending != nil {
		t.Fatalf("request still stored after withheld: %+v", pending)
	}
	if got := len(client.sentOfType(event.ToDeviceRoomKeyRequest)); got != 2 {
		t.Fatalf("sent %d request events, want request plus cancel", got)
	}
}

func TestRoomKeyArrivalRetriesPendingEvents(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(t, client, Config{}, Callbacks{}, nil)
	ctx := context.Background()

	// Build a session as if a peer device owned it.
	outbound, err := olm.NewOutboundGroupSession()
	if err != nil {
		t.Fatalf("NewOutboundGroupSession: %v", err)
	}
	sessionKey := outbound.Key()
	payload, _ := json.Marshal(&megolmPayload{
		RoomID:  testRoom,
		Type:    "m.room.message",
		Content: json.RawMessage(`{"body":"from bob"}`),
	})
	ciphertext, err := outbound.Encrypt(payload)
	if err != nil {
		t.Fatalf("megolm encrypt: %v", err)
	}
	raw, _ := json.Marshal(&encryptedMegolmContent{
		Algorithm:  id.AlgorithmMegolmV1,
		SenderKey:  "bobcurve",
		SessionID:  outbound.ID(),
		Ciphertext: string(ciphertext),
	})
	evt := &event.Event{ID: "$queued", RoomID: testRoom, Timestamp: 42, Content: event.Content{VeryRaw: raw}}

	ch, stop := e.Listen()
	defer stop()

	if _, err := e.DecryptRoomEvent(ctx, evt); err == nil {
		t.Fatal("expected decryption to fail before the key arrives")
	}
	notificationOfKind(t, ch, KindDecryptionFailure)

	keyContent, _ := json.Marshal(&roomKeyContent{
		Algorithm:  id.AlgorithmMegolmV1,
		RoomID:     testRoom,
		SessionID:  outbound.ID(),
		SessionKey: sessionKey,
	})
	err = e.handleRoomKey(ctx, &DecryptedOlmEvent{
		Sender:           "@bob:example.org",
		SenderKey:        "bobcurve",
		SenderSigningKey: "bobed",
		Type:             event.ToDeviceRoomKey.Type,
		Content:          keyContent,
	})
	if err != nil {
		t.Fatalf("handleRoomKey: %v", err)
	}

	n := notificationOfKind(t, ch, KindSessionReceived)
	if n.SessionID != outbound.ID() || len(n.RetryEvents) != 1 || n.RetryEvents[0].ID != "$queued" {
		t.Fatalf("session notification = %+v", n)
	}

	decrypted, err := e.DecryptRoomEvent(ctx, n.RetryEvents[0])
	if err != nil {
		t.Fatalf("retry decrypt: %v", err)
	}
	if !decrypted.TrustedSource {
		t.Fatal("directly received session not trusted")
	}

	// The pending outgoing request was cancelled on arrival.
	pending, err := e.store.GetKeyRequestByBody(store.KeyRequestBody{
		RoomID:    testRoom,
		SessionID: outbound.ID(),
		SenderKey: "bobcurve",
		Algorithm: id.AlgorithmMegolmV1,
	})
	if err != nil {
		t.Fatalf("GetKeyRequestByBody: %v", err)
	}
	if pending != nil {
		t.Fatal("outgoing key request not cleaned up")
	}
}

func TestShareWithholdsFromBlacklistedDevice(t *testing.T) {
	client := &fakeClient{}
	roomState := &fakeRoomState{members: map[id.RoomID][]id.UserID{}}
	e := newTestEngine(t, client, Config{}, Callbacks{}, roomState)
	bob := id.UserID("@bob:example.org")
	roomState.members[testRoom] = []id.UserID{e.cfg.UserID, bob}
	serveOwnDeviceKeys(t, e, client)

	// Bob's list is already fresh in the cache, with his only device
	// blocked.
	if err := e.store.PutTrackedUser(bob, false); err != nil {
		t.Fatalf("PutTrackedUser: %v", err)
	}
	blocked := &id.Device{
		UserID:      bob,
		DeviceID:    "BOBDEV",
		IdentityKey: "bobcurve",
		SigningKey:  "bobed",
		Trust:       id.TrustStateBlacklisted,
	}
	if err := e.store.PutDevices(bob, map[id.DeviceID]*id.Device{blocked.DeviceID: blocked}); err != nil {
		t.Fatalf("PutDevices: %v", err)
	}
	if err := e.SetRoomEncryption(testRoom, store.RoomSettings{}); err != nil {
		t.Fatalf("SetRoomEncryption: %v", err)
	}

	if _, err := e.EncryptRoomEvent(context.Background(), testRoom, "m.room.message", map[string]string{"body": "hi"}); err != nil {
		t.Fatalf("EncryptRoomEvent: %v", err)
	}

	if got := len(client.sentOfType(event.ToDeviceEncrypted)); got != 0 {
		t.Fatalf("sent %d encrypted room keys, want 0", got)
	}
	withheld := client.sentOfType(event.ToDeviceRoomKeyWithheld)
	if len(withheld) != 1 {
		t.Fatalf("sent %d withheld batches, want 1", len(withheld))
	}
	raw, ok := withheld[0].req.Messages[bob]["BOBDEV"]
	if !ok {
		t.Fatalf("withheld not addressed to bob's device: %v", withheld[0].req.Messages)
	}
	var content withheldContent
	if err := json.Unmarshal(raw, &content); err != nil {
		t.Fatal(err)
	}
	if content.Code != event.RoomKeyWithheldBlacklisted {
		t.Fatalf("withheld code = %v, want blacklisted", content.Code)
	}
	if content.RoomID != testRoom || content.SessionID == "" {
		t.Fatalf("withheld content = %+v, want room and session set", content)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	client := &fakeClient{}
	source := soloRoomEngine(t, client, Config{})
	ctx := context.Background()

	if _, err := source.EncryptRoomEvent(ctx, testRoom, "m.room.message", map[string]string{"body": "keep"}); err != nil {
		t.Fatalf("EncryptRoomEvent: %v", err)
	}

	exported, err := source.ExportRoomKeys()
	if err != nil {
		t.Fatalf("ExportRoomKeys: %v", err)
	}
	if len(exported) != 1 {
		t.Fatalf("exported %d sessions, want 1", len(exported))
	}
	if exported[0].Algorithm != id.AlgorithmMegolmV1 || exported[0].SessionKey == "" {
		t.Fatalf("exported session = %+v", exported[0])
	}

	byRoom, err := source.ExportRoomKeysForRoom("!elsewhere:example.org")
	if err != nil {
		t.Fatalf("ExportRoomKeysForRoom: %v", err)
	}
	if len(byRoom) != 0 {
		t.Fatalf("exported %d sessions for an unrelated room, want 0", len(byRoom))
	}

	target := newTestEngine(t, &fakeClient{}, Config{UserID: "@alice2:example.org", DeviceID: "OTHERDEV"}, Callbacks{}, nil)
	imported, err := target.ImportRoomKeys(exported)
	if err != nil {
		t.Fatalf("ImportRoomKeys: %v", err)
	}
	if imported != 1 {
		t.Fatalf("imported %d sessions, want 1", imported)
	}
	rec, err := target.store.GetGroupSession(exported[0].SenderKey, exported[0].SessionID)
	if err != nil || rec == nil {
		t.Fatalf("imported session missing (err %v)", err)
	}
	if !rec.Imported || rec.Trusted() {
		t.Fatalf("imported session trust flags = %+v", rec)
	}

	// Importing back into the source must not displace the directly
	// created, trusted copy.
	reimported, err := source.ImportRoomKeys(exported)
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if reimported != 0 {
		t.Fatalf("re-import stored %d sessions, want 0", reimported)
	}
	original, err := source.store.GetGroupSession(exported[0].SenderKey, exported[0].SessionID)
	if err != nil || original == nil || !original.Trusted() {
		t.Fatalf("trusted session lost after re-import: %+v (err %v)", original, err)
	}
}
