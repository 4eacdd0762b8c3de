package engine

import (
	"context"
	"encoding/json"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/crypt/store"
)

func keyRequestEvent(t *testing.T, sender id.UserID, device id.DeviceID, requestID, action string, body store.KeyRequestBody) *event.Event {
	t.Helper()
	raw, err := json.Marshal(&keyRequestEventContent{
		Action:             action,
		Body:               body,
		RequestingDeviceID: device,
		RequestID:          requestID,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &event.Event{
		Type:    event.ToDeviceRoomKeyRequest,
		Sender:  sender,
		Content: event.Content{VeryRaw: raw},
	}
}

func TestKeyRequestCancelledInSameBatch(t *testing.T) {
	client := &fakeClient{}
	var approvals []*IncomingKeyRequest
	callbacks := Callbacks{
		ApproveKeyShare: func(ctx context.Context, req *IncomingKeyRequest) bool {
			approvals = append(approvals, req)
			return false
		},
	}
	e := newTestEngine(t, client, Config{}, callbacks, nil)
	ctx := context.Background()

	// The requesting device is another device of our own user, known but
	// unverified, so requests land at the approval callback.
	other := &id.Device{
		UserID:      e.cfg.UserID,
		DeviceID:    "OTHERDEV",
		IdentityKey: "othercurve",
		SigningKey:  "othered",
	}
	if err := e.store.PutDevices(e.cfg.UserID, map[id.DeviceID]*id.Device{other.DeviceID: other}); err != nil {
		t.Fatal(err)
	}
	body := store.KeyRequestBody{
		RoomID:    testRoom,
		SessionID: "wanted-session",
		SenderKey: "somecurve",
		Algorithm: id.AlgorithmMegolmV1,
	}

	// Request and cancellation inside one sync batch annihilate.
	e.HandleToDeviceEvent(ctx, keyRequestEvent(t, e.cfg.UserID, "OTHERDEV", "req1", keyRequestActionRequest, body))
	e.HandleToDeviceEvent(ctx, keyRequestEvent(t, e.cfg.UserID, "OTHERDEV", "req1", keyRequestActionCancel, store.KeyRequestBody{}))
	e.ProcessSyncCompletion(ctx)
	if len(approvals) != 0 {
		t.Fatalf("cancelled request reached the approval callback: %v", approvals)
	}

	// A surviving request does get decided.
	e.HandleToDeviceEvent(ctx, keyRequestEvent(t, e.cfg.UserID, "OTHERDEV", "req2", keyRequestActionRequest, body))
	e.ProcessSyncCompletion(ctx)
	if len(approvals) != 1 {
		t.Fatalf("got %d approvals, want 1", len(approvals))
	}
	if approvals[0].RequestID != "req2" || approvals[0].Body.SessionID != "wanted-session" {
		t.Fatalf("approval request = %+v", approvals[0])
	}
}

func TestKeyRequestsFromOtherUsersIgnored(t *testing.T) {
	client := &fakeClient{}
	var approvals int
	callbacks := Callbacks{
		ApproveKeyShare: func(ctx context.Context, req *IncomingKeyRequest) bool {
			approvals++
			return false
		},
	}
	e := newTestEngine(t, client, Config{}, callbacks, nil)
	ctx := context.Background()

	body := store.KeyRequestBody{
		RoomID:    testRoom,
		SessionID: "wanted-session",
		SenderKey: "somecurve",
		Algorithm: id.AlgorithmMegolmV1,
	}
	e.HandleToDeviceEvent(ctx, keyRequestEvent(t, "@mallory:example.org", "EVILDEV", "req1", keyRequestActionRequest, body))
	e.ProcessSyncCompletion(ctx)
	if approvals != 0 {
		t.Fatalf("request from another user reached the callback")
	}

	// Our own request echoed back by the server is dropped too.
	e.HandleToDeviceEvent(ctx, keyRequestEvent(t, e.cfg.UserID, e.cfg.DeviceID, "req2", keyRequestActionRequest, body))
	e.ProcessSyncCompletion(ctx)
	if approvals != 0 {
		t.Fatalf("own echoed request reached the callback")
	}
}

func TestUnhandledKeyRequestSurfacesNotification(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(t, client, Config{}, Callbacks{}, nil)
	ctx := context.Background()

	other := &id.Device{
		UserID:      e.cfg.UserID,
		DeviceID:    "OTHERDEV",
		IdentityKey: "othercurve",
		SigningKey:  "othered",
	}
	if err := e.store.PutDevices(e.cfg.UserID, map[id.DeviceID]*id.Device{other.DeviceID: other}); err != nil {
		t.Fatal(err)
	}

	ch, stop := e.Listen()
	defer stop()

	body := store.KeyRequestBody{
		RoomID:    testRoom,
		SessionID: "wanted-session",
		SenderKey: "somecurve",
		Algorithm: id.AlgorithmMegolmV1,
	}
	e.HandleToDeviceEvent(ctx, keyRequestEvent(t, e.cfg.UserID, "OTHERDEV", "req1", keyRequestActionRequest, body))
	e.ProcessSyncCompletion(ctx)

	n := notificationOfKind(t, ch, KindRoomKeyRequest)
	if n.KeyRequest == nil || n.KeyRequest.RequestID != "req1" || n.SessionID != "wanted-session" {
		t.Fatalf("notification = %+v", n)
	}
}

func TestBlockedDeviceNeverGranted(t *testing.T) {
	client := &fakeClient{}
	var approvals int
	callbacks := Callbacks{
		ApproveKeyShare: func(ctx context.Context, req *IncomingKeyRequest) bool {
			approvals++
			return true
		},
	}
	e := newTestEngine(t, client, Config{}, callbacks, nil)
	ctx := context.Background()

	blocked := &id.Device{
		UserID:      e.cfg.UserID,
		DeviceID:    "BLOCKEDDEV",
		IdentityKey: "blockedcurve",
		SigningKey:  "blockeded",
		Trust:       id.TrustStateBlacklisted,
	}
	if err := e.store.PutDevices(e.cfg.UserID, map[id.DeviceID]*id.Device{blocked.DeviceID: blocked}); err != nil {
		t.Fatal(err)
	}

	body := store.KeyRequestBody{
		RoomID:    testRoom,
		SessionID: "wanted-session",
		SenderKey: "somecurve",
		Algorithm: id.AlgorithmMegolmV1,
	}
	e.HandleToDeviceEvent(ctx, keyRequestEvent(t, e.cfg.UserID, "BLOCKEDDEV", "req1", keyRequestActionRequest, body))
	e.ProcessSyncCompletion(ctx)
	if approvals != 0 {
		t.Fatal("blocked device escalated to approval")
	}
	if got := len(client.sentOfType(event.ToDeviceEncrypted)); got != 0 {
		t.Fatalf("sent %d forwarded keys to a blocked device, want 0", got)
	}
}

func TestRerequestRoomKeyCancelsAndResends(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(t, client, Config{}, Callbacks{}, nil)
	ctx := context.Background()

	if err := e.requestRoomKey(ctx, "!room:example.org", "bobcurve", "lost-session"); err != nil {
		t.Fatalf("requestRoomKey: %v", err)
	}
	body := store.KeyRequestBody{
		RoomID:    "!room:example.org",
		SessionID: "lost-session",
		SenderKey: "bobcurve",
		Algorithm: id.AlgorithmMegolmV1,
	}
	first, err := e.store.GetKeyRequestByBody(body)
	if err != nil || first == nil {
		t.Fatalf("first request not stored (err %v)", err)
	}

	if err := e.RerequestRoomKey(ctx, "!room:example.org", "bobcurve", "lost-session"); err != nil {
		t.Fatalf("RerequestRoomKey: %v", err)
	}
	second, err := e.store.GetKeyRequestByBody(body)
	if err != nil || second == nil {
		t.Fatalf("second request not stored (err %v)", err)
	}
	if second.RequestID == first.RequestID {
		t.Fatal("rerequest reused the old request id")
	}

	// Original request, its cancellation, then the fresh request.
	if got := len(client.sentOfType(event.ToDeviceRoomKeyRequest)); got != 3 {
		t.Fatalf("sent %d request events, want 3", got)
	}
}
