package store

import (
	"errors"
	"testing"
	"time"

	"maunium.net/go/mautrix/id"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewMemory()
}

func TestDeviceRoundTrip(t *testing.T) {
	st := newTestStore(t)
	userID := id.UserID("@alice:example.org")

	devices, err := st.GetDevices(userID)
	if err != nil {
		t.Fatalf("GetDevices: %v", err)
	}
	if devices != nil {
		t.Fatalf("never-fetched user should return nil, got %v", devices)
	}

	want := map[id.DeviceID]*id.Device{
		"DEV1": {
			UserID:      userID,
			DeviceID:    "DEV1",
			IdentityKey: "curve1",
			SigningKey:  "ed1",
			Trust:       id.TrustStateVerified,
		},
	}
	if err := st.PutDevices(userID, want); err != nil {
		t.Fatalf("PutDevices: %v", err)
	}

	got, err := st.GetDevices(userID)
	if err != nil {
		t.Fatalf("GetDevices: %v", err)
	}
	if len(got) != 1 || got["DEV1"].SigningKey != "ed1" || got["DEV1"].Trust != id.TrustStateVerified {
		t.Fatalf("unexpected devices: %+v", got)
	}

	device, err := st.FindDeviceByKey(userID, "curve1")
	if err != nil {
		t.Fatalf("FindDeviceByKey: %v", err)
	}
	if device == nil || device.DeviceID != "DEV1" {
		t.Fatalf("FindDeviceByKey returned %+v", device)
	}
}

func TestPutDevicesRemovesStale(t *testing.T) {
	st := newTestStore(t)
	userID := id.UserID("@alice:example.org")

	err := st.PutDevices(userID, map[id.DeviceID]*id.Device{
		"OLD": {UserID: userID, DeviceID: "OLD", IdentityKey: "c1", SigningKey: "e1"},
		"NEW": {UserID: userID, DeviceID: "NEW", IdentityKey: "c2", SigningKey: "e2"},
	})
	if err != nil {
		t.Fatalf("PutDevices: %v", err)
	}
	err = st.PutDevices(userID, map[id.DeviceID]*id.Device{
		"NEW": {UserID: userID, DeviceID: "NEW", IdentityKey: "c2", SigningKey: "e2"},
	})
	if err != nil {
		t.Fatalf("PutDevices: %v", err)
	}

	devices, err := st.GetDevices(userID)
	if err != nil {
		t.Fatalf("GetDevices: %v", err)
	}
	if _, ok := devices["OLD"]; ok {
		t.Fatal("removed device still present after full write")
	}
	if _, ok := devices["NEW"]; !ok {
		t.Fatal("surviving device missing after full write")
	}
}

func TestTrackedUsers(t *testing.T) {
	st := newTestStore(t)
	alice := id.UserID("@alice:example.org")
	bob := id.UserID("@bob:example.org")

	if err := st.PutTrackedUser(alice, true); err != nil {
		t.Fatalf("PutTrackedUser: %v", err)
	}
	if err := st.PutTrackedUser(bob, false); err != nil {
		t.Fatalf("PutTrackedUser: %v", err)
	}

	tracked, err := st.GetTrackedUsers()
	if err != nil {
		t.Fatalf("GetTrackedUsers: %v", err)
	}
	if outdated, ok := tracked[alice]; !ok || !outdated {
		t.Fatalf("alice should be tracked and outdated, got %v", tracked)
	}
	if outdated, ok := tracked[bob]; !ok || outdated {
		t.Fatalf("bob should be tracked and fresh, got %v", tracked)
	}

	// Stopping keeps the cached devices readable but drops the user from
	// the tracked set.
	err = st.PutDevices(alice, map[id.DeviceID]*id.Device{
		"DEV": {UserID: alice, DeviceID: "DEV", IdentityKey: "c", SigningKey: "e"},
	})
	if err != nil {
		t.Fatalf("PutDevices: %v", err)
	}
	if err := st.StopTrackingUser(alice); err != nil {
		t.Fatalf("StopTrackingUser: %v", err)
	}
	tracked, err = st.GetTrackedUsers()
	if err != nil {
		t.Fatalf("GetTrackedUsers: %v", err)
	}
	if _, ok := tracked[alice]; ok {
		t.Fatal("stopped user still in tracked set")
	}
	devices, err := st.GetDevices(alice)
	if err != nil {
		t.Fatalf("GetDevices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("stopped user's cache should survive, got %v", devices)
	}
}

func TestLatestOlmSession(t *testing.T) {
	st := newTestStore(t)
	senderKey := id.SenderKey("curve-sender")
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, sessionID := range []id.SessionID{"s-old", "s-new"} {
		err := st.AddOlmSession(&OlmSession{
			SenderKey: senderKey,
			SessionID: sessionID,
			Pickle:    []byte("pickle"),
			CreatedAt: base,
			LastUsed:  base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("AddOlmSession: %v", err)
		}
	}

	latest, err := st.GetLatestOlmSession(senderKey)
	if err != nil {
		t.Fatalf("GetLatestOlmSession: %v", err)
	}
	if latest == nil || latest.SessionID != "s-new" {
		t.Fatalf("want most recently used session, got %+v", latest)
	}

	if err := st.DeleteOlmSessions(senderKey); err != nil {
		t.Fatalf("DeleteOlmSessions: %v", err)
	}
	latest, err = st.GetLatestOlmSession(senderKey)
	if err != nil {
		t.Fatalf("GetLatestOlmSession: %v", err)
	}
	if latest != nil {
		t.Fatalf("sessions survived delete: %+v", latest)
	}
}

func TestGroupSessionBackupFlags(t *testing.T) {
	st := newTestStore(t)

	for _, sessionID := range []id.SessionID{"a", "b", "c"} {
		err := st.PutGroupSession(&InboundGroupSession{
			RoomID:      "!room:example.org",
			SenderKey:   "sender",
			SessionID:   sessionID,
			Pickle:      []byte("pickle"),
			NeedsBackup: sessionID != "c",
			ReceivedAt:  time.Now(),
		})
		if err != nil {
			t.Fatalf("PutGroupSession: %v", err)
		}
	}

	pending, err := st.GetGroupSessionsNeedingBackup(10)
	if err != nil {
		t.Fatalf("GetGroupSessionsNeedingBackup: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("want 2 pending sessions, got %d", len(pending))
	}

	limited, err := st.GetGroupSessionsNeedingBackup(1)
	if err != nil {
		t.Fatalf("GetGroupSessionsNeedingBackup: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit ignored, got %d", len(limited))
	}

	if err := st.MarkSessionsBackedUp(pending); err != nil {
		t.Fatalf("MarkSessionsBackedUp: %v", err)
	}
	pending, err = st.GetGroupSessionsNeedingBackup(10)
	if err != nil {
		t.Fatalf("GetGroupSessionsNeedingBackup: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("sessions still pending after mark: %d", len(pending))
	}
}

func TestSessionTrust(t *testing.T) {
	direct := &InboundGroupSession{}
	if !direct.Trusted() {
		t.Fatal("direct session should be trusted")
	}
	forwarded := &InboundGroupSession{ForwardingChains: []string{"curve-fwd"}}
	if forwarded.Trusted() {
		t.Fatal("forwarded session should not be trusted")
	}
	imported := &InboundGroupSession{Imported: true}
	if imported.Trusted() {
		t.Fatal("imported session should not be trusted")
	}
}

func TestOutboundSessionExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sess := &OutboundGroupSession{
		CreatedAt:   now.Add(-time.Hour),
		MaxAge:      2 * time.Hour,
		MaxMessages: 3,
	}
	if sess.Expired(now) {
		t.Fatal("fresh session reported expired")
	}
	sess.MessageCount = 3
	if !sess.Expired(now) {
		t.Fatal("message budget exhausted but not expired")
	}
	sess.MessageCount = 0
	if !sess.Expired(now.Add(3 * time.Hour)) {
		t.Fatal("age budget exhausted but not expired")
	}
}

func TestKeyRequestIndex(t *testing.T) {
	st := newTestStore(t)
	body := KeyRequestBody{
		RoomID:    "!room:example.org",
		SessionID: "sess",
		SenderKey: "sender",
		Algorithm: id.AlgorithmMegolmV1,
	}
	req := &OutgoingKeyRequest{
		RequestID:  "req-1",
		Body:       body,
		Recipients: []KeyRequestRecipient{{UserID: "@me:example.org", DeviceID: "*"}},
		State:      KeyRequestUnsent,
	}
	if err := st.PutKeyRequest(req); err != nil {
		t.Fatalf("PutKeyRequest: %v", err)
	}

	found, err := st.GetKeyRequestByBody(body)
	if err != nil {
		t.Fatalf("GetKeyRequestByBody: %v", err)
	}
	if found == nil || found.RequestID != "req-1" {
		t.Fatalf("lookup by body failed: %+v", found)
	}

	unsent, err := st.GetKeyRequests(KeyRequestUnsent)
	if err != nil {
		t.Fatalf("GetKeyRequests: %v", err)
	}
	if len(unsent) != 1 {
		t.Fatalf("want 1 unsent request, got %d", len(unsent))
	}

	if err := st.DeleteKeyRequest(req); err != nil {
		t.Fatalf("DeleteKeyRequest: %v", err)
	}
	found, err = st.GetKeyRequestByBody(body)
	if err != nil {
		t.Fatalf("GetKeyRequestByBody: %v", err)
	}
	if found != nil {
		t.Fatalf("request survived delete: %+v", found)
	}
}

func TestSignatures(t *testing.T) {
	st := newTestStore(t)
	alice := id.UserID("@alice:example.org")
	me := id.UserID("@me:example.org")

	if err := st.PutSignature(alice, "master-a", me, "usk-me", "sig1"); err != nil {
		t.Fatalf("PutSignature: %v", err)
	}
	signed, err := st.IsKeySignedBy(alice, "master-a", me, "usk-me")
	if err != nil {
		t.Fatalf("IsKeySignedBy: %v", err)
	}
	if !signed {
		t.Fatal("stored signature not found")
	}

	dropped, err := st.DropSignaturesByKey(me, "usk-me")
	if err != nil {
		t.Fatalf("DropSignaturesByKey: %v", err)
	}
	if dropped != 1 {
		t.Fatalf("want 1 dropped signature, got %d", dropped)
	}
	signed, err = st.IsKeySignedBy(alice, "master-a", me, "usk-me")
	if err != nil {
		t.Fatalf("IsKeySignedBy: %v", err)
	}
	if signed {
		t.Fatal("signature survived drop")
	}
}

func TestCrossSigningKeyFirstPreserved(t *testing.T) {
	st := newTestStore(t)
	alice := id.UserID("@alice:example.org")

	if err := st.PutCrossSigningKey(alice, id.XSUsageMaster, "master-1"); err != nil {
		t.Fatalf("PutCrossSigningKey: %v", err)
	}
	if err := st.PutCrossSigningKey(alice, id.XSUsageMaster, "master-2"); err != nil {
		t.Fatalf("PutCrossSigningKey: %v", err)
	}

	keys, err := st.GetCrossSigningKeys(alice)
	if err != nil {
		t.Fatalf("GetCrossSigningKeys: %v", err)
	}
	master := keys[id.XSUsageMaster]
	if master.Key != "master-2" {
		t.Fatalf("current key not updated: %+v", master)
	}
	if master.First != "master-1" {
		t.Fatalf("first seen key not preserved: %+v", master)
	}
}

func TestSecrets(t *testing.T) {
	st := newTestStore(t)

	if _, err := st.GetSecret("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := st.PutSecret("m.megolm_backup.v1", "seed"); err != nil {
		t.Fatalf("PutSecret: %v", err)
	}
	value, err := st.GetSecret("m.megolm_backup.v1")
	if err != nil {
		t.Fatalf("GetSecret: %v", err)
	}
	if value != "seed" {
		t.Fatalf("got %q", value)
	}
	if err := st.DeleteSecret("m.megolm_backup.v1"); err != nil {
		t.Fatalf("DeleteSecret: %v", err)
	}
	if _, err := st.GetSecret("m.megolm_backup.v1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after delete, got %v", err)
	}
}
