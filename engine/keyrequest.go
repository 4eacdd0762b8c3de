package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/crypt/store"
	"github.com/arko-chat/crypt/transport"
)

const (
	keyRequestActionRequest = "request"
	keyRequestActionCancel  = "request_cancellation"
)

// m.room_key_request wire content.
type keyRequestEventContent struct {
	Action             string               `json:"action"`
	Body               store.KeyRequestBody `json:"body,omitempty"`
	RequestingDeviceID id.DeviceID          `json:"requesting_device_id"`
	RequestID          string               `json:"request_id"`
}

// IncomingKeyRequest is a key request from another device, surfaced to the
// application when it cannot be auto-granted.
type IncomingKeyRequest struct {
	Sender    id.UserID
	DeviceID  id.DeviceID
	RequestID string
	Body      store.KeyRequestBody
}

// requestRoomKey asks our other devices for a session we are missing. A
// request for the same session that is already in flight is not repeated.
func (e *Engine) requestRoomKey(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) error {
	body := store.KeyRequestBody{
		RoomID:    roomID,
		SessionID: sessionID,
		SenderKey: senderKey,
		Algorithm: id.AlgorithmMegolmV1,
	}
	existing, err := e.store.GetKeyRequestByBody(body)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	req := &store.OutgoingKeyRequest{
		RequestID: uuid.NewString(),
		Body:      body,
		Recipients: []store.KeyRequestRecipient{
			{UserID: e.cfg.UserID, DeviceID: "*"},
		},
		State: store.KeyRequestUnsent,
	}
	if err := e.store.PutKeyRequest(req); err != nil {
		return err
	}
	return e.sendKeyRequestEvent(ctx, req, keyRequestActionRequest)
}

// RerequestRoomKey cancels any outstanding request for the session and
// sends a fresh one. Meant for explicit user action when the original
// request went unanswered.
func (e *Engine) RerequestRoomKey(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) error {
	body := store.KeyRequestBody{
		RoomID:    roomID,
		SessionID: sessionID,
		SenderKey: senderKey,
		Algorithm: id.AlgorithmMegolmV1,
	}
	e.cancelKeyRequest(ctx, body)
	return e.requestRoomKey(ctx, roomID, senderKey, sessionID)
}

// cancelKeyRequest tells the recipients of an outgoing request that the
// key arrived and drops the request record. Best effort: the cancel is
// advisory.
func (e *Engine) cancelKeyRequest(ctx context.Context, body store.KeyRequestBody) {
	req, err := e.store.GetKeyRequestByBody(body)
	if err != nil {
		e.log.Error("look up key request to cancel", "session", body.SessionID, "err", err)
		return
	}
	if req == nil {
		return
	}
	if req.State == store.KeyRequestSent {
		if err := e.sendKeyRequestEvent(ctx, req, keyRequestActionCancel); err != nil {
			e.log.Warn("send key request cancellation failed", "request_id", req.RequestID, "err", err)
		}
	}
	if err := e.store.DeleteKeyRequest(req); err != nil {
		e.log.Error("delete key request", "request_id", req.RequestID, "err", err)
	}
}

func (e *Engine) sendKeyRequestEvent(ctx context.Context, req *store.OutgoingKeyRequest, action string) error {
	content := keyRequestEventContent{
		Action:             action,
		RequestingDeviceID: e.cfg.DeviceID,
		RequestID:          req.RequestID,
	}
	if action == keyRequestActionRequest {
		content.Body = req.Body
	}
	raw, err := json.Marshal(&content)
	if err != nil {
		return err
	}
	messages := make(map[id.UserID]map[id.DeviceID]json.RawMessage)
	for _, recipient := range req.Recipients {
		if messages[recipient.UserID] == nil {
			messages[recipient.UserID] = make(map[id.DeviceID]json.RawMessage)
		}
		messages[recipient.UserID][recipient.DeviceID] = raw
	}
	err = e.client.SendToDevice(ctx, event.ToDeviceRoomKeyRequest, &transport.ReqSendToDevice{Messages: messages})
	if err != nil {
		return fmt.Errorf("send key request event: %w", err)
	}
	if action == keyRequestActionRequest && req.State != store.KeyRequestSent {
		req.State = store.KeyRequestSent
		return e.store.PutKeyRequest(req)
	}
	return nil
}

// handleKeyRequestEvent buffers an incoming request or cancellation. The
// batch is decided in drainKeyRequests after the sync cycle, so a request
// and its cancellation in one batch annihilate without a share.
func (e *Engine) handleKeyRequestEvent(ctx context.Context, evt *event.Event) error {
	raw, err := contentJSON(evt)
	if err != nil {
		return err
	}
	var content keyRequestEventContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return fmt.Errorf("parse key request content: %w", err)
	}
	if evt.Sender == e.cfg.UserID && content.RequestingDeviceID == e.cfg.DeviceID {
		// Our own request echoed back.
		return nil
	}

	req := &IncomingKeyRequest{
		Sender:    evt.Sender,
		DeviceID:  content.RequestingDeviceID,
		RequestID: content.RequestID,
		Body:      content.Body,
	}
	e.keyReqMu.Lock()
	defer e.keyReqMu.Unlock()
	switch content.Action {
	case keyRequestActionRequest:
		e.queuedRequests = append(e.queuedRequests, req)
	case keyRequestActionCancel:
		e.queuedCancels = append(e.queuedCancels, req)
	default:
		e.log.Debug("unknown key request action", "action", content.Action, "sender", evt.Sender)
	}
	return nil
}

// drainKeyRequests decides the buffered batch: cancellations are matched
// against requests first, then surviving requests are shared or escalated.
// Reentrant drains coalesce into one follow-up pass.
func (e *Engine) drainKeyRequests(ctx context.Context) {
	e.keyReqMu.Lock()
	if e.draining {
		e.drainQueued = true
		e.keyReqMu.Unlock()
		return
	}
	e.draining = true
	for {
		requests := e.queuedRequests
		cancels := e.queuedCancels
		e.queuedRequests = nil
		e.queuedCancels = nil
		e.keyReqMu.Unlock()

		cancelled := make(map[string]bool, len(cancels))
		for _, cancel := range cancels {
			cancelled[cancel.Sender.String()+"|"+cancel.RequestID] = true
		}
		for _, req := range requests {
			if cancelled[req.Sender.String()+"|"+req.RequestID] {
				continue
			}
			if err := e.processIncomingKeyRequest(ctx, req); err != nil {
				e.log.Error("process key request failed",
					"sender", req.Sender,
					"device", req.DeviceID,
					"session", req.Body.SessionID,
					"err", err,
				)
			}
		}

		e.keyReqMu.Lock()
		if !e.drainQueued {
			break
		}
		e.drainQueued = false
	}
	e.draining = false
	e.keyReqMu.Unlock()
}

// processIncomingKeyRequest shares a session with a verified device of our
// own user, escalates to the ApproveKeyShare callback when one is set, and
// otherwise surfaces the request as a notification.
func (e *Engine) processIncomingKeyRequest(ctx context.Context, req *IncomingKeyRequest) error {
	if req.Sender != e.cfg.UserID {
		// Only our own devices may pull keys out of us.
		return nil
	}
	if req.Body.Algorithm != id.AlgorithmMegolmV1 {
		return nil
	}
	device, err := e.store.GetDevice(req.Sender, req.DeviceID)
	if err != nil {
		return err
	}
	if device == nil || device.Trust == id.TrustStateBlacklisted {
		return nil
	}

	switch {
	case e.IsDeviceTrusted(device):
		return e.sendForwardedRoomKey(ctx, req, device)
	case e.callbacks.ApproveKeyShare != nil:
		if e.callbacks.ApproveKeyShare(ctx, req) {
			return e.sendForwardedRoomKey(ctx, req, device)
		}
		return nil
	default:
		e.emit(Notification{
			Kind:       KindRoomKeyRequest,
			UserID:     req.Sender,
			DeviceID:   req.DeviceID,
			RoomID:     req.Body.RoomID,
			SessionID:  req.Body.SessionID,
			SenderKey:  req.Body.SenderKey,
			KeyRequest: req,
		})
		return nil
	}
}

// sendForwardedRoomKey exports the requested session from its first known
// index and sends it to the requester over olm.
func (e *Engine) sendForwardedRoomKey(ctx context.Context, req *IncomingKeyRequest, device *id.Device) error {
	rec, err := e.store.GetGroupSession(req.Body.SenderKey, req.Body.SessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		e.log.Debug("requested session not found", "session", req.Body.SessionID)
		return nil
	}

	exported, err := e.exportGroupSession(rec)
	if err != nil {
		return err
	}
	content := &forwardedRoomKeyContent{
		Algorithm:        id.AlgorithmMegolmV1,
		RoomID:           rec.RoomID,
		SenderKey:        rec.SenderKey,
		SessionID:        rec.SessionID,
		SessionKey:       exported,
		SenderClaimedKey: rec.SenderClaimedKey,
		ForwardingChains: rec.ForwardingChains,
	}

	result, err := e.EnsureSessionsForDevices(ctx, map[id.UserID][]*id.Device{device.UserID: {device}}, false)
	if err != nil {
		return err
	}
	if deviceErr, failed := result.Failed[device.UserID][device.DeviceID]; failed {
		return deviceErr
	}
	encrypted, err := e.encryptOlm(device, event.ToDeviceForwardedRoomKey.Type, content)
	if err != nil {
		return err
	}
	return e.client.SendToDevice(ctx, event.ToDeviceEncrypted, &transport.ReqSendToDevice{
		Messages: map[id.UserID]map[id.DeviceID]json.RawMessage{
			device.UserID: {device.DeviceID: encrypted},
		},
	})
}
