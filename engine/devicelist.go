package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/crypt/transport"
)

const deviceFetchConcurrency = 4

// StartTrackingDeviceList idempotently adds a user to the tracked set and
// marks their list stale so the next refresh fetches it. Users that are
// already tracked keep their current freshness.
func (e *Engine) StartTrackingDeviceList(userID id.UserID) {
	if tracked, err := e.store.IsTrackedUser(userID); err != nil {
		e.log.Error("check tracked user", "user", userID, "err", err)
	} else if tracked {
		return
	}
	if _, loaded := e.outdatedUsers.LoadOrStore(userID, struct{}{}); loaded {
		return
	}
	if err := e.store.PutTrackedUser(userID, true); err != nil {
		e.log.Error("persist tracked user", "user", userID, "err", err)
	}
}

// StopTrackingDeviceList removes a user from the tracked set. Cached
// device data is not purged.
func (e *Engine) StopTrackingDeviceList(userID id.UserID) {
	e.outdatedUsers.Delete(userID)
	if err := e.store.StopTrackingUser(userID); err != nil {
		e.log.Error("persist stop tracking", "user", userID, "err", err)
	}
}

// InvalidateUserDeviceList marks a user's cached list stale without
// blocking; the next RefreshOutdatedDeviceLists call re-downloads it.
func (e *Engine) InvalidateUserDeviceList(userID id.UserID) {
	e.outdatedUsers.Store(userID, struct{}{})
	if err := e.store.PutTrackedUser(userID, true); err != nil {
		e.log.Error("persist outdated flag", "user", userID, "err", err)
	}
}

// RefreshOutdatedDeviceLists downloads every stale list with bounded
// concurrency. Per-user failures are logged and leave the stale flag set.
func (e *Engine) RefreshOutdatedDeviceLists(ctx context.Context) error {
	var users []id.UserID
	e.outdatedUsers.Range(func(userID id.UserID, _ struct{}) bool {
		users = append(users, userID)
		return true
	})
	if len(users) == 0 {
		return nil
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(deviceFetchConcurrency)
	for _, userID := range users {
		group.Go(func() error {
			if _, err := e.downloadUserDevices(ctx, userID); err != nil {
				e.log.Warn("device list refresh failed",
					"user", userID,
					"err", err,
				)
			}
			return nil
		})
	}
	return group.Wait()
}

// DownloadKeys returns device keys for the given users, serving fresh
// cache hits synchronously and fetching the rest unless forceDownload.
// Concurrent downloads for the same user coalesce into one request.
func (e *Engine) DownloadKeys(ctx context.Context, userIDs []id.UserID, forceDownload bool) (map[id.UserID]map[id.DeviceID]*id.Device, error) {
	out := make(map[id.UserID]map[id.DeviceID]*id.Device, len(userIDs))
	var toFetch []id.UserID
	for _, userID := range userIDs {
		_, outdated := e.outdatedUsers.Load(userID)
		if !outdated && !forceDownload {
			cached := e.GetRawStoredDevicesForUser(userID)
			if cached != nil {
				out[userID] = cached
				continue
			}
		}
		toFetch = append(toFetch, userID)
	}

	if len(toFetch) == 0 {
		return out, nil
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(deviceFetchConcurrency)
	results := make([]map[id.DeviceID]*id.Device, len(toFetch))
	for i, userID := range toFetch {
		group.Go(func() error {
			devices, err := e.downloadUserDevices(ctx, userID)
			if err != nil {
				return fmt.Errorf("download keys for %s: %w", userID, err)
			}
			results[i] = devices
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return out, err
	}
	for i, userID := range toFetch {
		out[userID] = results[i]
	}
	return out, nil
}

// downloadUserDevices fetches one user's device list, coalescing
// concurrent calls via singleflight. A network error keeps the previous
// cache and the stale flag.
func (e *Engine) downloadUserDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*id.Device, error) {
	result, err, _ := e.deviceFetchGroup.Do(userID.String(), func() (any, error) {
		resp, err := e.client.QueryKeys(ctx, &transport.ReqQueryKeys{
			DeviceKeys: map[id.UserID][]id.DeviceID{userID: {}},
		})
		if err != nil {
			return nil, err
		}
		devices := e.processDeviceKeysResponse(userID, resp.DeviceKeys[userID])
		e.processCrossSigningKeys(ctx, resp)

		e.stageDeviceWrite(userID, devices)
		e.outdatedUsers.Delete(userID)
		if err := e.store.PutTrackedUser(userID, false); err != nil {
			e.log.Error("persist fresh flag", "user", userID, "err", err)
		}
		return devices, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(map[id.DeviceID]*id.Device), nil
}

// processDeviceKeysResponse validates a /keys/query device map: devices
// must self-sign with their ed25519 key, claimed user/device ids must
// match, and a known device may never change identity keys. Verification
// state carries over from the stored record; devices absent from the
// response are the server-confirmed removals.
func (e *Engine) processDeviceKeysResponse(userID id.UserID, deviceKeys map[id.DeviceID]transport.DeviceKeys) map[id.DeviceID]*id.Device {
	existing := e.GetRawStoredDevicesForUser(userID)
	devices := make(map[id.DeviceID]*id.Device, len(deviceKeys))

	for deviceID, keys := range deviceKeys {
		if keys.UserID != userID || keys.DeviceID != deviceID {
			e.log.Warn("device keys with mismatched ids",
				"user", userID,
				"device", deviceID,
				"claimed_user", keys.UserID,
				"claimed_device", keys.DeviceID,
			)
			continue
		}
		signingKey := keys.Ed25519()
		identityKey := keys.Curve25519()
		if signingKey == "" || identityKey == "" {
			e.log.Warn("device keys missing required keys", "user", userID, "device", deviceID)
			continue
		}
		verified, err := signatures.VerifySignatureJSON(keys, userID, deviceID.String(), signingKey)
		if err != nil || !verified {
			e.log.Warn("device self-signature invalid",
				"user", userID,
				"device", deviceID,
				"err", err,
			)
			continue
		}

		device := &id.Device{
			UserID:      userID,
			DeviceID:    deviceID,
			IdentityKey: identityKey,
			SigningKey:  signingKey,
			Name:        keys.Unsigned.DeviceDisplayName,
		}
		if prev, ok := existing[deviceID]; ok {
			if prev.IdentityKey != identityKey || prev.SigningKey != signingKey {
				e.log.Warn("device changed identity keys, rejecting update",
					"user", userID,
					"device", deviceID,
				)
				devices[deviceID] = prev
				continue
			}
			device.Trust = prev.Trust
		}
		devices[deviceID] = device
	}
	return devices
}

// GetStoredDevice is a synchronous cache-only read; it never touches the
// network.
func (e *Engine) GetStoredDevice(userID id.UserID, deviceID id.DeviceID) *id.Device {
	e.pendingMu.Lock()
	if pending, ok := e.pendingDevices[userID]; ok {
		device := pending[deviceID]
		e.pendingMu.Unlock()
		return device
	}
	e.pendingMu.Unlock()

	device, err := e.store.GetDevice(userID, deviceID)
	if err != nil {
		e.log.Error("read stored device", "user", userID, "device", deviceID, "err", err)
		return nil
	}
	return device
}

// GetRawStoredDevicesForUser returns the cached device map, or nil when
// the user has never been fetched. Cache-only.
func (e *Engine) GetRawStoredDevicesForUser(userID id.UserID) map[id.DeviceID]*id.Device {
	e.pendingMu.Lock()
	if pending, ok := e.pendingDevices[userID]; ok {
		out := make(map[id.DeviceID]*id.Device, len(pending))
		for deviceID, device := range pending {
			out[deviceID] = device
		}
		e.pendingMu.Unlock()
		return out
	}
	e.pendingMu.Unlock()

	devices, err := e.store.GetDevices(userID)
	if err != nil {
		e.log.Error("read stored devices", "user", userID, "err", err)
		return nil
	}
	return devices
}

// SetDeviceVerification updates a device's local verification state and
// persists it immediately.
func (e *Engine) SetDeviceVerification(userID id.UserID, deviceID id.DeviceID, trust id.TrustState) error {
	device := e.GetStoredDevice(userID, deviceID)
	if device == nil {
		return fmt.Errorf("set verification: device %s/%s not known", userID, deviceID)
	}
	if device.Trust == trust {
		return nil
	}
	device.Trust = trust
	if err := e.store.PutDevice(userID, device); err != nil {
		return err
	}
	e.emit(Notification{
		Kind:     KindDeviceVerificationChanged,
		UserID:   userID,
		DeviceID: deviceID,
		Trusted:  trust == id.TrustStateVerified,
	})
	return nil
}

// stageDeviceWrite records a device list mutation and arms the debounced
// flush.
func (e *Engine) stageDeviceWrite(userID id.UserID, devices map[id.DeviceID]*id.Device) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if e.pendingDevices == nil {
		e.pendingDevices = make(map[id.UserID]map[id.DeviceID]*id.Device)
	}
	e.pendingDevices[userID] = devices
	if e.flushTimer == nil {
		e.flushTimer = time.AfterFunc(e.cfg.DeviceListFlushDelay, func() {
			if err := e.FlushDeviceLists(); err != nil {
				e.log.Error("debounced device flush failed", "err", err)
			}
		})
	}
}

// FlushDeviceLists writes all staged device lists immediately. Callers
// that need the data durable must use this rather than relying on the
// debounce timer.
func (e *Engine) FlushDeviceLists() error {
	e.pendingMu.Lock()
	pending := e.pendingDevices
	e.pendingDevices = nil
	if e.flushTimer != nil {
		e.flushTimer.Stop()
		e.flushTimer = nil
	}
	e.pendingMu.Unlock()

	for userID, devices := range pending {
		if err := e.store.PutDevices(userID, devices); err != nil {
			return fmt.Errorf("flush devices for %s: %w", userID, err)
		}
	}
	return nil
}
