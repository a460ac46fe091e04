// Package device resolves the client-supplied device hint into a server-owned
// device row.
//
// A device id arriving in a header is only ever a hint. It is accepted when it
// parses as a positive integer AND names an existing device belonging to the
// authenticated user; anything else falls back to registering a fresh device.
// Trust in a device id comes exclusively from signed token claims, never from
// this header.
package device

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gambit/cmd/identity"
)

// HeaderDeviceID is the request header carrying the client's device hint.
const HeaderDeviceID = "x-device-id"

// Resolver turns request metadata into a device row.
type Resolver struct {
	store identity.DeviceStore
	log   *slog.Logger
}

// NewResolver builds a Resolver. The logger may be nil.
func NewResolver(store identity.DeviceStore, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{store: store, log: log}
}

// ParseID parses a device-id header value. Only positive base-10 integers
// are accepted.
func ParseID(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Resolve returns the device to bind this request to.
//
// If headerValue names an existing device owned by userID, that device is
// reused and its last-seen timestamp is bumped (best effort). Otherwise a new
// device is registered from the User-Agent.
func (r *Resolver) Resolve(ctx context.Context, userID int64, headerValue, userAgent string, now time.Time) (identity.Device, error) {
	if id, ok := ParseID(headerValue); ok {
		dev, err := r.store.GetDeviceByID(ctx, id)
		switch {
		case err == nil && dev.UserID == userID:
			if terr := r.store.TouchDevice(ctx, dev.ID, now); terr != nil {
				r.log.Warn("device.touch.fail", "device_id", dev.ID, "err", terr)
			}
			dev.LastSeenAt = now
			return dev, nil
		case err != nil && !identity.IsNotFound(err):
			return identity.Device{}, err
		}
		// Unknown id, or a device belonging to someone else: ignore the hint.
	}

	return r.store.CreateDevice(ctx, identity.CreateDeviceInput{
		UserID:     userID,
		UserAgent:  userAgent,
		DeviceType: Classify(userAgent),
		Now:        now,
	})
}
