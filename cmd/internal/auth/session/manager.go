package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gambit/cmd/identity"
	"gambit/cmd/internal/auth/token"
)

// Manager implements the high-level session operations.
type Manager struct {
	codec   token.Codec
	store   Store
	devices identity.DeviceStore
	log     *slog.Logger
}

// Issued is the result of issuing (or reusing) a session.
type Issued struct {
	UserID   int64
	DeviceID int64

	AccessToken string
	AccessExp   time.Time

	RefreshToken string
	RefreshExp   time.Time

	// Reused is true when an existing refresh token was kept instead of
	// minting a new one.
	Reused bool
}

// Refreshed is the result of exchanging a refresh token for a new access token.
type Refreshed struct {
	UserID   int64
	DeviceID int64

	AccessToken string
	AccessExp   time.Time
}

// NewManager constructs a Manager. The logger may be nil.
func NewManager(codec token.Codec, store Store, devices identity.DeviceStore, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{codec: codec, store: store, devices: devices, log: log}
}

// Issue mints a fresh refresh token for (userID, deviceID), replaces any
// previous session row for that pair, and mints an access token.
func (m *Manager) Issue(ctx context.Context, userID, deviceID int64, meta Metadata, now time.Time) (Issued, error) {
	refresh, refreshExp, err := m.codec.SignRefresh(userID, deviceID, now)
	if err != nil {
		return Issued{}, err
	}

	if err := m.store.Replace(ctx, RefreshToken{
		Token:     refresh,
		UserID:    userID,
		DeviceID:  deviceID,
		IP:        meta.IP,
		Country:   meta.Country,
		Region:    meta.Region,
		CreatedAt: now,
		ExpiresAt: refreshExp,
	}); err != nil {
		return Issued{}, err
	}

	access, accessExp, err := m.codec.SignAccess(userID, now)
	if err != nil {
		return Issued{}, err
	}

	return Issued{
		UserID:       userID,
		DeviceID:     deviceID,
		AccessToken:  access,
		AccessExp:    accessExp,
		RefreshToken: refresh,
		RefreshExp:   refreshExp,
	}, nil
}

// ReuseOrIssue keeps the pair's existing refresh token when it is still
// valid, minting only a new access token; otherwise it issues from scratch.
// Logging in again on the same device therefore does not invalidate the
// session other tabs already hold.
func (m *Manager) ReuseOrIssue(ctx context.Context, userID, deviceID int64, meta Metadata, now time.Time) (Issued, error) {
	existing, err := m.store.GetByUserDevice(ctx, userID, deviceID)
	if err == nil && existing.ExpiresAt.After(now) {
		if _, verr := m.codec.VerifyRefresh(existing.Token, now); verr == nil {
			access, accessExp, serr := m.codec.SignAccess(userID, now)
			if serr != nil {
				return Issued{}, serr
			}
			return Issued{
				UserID:       userID,
				DeviceID:     deviceID,
				AccessToken:  access,
				AccessExp:    accessExp,
				RefreshToken: existing.Token,
				RefreshExp:   existing.ExpiresAt,
				Reused:       true,
			}, nil
		}
	}
	if err != nil && !errors.Is(err, ErrTokenNotFound) {
		return Issued{}, err
	}

	return m.Issue(ctx, userID, deviceID, meta, now)
}

// Refresh exchanges a refresh token for a new access token. The refresh
// token itself is left untouched.
//
// The device binding is taken from the verified claims and cross-checked
// against the stored row; request headers play no part.
func (m *Manager) Refresh(ctx context.Context, refreshToken string, now time.Time) (Refreshed, error) {
	claims, err := m.codec.VerifyRefresh(refreshToken, now)
	if err != nil {
		return Refreshed{}, ErrInvalidRefreshToken
	}

	row, err := m.store.GetByToken(ctx, refreshToken)
	if errors.Is(err, ErrTokenNotFound) {
		return Refreshed{}, ErrInvalidRefreshTokenDevice
	}
	if err != nil {
		return Refreshed{}, err
	}

	if !row.ExpiresAt.After(now) {
		// Sweep the dead row; failure here changes nothing for the caller.
		if _, derr := m.store.DeleteByToken(ctx, refreshToken); derr != nil {
			m.log.Warn("session.refresh.sweep.fail", "err", derr)
		}
		return Refreshed{}, ErrInvalidRefreshTokenDevice
	}

	if row.UserID != claims.UserID || row.DeviceID != claims.DeviceID {
		return Refreshed{}, ErrInvalidRefreshTokenDevice
	}

	if m.devices != nil {
		if terr := m.devices.TouchDevice(ctx, row.DeviceID, now); terr != nil {
			m.log.Warn("session.refresh.touch.fail", "device_id", row.DeviceID, "err", terr)
		}
	}

	access, accessExp, err := m.codec.SignAccess(row.UserID, now)
	if err != nil {
		return Refreshed{}, err
	}

	return Refreshed{
		UserID:      row.UserID,
		DeviceID:    row.DeviceID,
		AccessToken: access,
		AccessExp:   accessExp,
	}, nil
}

// RevokeInput carries whatever identifying evidence the logout request had.
// Zero values mean "unknown".
type RevokeInput struct {
	// RefreshToken is the raw refresh cookie value, possibly expired or garbage.
	RefreshToken string
	// UserID comes from verified access-token claims.
	UserID int64
	// DeviceID comes from the device hint header.
	DeviceID int64
}

// RevokeResult reports which strategy ran and how many rows it removed.
type RevokeResult struct {
	Strategy string
	Deleted  int64
}

// Revoke deletes session rows using the most precise evidence available.
// Exactly one strategy runs:
//
//	token        exact refresh token string
//	user_device  verified refresh claims (even for an expired signature)
//	user         access-token user id
//	device       device hint alone
//	none         nothing identifying; no-op
//
// Revocation is idempotent: deleting zero rows is success.
func (m *Manager) Revoke(ctx context.Context, in RevokeInput, now time.Time) (RevokeResult, error) {
	// An expired-but-authentic refresh token still identifies its pair.
	claimUser, claimDevice := m.peekRefreshPair(in.RefreshToken)

	type strategy struct {
		name string
		ok   bool
		run  func() (int64, error)
	}
	strategies := []strategy{
		{"token", in.RefreshToken != "", func() (int64, error) {
			return m.store.DeleteByToken(ctx, in.RefreshToken)
		}},
		{"user_device", claimUser > 0 && claimDevice > 0, func() (int64, error) {
			return m.store.DeleteByUserDevice(ctx, claimUser, claimDevice)
		}},
		{"user", in.UserID > 0, func() (int64, error) {
			return m.store.DeleteByUser(ctx, in.UserID)
		}},
		{"device", in.DeviceID > 0, func() (int64, error) {
			return m.store.DeleteByDevice(ctx, in.DeviceID)
		}},
	}

	for _, st := range strategies {
		if !st.ok {
			continue
		}
		n, err := st.run()
		if err != nil {
			return RevokeResult{Strategy: st.name}, err
		}
		// The token strategy falls through when the exact row is already
		// gone, so stale cookies still tear down the pair's session.
		if st.name == "token" && n == 0 {
			continue
		}
		return RevokeResult{Strategy: st.name, Deleted: n}, nil
	}

	return RevokeResult{Strategy: "none"}, nil
}

// Sessions lists a user's live sessions, newest first, dropping expired rows.
func (m *Manager) Sessions(ctx context.Context, userID int64, now time.Time) ([]RefreshToken, error) {
	rows, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	live := rows[:0]
	for _, row := range rows {
		if row.ExpiresAt.After(now) {
			live = append(live, row)
		}
	}
	return live, nil
}

// peekRefreshPair extracts (user, device) from a refresh token, tolerating
// an expired one. Garbage yields (0, 0).
func (m *Manager) peekRefreshPair(refreshToken string) (int64, int64) {
	if refreshToken == "" {
		return 0, 0
	}
	claims, err := m.codec.PeekRefresh(refreshToken)
	if err != nil {
		return 0, 0
	}
	return claims.UserID, claims.DeviceID
}
