package authapi

import "time"

type registerRequest struct {
	Email                string `json:"email"`
	Username             string `json:"username"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"passwordConfirmation"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

// deviceResponse is shared by login and registration; the client persists
// the id and replays it as the x-device-id hint.
type deviceResponse struct {
	DeviceID int64 `json:"deviceId"`
}

type refreshResponse struct {
	OK       bool  `json:"ok"`
	DeviceID int64 `json:"deviceId"`
}

type verifyEmailResponse struct {
	Success bool `json:"success"`
}

type tokenPeekResponse struct {
	Token string `json:"token"`
}

type sessionInfo struct {
	DeviceID  int64     `json:"deviceId"`
	Current   bool      `json:"current"`
	IP        string    `json:"ip,omitempty"`
	Country   string    `json:"country,omitempty"`
	Region    string    `json:"region,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type sessionListResponse struct {
	Sessions []sessionInfo `json:"sessions"`
}
