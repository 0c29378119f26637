package auth

import "time"

// Device is a field handset allowed to upload finished sessions.
type Device struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	KeyHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

type EnrollRequest struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	Key      string `json:"key"`
}

type TokenRequest struct {
	DeviceID string `json:"device_id"`
	Key      string `json:"key"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}
