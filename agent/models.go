package agent

import (
	"time"

	"github.com/jmcleod/ironsession/auth"
	"github.com/jmcleod/ironsession/session"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type VerifyEmailRequest struct {
	Email string `json:"email" validate:"required,email"`
	OTP   string `json:"otp" validate:"required"`
}

type UIDLoginRequest struct {
	UID string `json:"uid" validate:"required"`
}

type ResendOTPRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type NotificationTokenRequest struct {
	FCMToken string `json:"fcmToken" validate:"required"`
	Device   string `json:"device" validate:"required"`
}

// SessionResponse describes the local session.
type SessionResponse struct {
	State         auth.State     `json:"state"`
	Authenticated bool           `json:"authenticated"`
	Loading       bool           `json:"loading"`
	Health        session.Health `json:"health"`
	Monitoring    bool           `json:"monitoring"`
}

// ResultResponse reports the outcome of a session operation.
type ResultResponse struct {
	OK    bool       `json:"ok"`
	State auth.State `json:"state"`
}

// TokenResponse hands a usable access token to a local client.
type TokenResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}
