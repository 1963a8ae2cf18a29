package gateway

import "github.com/jmcleod/ironsession/credential"

// AuthResponse is returned by authenticate, refresh and verify-email.
type AuthResponse struct {
	AccessToken  string             `json:"accessToken" validate:"required"`
	RefreshToken string             `json:"refreshToken" validate:"required"`
	ExpiresIn    int64              `json:"expiresIn" validate:"gt=0"`
	User         credential.Profile `json:"user"`

	// Token is the legacy name for AccessToken.
	Token string `json:"token,omitempty"`
}

func (r *AuthResponse) normalize() {
	if r.AccessToken == "" {
		r.AccessToken = r.Token
	}
}

type authenticateRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type tokenRequest struct {
	Token string `json:"token" validate:"required"`
}

type uidRequest struct {
	UID string `json:"uid" validate:"required"`
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// RegisterRequest is the account sign-up payload.
type RegisterRequest struct {
	FirstName      string `json:"firstname" validate:"required"`
	LastName       string `json:"lastname" validate:"required"`
	Username       string `json:"username" validate:"required"`
	Email          string `json:"email" validate:"required,email"`
	Password       string `json:"password" validate:"required,min=8"`
	NIC            string `json:"nic" validate:"required"`
	Phone          string `json:"phone" validate:"required"`
	Address        string `json:"address" validate:"required"`
	Branch         string `json:"branch,omitempty"`
	Role           string `json:"role" validate:"required"`
	LoginType      string `json:"loginType" validate:"required"`
	UID            string `json:"uid,omitempty"`
	FCMToken       string `json:"fcmToken,omitempty"`
	RecaptchaToken string `json:"recaptchaToken,omitempty"`
}

// RegisterResponse reports whether the verification email went out.
type RegisterResponse struct {
	Message   string `json:"message"`
	Email     string `json:"email"`
	EmailSent bool   `json:"emailSent"`
	Status    string `json:"status"`
}

// NotificationTokenRequest binds a push-notification token to the session.
type NotificationTokenRequest struct {
	Token    string `json:"token" validate:"required"`
	FCMToken string `json:"fcmToken" validate:"required"`
	Device   string `json:"device" validate:"required"`
}

// ForgetPasswordRequest changes a password given the old one.
type ForgetPasswordRequest struct {
	Email       string `json:"email" validate:"required,email"`
	OldPassword string `json:"oldPassword" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required,min=8"`
}

// VerifyEmailRequest confirms an email address with a one-time code.
type VerifyEmailRequest struct {
	Email string `json:"email" validate:"required,email"`
	OTP   string `json:"otp" validate:"required"`
}
