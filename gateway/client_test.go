package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL: srv.URL,
		AppID:   "test-app",
		Timeout: 2 * time.Second,
		Breaker: BreakerConfig{Name: t.Name(), MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureRatio: 0.5, MinRequests: 3},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestAuthenticate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/authenticate", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "test-app", r.Header.Get("app_id"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ada@example.com", body["email"])
		assert.Equal(t, "hunter22", body["password"])

		writeJSON(w, http.StatusOK, map[string]any{
			"accessToken":  "a",
			"refreshToken": "r",
			"expiresIn":    3600,
			"user":         map[string]any{"id": "u1", "firstName": "Ada", "role": "ADMIN", "otp": "999999"},
		})
	})

	resp, err := c.Authenticate(context.Background(), "ada@example.com", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, "a", resp.AccessToken)
	assert.Equal(t, "r", resp.RefreshToken)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, "Ada", resp.User.FirstName)
}

func TestAuthenticate_LegacyTokenField(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"token": "legacy", "refreshToken": "r", "expiresIn": 60})
	})
	resp, err := c.Authenticate(context.Background(), "ada@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "legacy", resp.AccessToken)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		want    error
		message string
	}{
		{"Unauthorized", http.StatusUnauthorized, `{"message":"Bad credentials"}`, ErrInvalidCredentials, "Bad credentials"},
		{"BadRequestText", http.StatusBadRequest, `email not verified`, ErrInvalidCredentials, "email not verified"},
		{"NotFoundNoBody", http.StatusNotFound, ``, ErrInvalidCredentials, "Not Found"},
		{"ServerError", http.StatusInternalServerError, `{"error":"db down"}`, ErrServer, "db down"},
		{"BadGatewayHTML", http.StatusBadGateway, `<html>oops</html>`, ErrServer, "Bad Gateway"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.Authenticate(context.Background(), "ada@example.com", "pw")
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.message, Message(err))

			var gerr *Error
			require.ErrorAs(t, err, &gerr)
			assert.Equal(t, tc.status, gerr.Status)
			assert.Equal(t, OpAuthenticate, gerr.Op)
		})
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(Config{BaseURL: url})
	_, err := c.Refresh(context.Background(), "r")
	assert.ErrorIs(t, err, ErrNetwork)
	assert.NotErrorIs(t, err, ErrServer)
}

func TestTimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Verify(ctx, "a")
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestMalformedResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"accessToken": "a", "expiresIn": 60})
	})
	_, err := c.Refresh(context.Background(), "r")
	assert.ErrorIs(t, err, ErrServer)
}

func TestRequestValidation(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	_, err := c.Authenticate(context.Background(), "not-an-email", "pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Contains(t, Message(err), "Email must be a valid email address")

	_, err = c.Refresh(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	assert.Zero(t, calls.Load(), "invalid requests never reach the server")
}

func TestLogout(t *testing.T) {
	t.Run("True", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "a", body["token"])
			_, _ = w.Write([]byte("true"))
		})
		ok, err := c.Logout(context.Background(), "a")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("EmptyBody", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		ok, err := c.Logout(context.Background(), "a")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestVerify(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/check", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"id": "u1", "email": "ada@example.com", "isEmailVerified": true})
	})
	p, err := c.Verify(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "u1", p.ID)
	assert.True(t, p.EmailVerified)
}

func TestRegister(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Ada", body["firstname"])
		assert.Equal(t, "EMAIL", body["loginType"])
		writeJSON(w, http.StatusCreated, RegisterResponse{Message: "check your inbox", Email: "ada@example.com", EmailSent: true, Status: "PENDING"})
	})

	resp, err := c.Register(context.Background(), RegisterRequest{
		FirstName: "Ada", LastName: "Lovelace", Username: "ada", Email: "ada@example.com",
		Password: "analytical", NIC: "123", Phone: "555", Address: "London", Role: "EMPLOYEE", LoginType: "EMAIL",
	})
	require.NoError(t, err)
	assert.True(t, resp.EmailSent)

	_, err = c.Register(context.Background(), RegisterRequest{Email: "ada@example.com"})
	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields(), "FirstName")
}

func TestTextOperations(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/fcm-token":
			writeJSON(w, http.StatusOK, "saved")
		case "/auth/forget-password":
			_, _ = w.Write([]byte("password changed"))
		case "/auth/resend-otp":
			writeJSON(w, http.StatusOK, "sent")
		case "/auth/verify-email":
			writeJSON(w, http.StatusOK, map[string]any{"accessToken": "a", "refreshToken": "r", "expiresIn": 60, "user": map[string]any{"id": "u1", "isEmailVerified": true}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	s, err := c.SaveNotificationToken(ctx, NotificationTokenRequest{Token: "a", FCMToken: "fcm", Device: "cli"})
	require.NoError(t, err)
	assert.Equal(t, "saved", s)

	s, err = c.ForgetPassword(ctx, ForgetPasswordRequest{Email: "ada@example.com", OldPassword: "old", NewPassword: "newpassword"})
	require.NoError(t, err)
	assert.Equal(t, "password changed", s)

	s, err = c.ResendOTP(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, "sent", s)

	resp, err := c.VerifyEmail(ctx, VerifyEmailRequest{Email: "ada@example.com", OTP: "123456"})
	require.NoError(t, err)
	assert.True(t, resp.User.EmailVerified)
}

func TestLookupUID(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		if r.URL.Path != "/auth/uid/g:42/x" {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "No account is linked to this sign-in"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"accessToken": "a", "refreshToken": "r", "expiresIn": 60, "user": map[string]any{"id": "u1"}})
	})
	ctx := context.Background()

	resp, err := c.LookupUID(ctx, "g:42/x")
	require.NoError(t, err)
	assert.Equal(t, "/auth/uid/g:42%2Fx", gotPath)
	assert.Equal(t, "a", resp.AccessToken)

	_, err = c.LookupUID(ctx, "unknown")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, "No account is linked to this sign-in", Message(err))

	_, err = c.LookupUID(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestBreakerTripsOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for range 3 {
		_, err := c.Refresh(context.Background(), "r")
		require.ErrorIs(t, err, ErrServer)
	}
	assert.Equal(t, gobreaker.StateOpen, c.BreakerState())

	_, err := c.Refresh(context.Background(), "r")
	assert.ErrorIs(t, err, ErrNetwork, "open breaker reads as unreachable")
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(3), calls.Load())
}

func TestBreakerIgnoresRejectedCredentials(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Bad credentials"})
	})
	for range 5 {
		_, err := c.Authenticate(context.Background(), "ada@example.com", "wrong")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	assert.Equal(t, gobreaker.StateClosed, c.BreakerState())
}

func TestErrorString(t *testing.T) {
	err := &Error{Kind: KindInvalidCredentials, Op: OpAuthenticate, Status: 401, Message: "Bad credentials"}
	assert.Equal(t, "authenticate: invalid_credentials (401): Bad credentials", err.Error())

	err = &Error{Kind: KindNetwork, Op: OpRefresh, Err: errors.New("dial tcp: refused")}
	assert.Equal(t, "refresh: network: dial tcp: refused", err.Error())
	assert.Equal(t, "", Message(errors.New("plain")))
}
