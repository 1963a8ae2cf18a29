// Package gateway is the HTTP client for the remote authentication service.
// Each operation is a single request; retry policy belongs to callers.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/jmcleod/ironsession/credential"
	"github.com/jmcleod/ironsession/internal/logger"
	"github.com/jmcleod/ironsession/internal/metrics"
	"github.com/jmcleod/ironsession/internal/uuid"
)

const (
	DefaultBaseURL = "http://localhost:9192/api/v1"
	DefaultTimeout = 15 * time.Second

	maxResponseBytes = 1 << 20
	maxMessageLen    = 256
)

// Operation names, used in errors, logs and metrics.
const (
	OpAuthenticate          = "authenticate"
	OpRefresh               = "refresh"
	OpLogout                = "logout"
	OpVerify                = "check"
	OpRegister              = "register"
	OpSaveNotificationToken = "fcm-token"
	OpForgetPassword        = "forget-password"
	OpVerifyEmail           = "verify-email"
	OpResendOTP             = "resend-otp"
	OpLookupUID             = "uid"
)

// BreakerConfig tunes the circuit breaker in front of the auth service.
type BreakerConfig struct {
	Name         string
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

// DefaultBreakerConfig trips after half of at least five requests fail and
// lets a trial request through after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:         "auth-gateway",
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// Config configures a Client.
type Config struct {
	BaseURL string
	AppID   string
	Timeout time.Duration
	Breaker BreakerConfig
}

// Client talks to the auth service.
type Client struct {
	baseURL string
	appID   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	log     *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its Timeout is kept.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New returns a Client for cfg.
func New(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker = DefaultBreakerConfig()
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		appID:   cfg.AppID,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.Component(c.log, "gateway")
	c.breaker = newBreaker(cfg.Breaker, c.log)
	return c
}

func newBreaker(cfg BreakerConfig, log *slog.Logger) *gobreaker.CircuitBreaker[[]byte] {
	metrics.BreakerState.WithLabelValues(cfg.Name).Set(0)
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		// A rejected login says nothing about the health of the service.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrInvalidCredentials)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			metrics.BreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Authenticate exchanges email and password for a credential bundle.
func (c *Client) Authenticate(ctx context.Context, email, password string) (*AuthResponse, error) {
	return c.authCall(ctx, OpAuthenticate, "/auth/authenticate", authenticateRequest{Email: email, Password: password})
}

// Refresh exchanges a refresh token for a new bundle.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	return c.authCall(ctx, OpRefresh, "/auth/refresh", tokenRequest{Token: refreshToken})
}

// VerifyEmail confirms an email with its one-time code and signs the user in.
func (c *Client) VerifyEmail(ctx context.Context, req VerifyEmailRequest) (*AuthResponse, error) {
	return c.authCall(ctx, OpVerifyEmail, "/auth/verify-email", req)
}

// Logout revokes the access token server-side.
func (c *Client) Logout(ctx context.Context, accessToken string) (bool, error) {
	body, err := c.call(ctx, OpLogout, "/auth/logout", tokenRequest{Token: accessToken})
	if err != nil {
		return false, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true, nil
	}
	var ok bool
	if err := json.Unmarshal(body, &ok); err != nil {
		return false, c.malformed(OpLogout, err)
	}
	return ok, nil
}

// Verify checks an access token and returns the current profile.
func (c *Client) Verify(ctx context.Context, accessToken string) (*credential.Profile, error) {
	body, err := c.call(ctx, OpVerify, "/auth/check", tokenRequest{Token: accessToken})
	if err != nil {
		return nil, err
	}
	var p credential.Profile
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, c.malformed(OpVerify, err)
	}
	if p.ID == "" && p.Email == "" {
		return nil, c.malformed(OpVerify, errors.New("empty profile"))
	}
	return &p, nil
}

// Register creates an account. The user must verify their email before
// they can sign in.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	body, err := c.call(ctx, OpRegister, "/auth/register", req)
	if err != nil {
		return nil, err
	}
	var resp RegisterResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, c.malformed(OpRegister, err)
	}
	return &resp, nil
}

// SaveNotificationToken registers a push-notification token for the session.
func (c *Client) SaveNotificationToken(ctx context.Context, req NotificationTokenRequest) (string, error) {
	return c.textCall(ctx, OpSaveNotificationToken, "/auth/fcm-token", req)
}

// ForgetPassword changes the account password.
func (c *Client) ForgetPassword(ctx context.Context, req ForgetPasswordRequest) (string, error) {
	return c.textCall(ctx, OpForgetPassword, "/auth/forget-password", req)
}

// ResendOTP asks the service to send a new email verification code.
func (c *Client) ResendOTP(ctx context.Context, email string) (string, error) {
	return c.textCall(ctx, OpResendOTP, "/auth/resend-otp", emailRequest{Email: email})
}

// LookupUID signs in with an identity-provider uid already linked to an
// account.
func (c *Client) LookupUID(ctx context.Context, uid string) (*AuthResponse, error) {
	return c.authCall(ctx, OpLookupUID, "/auth/uid/"+url.PathEscape(uid), uidRequest{UID: uid})
}

func (c *Client) authCall(ctx context.Context, op, path string, payload any) (*AuthResponse, error) {
	body, err := c.call(ctx, op, path, payload)
	if err != nil {
		return nil, err
	}
	var resp AuthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, c.malformed(op, err)
	}
	resp.normalize()
	if err := Validate(&resp); err != nil {
		return nil, c.malformed(op, err)
	}
	return &resp, nil
}

// textCall decodes a bare string response, JSON-quoted or not.
func (c *Client) textCall(ctx context.Context, op, path string, payload any) (string, error) {
	body, err := c.call(ctx, op, path, payload)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		return s, nil
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *Client) malformed(op string, err error) error {
	metrics.GatewayRequests.WithLabelValues(op, "malformed").Inc()
	return &Error{Kind: KindServer, Op: op, Message: "malformed response", Err: err}
}

// call validates payload, posts it and returns the 2xx response body.
func (c *Client) call(ctx context.Context, op, path string, payload any) ([]byte, error) {
	if err := Validate(payload); err != nil {
		metrics.GatewayRequests.WithLabelValues(op, "invalid_request").Inc()
		return nil, &Error{Kind: KindInvalidCredentials, Op: op, Message: err.Error(), Err: err}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Op: op, Err: fmt.Errorf("encoding request: %w", err)}
	}

	requestID := uuid.New()
	start := time.Now()
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.post(ctx, op, path, requestID, data)
	})
	metrics.GatewayDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &Error{Kind: KindNetwork, Op: op, Message: "auth service temporarily unavailable", Err: err}
	}
	if err != nil {
		var gerr *Error
		outcome := "error"
		if errors.As(err, &gerr) {
			outcome = gerr.Kind.String()
		}
		metrics.GatewayRequests.WithLabelValues(op, outcome).Inc()
		c.log.DebugContext(ctx, "auth request failed", "op", op, "request_id", requestID, "error", err)
		return nil, err
	}
	metrics.GatewayRequests.WithLabelValues(op, "ok").Inc()
	return body, nil
}

func (c *Client) post(ctx context.Context, op, path, requestID string, data []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Op: op, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.appID != "" {
		req.Header.Set("app_id", c.appID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &Error{Kind: KindServer, Op: op, Status: resp.StatusCode, Message: serverMessage(body, resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, &Error{Kind: KindInvalidCredentials, Op: op, Status: resp.StatusCode, Message: serverMessage(body, resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &Error{Kind: KindServer, Op: op, Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return body, nil
}

// serverMessage pulls a human-readable message out of an error body.
func serverMessage(body []byte, status int) string {
	var envelope struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Error != "" {
			return envelope.Error
		}
	}
	text := strings.TrimSpace(string(body))
	if text == "" || strings.HasPrefix(text, "{") || strings.HasPrefix(text, "<") {
		return http.StatusText(status)
	}
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen]
	}
	return text
}
