// Package auth is the authentication state machine. It turns gateway and
// storage outcomes into state transitions, persisted credentials and user
// notifications; callers only ever see booleans and state snapshots.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jmcleod/ironsession/credential"
	"github.com/jmcleod/ironsession/expiry"
	"github.com/jmcleod/ironsession/gateway"
	"github.com/jmcleod/ironsession/internal/clock"
	"github.com/jmcleod/ironsession/internal/logger"
	"github.com/jmcleod/ironsession/internal/metrics"
	"github.com/jmcleod/ironsession/lock"
	"github.com/jmcleod/ironsession/notify"
	"github.com/jmcleod/ironsession/session"
)

var (
	// ErrNotAuthenticated means no credentials are stored.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrRefreshTokenExpired means the session outlived its refresh token
	// and the user must sign in again.
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	// ErrSessionExpired means a needed refresh failed.
	ErrSessionExpired = errors.New("session expired")

	errStale = errors.New("superseded by a newer session")
)

// Notification lifetimes.
const (
	shortNotice = 3 * time.Second
	longNotice  = 5 * time.Second
)

const (
	refreshLockKey = "refresh"
	// DefaultLockTTL bounds how long one process may hold the refresh lock.
	DefaultLockTTL = 30 * time.Second
	lockPoll       = 100 * time.Millisecond
)

// Gateway is the subset of *gateway.Client the machine calls.
type Gateway interface {
	Authenticate(ctx context.Context, email, password string) (*gateway.AuthResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*gateway.AuthResponse, error)
	Logout(ctx context.Context, accessToken string) (bool, error)
	Verify(ctx context.Context, accessToken string) (*credential.Profile, error)
	VerifyEmail(ctx context.Context, req gateway.VerifyEmailRequest) (*gateway.AuthResponse, error)
	Register(ctx context.Context, req gateway.RegisterRequest) (*gateway.RegisterResponse, error)
	SaveNotificationToken(ctx context.Context, req gateway.NotificationTokenRequest) (string, error)
	ForgetPassword(ctx context.Context, req gateway.ForgetPasswordRequest) (string, error)
	ResendOTP(ctx context.Context, email string) (string, error)
	LookupUID(ctx context.Context, uid string) (*gateway.AuthResponse, error)
}

// Machine is the authentication state machine for one session.
type Machine struct {
	store    *credential.Store
	gw       Gateway
	policy   expiry.Policy
	notifier notify.Notifier
	locker   lock.Locker
	lockTTL  time.Duration
	clock    clock.Clock
	log      *slog.Logger

	flight singleflight.Group
	subs   subscribers

	mu    sync.Mutex
	state State
	// generation changes on every login, logout and expiry. Responses to
	// requests dispatched under an older generation are dropped.
	generation uint64
}

// Option customizes a Machine.
type Option func(*Machine)

func WithNotifier(n notify.Notifier) Option {
	return func(m *Machine) { m.notifier = n }
}

// WithLocker serializes refreshes across processes sharing the store.
func WithLocker(l lock.Locker, ttl time.Duration) Option {
	return func(m *Machine) {
		m.locker = l
		if ttl > 0 {
			m.lockTTL = ttl
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// New returns a Machine in the Unauthenticated state.
func New(store *credential.Store, gw Gateway, policy expiry.Policy, opts ...Option) *Machine {
	m := &Machine{
		store:    store,
		gw:       gw,
		policy:   policy,
		notifier: notify.Discard,
		lockTTL:  DefaultLockTTL,
		clock:    clock.Real{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logger.Component(m.log, "auth")
	return m
}

// State returns the current snapshot.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Subscribe registers fn for state changes. fn runs synchronously on the
// goroutine that caused the change, after persistence. The returned func
// unsubscribes.
func (m *Machine) Subscribe(fn func(State)) (cancel func()) {
	return m.subs.add(fn)
}

// Login authenticates with email and password.
func (m *Machine) Login(ctx context.Context, email, password string) bool {
	gen := m.begin(StatusAuthenticating)
	m.publish()

	dispatched := m.clock.Now()
	resp, err := m.gw.Authenticate(ctx, email, password)
	if err != nil {
		m.log.Warn("login failed", "error", err)
		m.loginFailed(gen, gateway.Message(err))
		return false
	}
	if err := m.establish(gen, resp, dispatched); err != nil {
		if !errors.Is(err, errStale) {
			m.loginFailed(gen, "")
		}
		return false
	}
	metrics.Logins.WithLabelValues(metrics.OutcomeSuccess).Inc()
	m.notifier.Notify(notify.Success, "Welcome back!", "Successfully signed in as "+resp.User.DisplayName(), shortNotice)
	return true
}

// LoginWithUID signs in with an identity-provider uid linked to the
// account.
func (m *Machine) LoginWithUID(ctx context.Context, uid string) bool {
	gen := m.begin(StatusAuthenticating)
	m.publish()

	dispatched := m.clock.Now()
	resp, err := m.gw.LookupUID(ctx, uid)
	if err != nil {
		m.log.Warn("uid login failed", "error", err)
		m.loginFailed(gen, gateway.Message(err))
		return false
	}
	if err := m.establish(gen, resp, dispatched); err != nil {
		if !errors.Is(err, errStale) {
			m.loginFailed(gen, "")
		}
		return false
	}
	metrics.Logins.WithLabelValues(metrics.OutcomeSuccess).Inc()
	m.notifier.Notify(notify.Success, "Welcome back!", "Successfully signed in as "+resp.User.DisplayName(), shortNotice)
	return true
}

// VerifyEmail confirms the account with a one-time code and signs in with
// the credentials the server returns.
func (m *Machine) VerifyEmail(ctx context.Context, email, otp string) bool {
	gen := m.begin(StatusAuthenticating)
	m.publish()

	dispatched := m.clock.Now()
	resp, err := m.gw.VerifyEmail(ctx, gateway.VerifyEmailRequest{Email: email, OTP: otp})
	if err == nil {
		err = m.establish(gen, resp, dispatched)
	}
	if errors.Is(err, errStale) {
		return false
	}
	if err != nil {
		m.log.Warn("email verification failed", "error", err)
		if m.reset(gen) {
			m.publish()
		}
		msg := gateway.Message(err)
		if msg == "" {
			msg = "The verification code is invalid or has expired"
		}
		m.notifier.Notify(notify.Error, "Verification Failed", msg, longNotice)
		return false
	}
	m.notifier.Notify(notify.Success, "Email Verified", "Your email address has been verified", shortNotice)
	return true
}

// Register creates an account. The user signs in after verifying the
// email address, so the state does not change.
func (m *Machine) Register(ctx context.Context, req gateway.RegisterRequest) (*gateway.RegisterResponse, bool) {
	resp, err := m.gw.Register(ctx, req)
	if err != nil {
		m.log.Warn("registration failed", "error", err)
		msg := gateway.Message(err)
		if msg == "" {
			msg = "Registration could not be completed"
		}
		m.notifier.Notify(notify.Error, "Registration Failed", msg, longNotice)
		return nil, false
	}
	m.notifier.Notify(notify.Success, "Account Created", "Check "+resp.Email+" for a verification code", longNotice)
	return resp, true
}

// ResendOTP asks for a new email verification code. The session state is
// not touched.
func (m *Machine) ResendOTP(ctx context.Context, email string) bool {
	if _, err := m.gw.ResendOTP(ctx, email); err != nil {
		m.log.Warn("resending verification code failed", "error", err)
		msg := gateway.Message(err)
		if msg == "" {
			msg = "The verification code could not be sent"
		}
		m.notifier.Notify(notify.Error, "Code Not Sent", msg, longNotice)
		return false
	}
	m.notifier.Notify(notify.Success, "Code Sent", "Check "+email+" for a new verification code", longNotice)
	return true
}

// ForgetPassword replaces the account password given the current one.
// A signed-in session stays signed in.
func (m *Machine) ForgetPassword(ctx context.Context, req gateway.ForgetPasswordRequest) bool {
	if _, err := m.gw.ForgetPassword(ctx, req); err != nil {
		m.log.Warn("password change failed", "error", err)
		msg := gateway.Message(err)
		if msg == "" {
			msg = "The password could not be changed"
		}
		m.notifier.Notify(notify.Error, "Password Not Changed", msg, longNotice)
		return false
	}
	m.notifier.Notify(notify.Success, "Password Changed", "Your password has been updated", shortNotice)
	return true
}

// Logout signs out locally, then tells the server on a best-effort basis.
// It always ends Unauthenticated with an empty store.
func (m *Machine) Logout(ctx context.Context) {
	m.logout(ctx)
	m.notifier.Notify(notify.Info, "Signed Out", "You have been successfully signed out", shortNotice)
}

// ClearAuthData drops local credentials without contacting the server.
func (m *Machine) ClearAuthData() {
	m.mu.Lock()
	m.generation++
	m.store.Clear()
	m.state = State{}
	m.mu.Unlock()
	m.publish()
}

// CheckAuth validates the stored session, healing it with a refresh when
// possible.
func (m *Machine) CheckAuth(ctx context.Context) bool {
	b, ok := m.store.Load()
	_, pok := m.store.LoadProfile()
	if !ok || !pok {
		m.mu.Lock()
		gen := m.generation
		m.mu.Unlock()
		if m.reset(gen) {
			m.publish()
		}
		return false
	}
	if m.policy.IsRefreshExpired(&b) {
		m.log.Info("refresh token expired, signing out")
		m.logout(ctx)
		return false
	}
	if m.policy.IsAccessExpired(&b) {
		m.log.Debug("access token expired, refreshing")
		return m.RefreshAuthToken(ctx)
	}

	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()
	profile, err := m.gw.Verify(ctx, b.AccessToken)
	if err != nil {
		m.log.Warn("token verification failed, refreshing", "error", err)
		return m.RefreshAuthToken(ctx)
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return false
	}
	m.store.SaveProfile(*profile)
	m.state = State{Status: StatusAuthenticated, User: profile, Credentials: &b}
	m.mu.Unlock()
	m.publish()
	return true
}

// RefreshAuthToken exchanges the stored refresh token for new credentials.
// Concurrent callers share one exchange. A failed exchange ends the session.
func (m *Machine) RefreshAuthToken(ctx context.Context) bool {
	b, ok := m.store.Load()
	if !ok {
		m.logout(ctx)
		return false
	}
	if m.policy.IsRefreshExpired(&b) {
		m.log.Info("refresh token expired, signing out")
		m.logout(ctx)
		return false
	}

	v, _, shared := m.flight.Do(refreshLockKey, func() (any, error) {
		// The exchange outlives any one caller; the gateway timeout bounds it.
		return m.refresh(context.WithoutCancel(ctx)), nil
	})
	if shared {
		metrics.Refreshes.WithLabelValues(metrics.OutcomeShared).Inc()
	}
	return v.(bool)
}

// AccessToken returns a usable access token, refreshing first when the
// current one is inside the expiry buffer.
func (m *Machine) AccessToken(ctx context.Context) (string, error) {
	b, ok := m.store.Load()
	if !ok {
		return "", ErrNotAuthenticated
	}
	if m.policy.IsRefreshExpired(&b) {
		m.logout(ctx)
		return "", ErrRefreshTokenExpired
	}
	if !m.policy.IsAccessExpired(&b) {
		return b.AccessToken, nil
	}
	if !m.RefreshAuthToken(ctx) {
		return "", ErrSessionExpired
	}
	b, ok = m.store.Load()
	if !ok {
		return "", ErrSessionExpired
	}
	return b.AccessToken, nil
}

// UpdateNotificationToken registers a push token for this device and
// records it on the cached profile.
func (m *Machine) UpdateNotificationToken(ctx context.Context, fcmToken, device string) bool {
	b, ok := m.store.Load()
	if !ok {
		return false
	}
	if _, err := m.gw.SaveNotificationToken(ctx, gateway.NotificationTokenRequest{
		Token:    b.AccessToken,
		FCMToken: fcmToken,
		Device:   device,
	}); err != nil {
		m.log.Warn("saving notification token", "error", err)
		return false
	}

	m.mu.Lock()
	p, ok := m.store.UpdateProfile(func(p *credential.Profile) { p.FCMToken = fcmToken })
	if ok && m.state.User != nil {
		m.state.User = &p
	}
	m.mu.Unlock()
	if ok {
		m.publish()
	}
	return true
}

// HandleSessionExpired reacts to the session controller expiring the
// session. The controller has already cleared the store.
func (m *Machine) HandleSessionExpired(evt session.ExpiryEvent) {
	m.mu.Lock()
	m.generation++
	was := m.state.Status
	m.state = State{}
	m.mu.Unlock()
	if was == StatusUnauthenticated {
		return
	}
	m.log.Info("session expired", "reason", string(evt.Reason))
	m.publish()
	m.notifier.Notify(notify.Warning, "Session Expired", "Your session has expired. Please sign in again.", longNotice)
}

func (m *Machine) refresh(ctx context.Context) bool {
	m.mu.Lock()
	gen := m.generation
	if m.state.Status != StatusRefreshing {
		m.state.Status = StatusRefreshing
	}
	m.mu.Unlock()
	m.publish()

	b, ok := m.store.Load()
	if !ok {
		m.refreshFailed(gen)
		return false
	}

	if m.locker != nil {
		release, adopted, err := m.acquire(ctx, b)
		if err != nil {
			m.log.Warn("refresh lock unavailable, refreshing unlocked", "error", err)
		}
		if adopted {
			return m.adopt(gen)
		}
		if release != nil {
			defer release()
		}
	}

	dispatched := m.clock.Now()
	resp, err := m.gw.Refresh(ctx, b.RefreshToken)
	if err != nil {
		m.log.Warn("token refresh failed", "error", err)
		// A concurrent holder may have rotated the refresh token under us.
		if cur, ok := m.store.Load(); ok && cur.IssuedAt.After(b.IssuedAt) {
			return m.adopt(gen)
		}
		m.refreshFailed(gen)
		return false
	}

	nb, err := credential.NewBundleAt(resp.AccessToken, resp.RefreshToken, resp.ExpiresIn, dispatched)
	if err != nil {
		m.log.Warn("refresh returned unusable credentials", "error", err)
		m.refreshFailed(gen)
		return false
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		metrics.Refreshes.WithLabelValues(metrics.OutcomeStale).Inc()
		m.log.Info("discarding refresh from an ended session")
		return false
	}
	if !m.store.Replace(nb) {
		m.mu.Unlock()
		metrics.Refreshes.WithLabelValues(metrics.OutcomeSuperseded).Inc()
		return m.adopt(gen)
	}
	user := m.state.User
	if resp.User.ID != "" || resp.User.Email != "" {
		m.store.SaveProfile(resp.User)
		user = &resp.User
	} else if p, ok := m.store.LoadProfile(); ok {
		user = &p
	}
	m.state = State{Status: StatusAuthenticated, User: user, Credentials: &nb}
	m.mu.Unlock()

	metrics.Refreshes.WithLabelValues(metrics.OutcomeSuccess).Inc()
	m.log.Debug("token refreshed", "expires_at", nb.ExpiresAt)
	m.publish()
	return true
}

// acquire takes the cross-process refresh lock. When another holder
// refreshes while we wait, adopted is true and no lock is held.
func (m *Machine) acquire(ctx context.Context, b credential.Bundle) (release func(), adopted bool, err error) {
	deadline := m.clock.Now().Add(m.lockTTL)
	for {
		release, ok, err := m.locker.TryLock(ctx, refreshLockKey, m.lockTTL)
		if err != nil || ok {
			return release, false, err
		}
		if cur, ok := m.store.Load(); ok && cur.IssuedAt.After(b.IssuedAt) {
			return nil, true, nil
		}
		if m.clock.Now().After(deadline) {
			return nil, false, errors.New("timed out waiting for refresh lock")
		}
		poll := make(chan struct{})
		t := m.clock.AfterFunc(lockPoll, func() { close(poll) })
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, false, ctx.Err()
		case <-poll:
		}
	}
}

// adopt takes the stored bundle as the outcome of this refresh.
func (m *Machine) adopt(gen uint64) bool {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return false
	}
	b, ok := m.store.Load()
	if !ok {
		m.mu.Unlock()
		m.refreshFailed(gen)
		return false
	}
	user := m.state.User
	if p, ok := m.store.LoadProfile(); ok {
		user = &p
	}
	m.state = State{Status: StatusAuthenticated, User: user, Credentials: &b}
	m.mu.Unlock()
	m.log.Info("adopted credentials refreshed elsewhere")
	m.publish()
	return true
}

func (m *Machine) refreshFailed(gen uint64) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.generation++
	m.store.Clear()
	m.state = State{}
	m.mu.Unlock()

	metrics.Refreshes.WithLabelValues(metrics.OutcomeFailure).Inc()
	m.publish()
	m.notifier.Notify(notify.Warning, "Session Expired", "Your session has expired. Please sign in again.", longNotice)
}

// begin starts a new generation in the given transient status.
func (m *Machine) begin(status Status) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	m.state = State{Status: status}
	return m.generation
}

// establish persists a fresh sign-in and moves to Authenticated. It returns
// errStale if the generation moved on while the request was in flight.
func (m *Machine) establish(gen uint64, resp *gateway.AuthResponse, dispatched time.Time) error {
	b, err := credential.NewBundleAt(resp.AccessToken, resp.RefreshToken, resp.ExpiresIn, dispatched)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return errStale
	}
	m.store.Save(b)
	m.store.SaveProfile(resp.User)
	m.store.SaveActivity(m.clock.Now())
	user := resp.User
	m.state = State{Status: StatusAuthenticated, User: &user, Credentials: &b}
	m.mu.Unlock()
	m.publish()
	return nil
}

func (m *Machine) loginFailed(gen uint64, msg string) {
	metrics.Logins.WithLabelValues(metrics.OutcomeFailure).Inc()
	if m.reset(gen) {
		m.publish()
	}
	if msg == "" {
		msg = "Invalid email or password"
	}
	m.notifier.Notify(notify.Error, "Login Failed", msg, longNotice)
}

// reset moves to Unauthenticated if gen is still current.
func (m *Machine) reset(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return false
	}
	m.state = State{}
	return true
}

func (m *Machine) logout(ctx context.Context) {
	m.mu.Lock()
	m.generation++
	b, had := m.store.Load()
	m.store.Clear()
	m.state = State{}
	m.mu.Unlock()
	m.publish()

	if !had {
		return
	}
	if _, err := m.gw.Logout(ctx, b.AccessToken); err != nil {
		m.log.Warn("server logout failed, signed out locally", "error", err)
	}
}

func (m *Machine) publish() {
	st := m.State()
	metrics.Authenticated.Set(metrics.BoolGauge(st.Authenticated()))
	for _, fn := range m.subs.snapshot() {
		fn(st)
	}
}
