// Package keeper assembles a complete session keeper from configuration:
// encrypted storage, the auth gateway, the state machine and the
// background session controller, wired to each other.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironsession/auth"
	"github.com/jmcleod/ironsession/credential"
	"github.com/jmcleod/ironsession/expiry"
	"github.com/jmcleod/ironsession/gateway"
	"github.com/jmcleod/ironsession/guard"
	"github.com/jmcleod/ironsession/internal/clock"
	"github.com/jmcleod/ironsession/internal/config"
	"github.com/jmcleod/ironsession/internal/logger"
	"github.com/jmcleod/ironsession/internal/util"
	"github.com/jmcleod/ironsession/lock"
	"github.com/jmcleod/ironsession/notify"
	"github.com/jmcleod/ironsession/session"
	"github.com/jmcleod/ironsession/storage"
	bboltstorage "github.com/jmcleod/ironsession/storage/bbolt"
)

const (
	dbFile  = "session.db"
	keyFile = "session.key"
	// lockTimeout bounds the wait for another process holding the database.
	lockTimeout = 2 * time.Second
)

// ErrDatabaseBusy is returned when another process, usually a running
// agent, holds the session database.
var ErrDatabaseBusy = errors.New("session database is in use by another process")

// Keeper owns every session component for one data directory.
type Keeper struct {
	Store         *credential.Store
	Policy        expiry.Policy
	Gateway       *gateway.Client
	Machine       *auth.Machine
	Controller    *session.Controller
	Guard         *guard.Guard
	Notifications *notify.Queue

	repo    storage.Repository
	key     *credential.Key
	closers []io.Closer
	cancels []func()
	log     *slog.Logger
}

type options struct {
	repo     storage.Repository
	clock    clock.Clock
	locker   lock.Locker
	notifier notify.Notifier
	http     *http.Client
	log      *slog.Logger
}

// Option customizes Open.
type Option func(*options)

// WithRepository uses repo instead of opening the bbolt file.
func WithRepository(repo storage.Repository) Option {
	return func(o *options) { o.repo = repo }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLocker overrides the refresh lock chosen from configuration.
func WithLocker(l lock.Locker) Option {
	return func(o *options) { o.locker = l }
}

// WithNotifier adds a notifier alongside the log and the queue.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithHTTPClient sets the gateway's HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.http = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// Open builds a Keeper. The controller is not started until the machine
// becomes authenticated; call Resume to restore a persisted session.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Keeper, err error) {
	o := options{clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}

	k := &Keeper{log: logger.Component(o.log, "keeper")}
	defer func() {
		if err != nil {
			k.Close()
		}
	}()

	k.repo = o.repo
	if k.repo == nil {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		db, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, dbFile), &bbolt.Options{Timeout: lockTimeout})
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, ErrDatabaseBusy
		}
		if err != nil {
			return nil, fmt.Errorf("opening session database: %w", err)
		}
		k.repo = db
		k.closers = append(k.closers, db)
	}

	k.key, err = resolveKey(cfg, k.repo)
	if err != nil {
		return nil, err
	}

	k.Policy = expiry.Policy{
		AccessBuffer:     cfg.Expiry.AccessBuffer,
		RefreshLifetime:  cfg.Expiry.RefreshLifetime,
		RefreshThreshold: cfg.Expiry.RefreshThreshold,
		TrustTokenExpiry: cfg.Expiry.TrustTokenExpiry,
		Clock:            o.clock,
	}
	k.Store = credential.NewStore(k.repo, k.key, credential.WithClock(o.clock), credential.WithLogger(o.log))

	gwOpts := []gateway.Option{gateway.WithLogger(o.log)}
	if o.http != nil {
		gwOpts = append(gwOpts, gateway.WithHTTPClient(o.http))
	}
	breaker := gateway.DefaultBreakerConfig()
	breaker.Timeout = cfg.Breaker.Timeout
	breaker.MinRequests = cfg.Breaker.MinRequests
	breaker.FailureRatio = cfg.Breaker.FailureRatio
	k.Gateway = gateway.New(gateway.Config{
		BaseURL: cfg.BaseURL,
		AppID:   cfg.AppID,
		Timeout: cfg.HTTPTimeout,
		Breaker: breaker,
	}, gwOpts...)

	locker := o.locker
	if locker == nil {
		locker, err = k.dialLocker(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	k.Notifications = notify.NewQueue(o.clock, notify.DefaultQueueSize)
	notifiers := notify.Multi{notify.Log{Logger: logger.Component(o.log, "notify")}, k.Notifications}
	if o.notifier != nil {
		notifiers = append(notifiers, o.notifier)
	}

	k.Machine = auth.New(k.Store, k.Gateway, k.Policy,
		auth.WithNotifier(notifiers),
		auth.WithLocker(locker, auth.DefaultLockTTL),
		auth.WithClock(o.clock),
		auth.WithLogger(o.log),
	)
	events := session.NewEvents()
	k.Controller = session.New(k.Store, k.Policy, k.Machine.RefreshAuthToken, events,
		session.WithClock(o.clock),
		session.WithConfig(session.Config{
			HealthInterval:     cfg.Session.HealthInterval,
			InactivityTimeout:  cfg.Session.InactivityTimeout,
			MinRefreshInterval: cfg.Session.MinRefreshInterval,
		}),
		session.WithLogger(o.log),
	)
	k.Guard = guard.New(k.Machine, k.Store, k.Policy)

	k.cancels = append(k.cancels,
		events.Subscribe(k.Machine.HandleSessionExpired),
		k.Machine.Subscribe(k.follow),
	)
	return k, nil
}

// follow keeps the controller running exactly while the machine is
// authenticated.
func (k *Keeper) follow(st auth.State) {
	switch st.Status {
	case auth.StatusAuthenticated:
		if k.Controller.Running() {
			k.Controller.Rearm()
		} else {
			k.Controller.Start()
		}
	case auth.StatusUnauthenticated:
		k.Controller.Stop()
	}
}

// Resume restores a persisted session, refreshing it if needed.
func (k *Keeper) Resume(ctx context.Context) bool {
	return k.Machine.CheckAuth(ctx)
}

// Login signs in and records the sign-in as user activity.
func (k *Keeper) Login(ctx context.Context, email, password string) bool {
	if !k.Machine.Login(ctx, email, password) {
		return false
	}
	k.Controller.RecordActivity()
	return true
}

// LoginWithUID signs in with a linked identity-provider uid and records
// the sign-in as user activity.
func (k *Keeper) LoginWithUID(ctx context.Context, uid string) bool {
	if !k.Machine.LoginWithUID(ctx, uid) {
		return false
	}
	k.Controller.RecordActivity()
	return true
}

// Logout signs out.
func (k *Keeper) Logout(ctx context.Context) {
	k.Machine.Logout(ctx)
}

// Close stops the controller and releases storage. Persisted credentials
// are kept for the next Open.
func (k *Keeper) Close() error {
	for _, cancel := range k.cancels {
		cancel()
	}
	k.cancels = nil
	if k.Controller != nil {
		k.Controller.Stop()
	}
	if k.key != nil {
		k.key.Destroy()
	}
	var errs []error
	for i := len(k.closers) - 1; i >= 0; i-- {
		if err := k.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	k.closers = nil
	return errors.Join(errs...)
}

func (k *Keeper) dialLocker(ctx context.Context, cfg *config.Config) (lock.Locker, error) {
	if cfg.RedisURL == "" {
		return lock.NewLocal(), nil
	}
	r, err := lock.DialRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connecting refresh lock: %w", err)
	}
	k.closers = append(k.closers, r)
	k.log.Info("refresh lock shared through redis")
	return r, nil
}

// resolveKey derives the store key from the passphrase when one is set,
// otherwise from the key file.
func resolveKey(cfg *config.Config, repo storage.Repository) (*credential.Key, error) {
	if cfg.Passphrase != "" {
		key, err := credential.KeyFromPassphrase(repo, cfg.Passphrase, util.DefaultArgon2idParams())
		if err != nil {
			return nil, fmt.Errorf("deriving key from passphrase: %w", err)
		}
		return key, nil
	}
	path := cfg.KeyFile
	if path == "" {
		path = filepath.Join(cfg.DataDir, keyFile)
	}
	key, err := credential.LoadOrCreateKeyFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading key file: %w", err)
	}
	return key, nil
}
