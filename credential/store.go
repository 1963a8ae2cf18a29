package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/ironsession/internal/clock"
	icrypto "github.com/jmcleod/ironsession/internal/crypto"
	"github.com/jmcleod/ironsession/internal/logger"
	"github.com/jmcleod/ironsession/storage"
)

// Persisted record keys.
const (
	KeyTokens   = "auth_tokens"
	KeyProfile  = "auth_user"
	KeyActivity = "lastActivity"
)

const (
	namespace  = "credentials"
	recordType = "KV"
	aadVersion = 1
)

var errSuperseded = errors.New("stored bundle is newer")

// Store is the durable source of truth for the session's credentials.
// Every method is best-effort: storage and decoding failures are logged
// and reported as absence, never returned.
type Store struct {
	repo  storage.Repository
	key   *Key
	clock clock.Clock
	log   *slog.Logger

	// mu serialises read-modify-write sequences within this process.
	mu sync.Mutex
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the clock used by NewBundle and activity stamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger for swallowed failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// NewStore returns a Store sealing records in repo with key.
func NewStore(repo storage.Repository, key *Key, opts ...Option) *Store {
	s := &Store{repo: repo, key: key, clock: clock.Real{}}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.Component(s.log, "credential")
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

// NewBundle builds a bundle issued now.
func (s *Store) NewBundle(accessToken, refreshToken string, expiresIn int64) (Bundle, error) {
	return NewBundleAt(accessToken, refreshToken, expiresIn, s.clock.Now())
}

// Save writes b unconditionally.
func (s *Store) Save(b Bundle) {
	if !b.Valid() {
		s.log.Warn("refusing to save invalid bundle")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	env, err := s.seal(KeyTokens, b, b.version())
	if err != nil {
		s.log.Error("sealing bundle", "error", err)
		return
	}
	if err := s.repo.Put(namespace, recordType, KeyTokens, env); err != nil {
		s.log.Error("saving bundle", "error", err)
	}
}

// Replace writes b unless the stored bundle was issued strictly later.
// It reports false only in that superseded case; a storage failure is
// logged and reported as written, matching Save.
func (s *Store) Replace(b Bundle) bool {
	if !b.Valid() {
		s.log.Warn("refusing to replace with invalid bundle")
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	env, err := s.seal(KeyTokens, b, b.version())
	if err != nil {
		s.log.Error("sealing bundle", "error", err)
		return true
	}
	err = s.repo.Batch(namespace, func(tx storage.BatchTx) error {
		current, err := tx.Get(recordType, KeyTokens)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return err
		case current.Version > b.version():
			return errSuperseded
		}
		return tx.Put(recordType, KeyTokens, env)
	})
	if errors.Is(err, errSuperseded) {
		s.log.Info("discarding older bundle", "issued_at", b.IssuedAt)
		return false
	}
	if err != nil {
		s.log.Error("replacing bundle", "error", err)
	}
	return true
}

// Load returns the stored bundle.
func (s *Store) Load() (Bundle, bool) {
	var b Bundle
	if !s.load(KeyTokens, &b) {
		return Bundle{}, false
	}
	if !b.Valid() {
		s.log.Warn("stored bundle is malformed, ignoring")
		return Bundle{}, false
	}
	return b, true
}

// SaveProfile writes p unconditionally.
func (s *Store) SaveProfile(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(KeyProfile, p)
}

// LoadProfile returns the stored profile.
func (s *Store) LoadProfile() (Profile, bool) {
	var p Profile
	if !s.load(KeyProfile, &p) {
		return Profile{}, false
	}
	return p, true
}

// UpdateProfile applies fn to the stored profile and writes the result.
// It returns the updated profile, or false when no profile is stored.
func (s *Store) UpdateProfile(fn func(*Profile)) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var p Profile
	if !s.load(KeyProfile, &p) {
		return Profile{}, false
	}
	fn(&p)
	s.put(KeyProfile, p)
	return p, true
}

// SaveActivity records t as the last user activity.
func (s *Store) SaveActivity(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(KeyActivity, t.UnixMilli())
}

// LoadActivity returns the last recorded activity.
func (s *Store) LoadActivity() (time.Time, bool) {
	var ms int64
	if !s.load(KeyActivity, &ms) {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

// Clear removes the bundle and profile. The activity stamp is kept; a new
// login overwrites it.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.repo.Batch(namespace, func(tx storage.BatchTx) error {
		for _, id := range []string{KeyTokens, KeyProfile} {
			if err := tx.Delete(recordType, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error("clearing credentials", "error", err)
	}
}

func (s *Store) put(id string, v any) {
	env, err := s.seal(id, v, 0)
	if err != nil {
		s.log.Error("sealing record", "key", id, "error", err)
		return
	}
	if err := s.repo.Put(namespace, recordType, id, env); err != nil {
		s.log.Error("saving record", "key", id, "error", err)
	}
}

func (s *Store) load(id string, out any) bool {
	env, err := s.repo.Get(namespace, recordType, id)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceNotFound) {
		return false
	}
	if err != nil {
		s.log.Error("loading record", "key", id, "error", err)
		return false
	}
	if err := s.open(id, env, out); err != nil {
		s.log.Warn("discarding unreadable record", "key", id, "error", err)
		return false
	}
	return true
}

func (s *Store) seal(id string, v any, version uint64) (*storage.Envelope, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", id, err)
	}
	buf, err := s.key.open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()
	return storage.SealRecord(buf.Bytes(), plaintext, icrypto.AADRecord(namespace, recordType, id, aadVersion), version)
}

func (s *Store) open(id string, env *storage.Envelope, out any) error {
	buf, err := s.key.open()
	if err != nil {
		return err
	}
	defer buf.Destroy()
	plaintext, err := storage.OpenRecord(buf.Bytes(), env, icrypto.AADRecord(namespace, recordType, id, aadVersion))
	if err != nil {
		return err
	}
	return json.Unmarshal(plaintext, out)
}

