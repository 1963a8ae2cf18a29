// Package credential persists the session's credential bundle, profile
// snapshot and last-activity timestamp in a sealed local store.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidBundle is returned when a bundle would violate ExpiresAt > IssuedAt
// or carries an empty token.
var ErrInvalidBundle = errors.New("invalid credential bundle")

// Bundle is an access/refresh token pair with its issuance window. Bundles
// are values: a refresh produces a new Bundle rather than editing one.
type Bundle struct {
	AccessToken  string
	RefreshToken string
	IssuedAt     time.Time
	ExpiresAt    time.Time

	// RefreshExpiresAt is the refresh token's own exp claim, zero when the
	// token is opaque or carries none.
	RefreshExpiresAt time.Time
}

// NewBundleAt builds a bundle issued at issuedAt that expires expiresIn
// seconds later. Timestamps are truncated to milliseconds.
func NewBundleAt(accessToken, refreshToken string, expiresIn int64, issuedAt time.Time) (Bundle, error) {
	if accessToken == "" || refreshToken == "" {
		return Bundle{}, fmt.Errorf("%w: empty token", ErrInvalidBundle)
	}
	if expiresIn <= 0 {
		return Bundle{}, fmt.Errorf("%w: expiresIn %d", ErrInvalidBundle, expiresIn)
	}
	issued := millis(issuedAt)
	return Bundle{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		IssuedAt:         issued,
		ExpiresAt:        issued.Add(time.Duration(expiresIn) * time.Second),
		RefreshExpiresAt: RefreshTokenExpiry(refreshToken),
	}, nil
}

// Valid reports whether b satisfies the bundle invariants.
func (b Bundle) Valid() bool {
	return b.AccessToken != "" && b.RefreshToken != "" && b.ExpiresAt.After(b.IssuedAt)
}

// Lifetime is ExpiresAt - IssuedAt.
func (b Bundle) Lifetime() time.Duration {
	return b.ExpiresAt.Sub(b.IssuedAt)
}

// version orders bundles by issuance for compare-and-swap writes.
func (b Bundle) version() uint64 {
	ms := b.IssuedAt.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}

type bundleJSON struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	IssuedAt         int64  `json:"issuedAt"`
	ExpiresAt        int64  `json:"expiresAt"`
	RefreshExpiresAt int64  `json:"refreshExpiresAt,omitempty"`
}

func (b Bundle) MarshalJSON() ([]byte, error) {
	out := bundleJSON{
		AccessToken:  b.AccessToken,
		RefreshToken: b.RefreshToken,
		IssuedAt:     b.IssuedAt.UnixMilli(),
		ExpiresAt:    b.ExpiresAt.UnixMilli(),
	}
	if !b.RefreshExpiresAt.IsZero() {
		out.RefreshExpiresAt = b.RefreshExpiresAt.UnixMilli()
	}
	return json.Marshal(out)
}

func (b *Bundle) UnmarshalJSON(data []byte) error {
	var in bundleJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*b = Bundle{
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
		IssuedAt:     time.UnixMilli(in.IssuedAt).UTC(),
		ExpiresAt:    time.UnixMilli(in.ExpiresAt).UTC(),
	}
	if in.RefreshExpiresAt != 0 {
		b.RefreshExpiresAt = time.UnixMilli(in.RefreshExpiresAt).UTC()
	}
	return nil
}

func millis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}

// Profile is the cached copy of the signed-in user.
type Profile struct {
	ID            string `json:"id"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	Username      string `json:"username"`
	Email         string `json:"email"`
	NIC           string `json:"nic,omitempty"`
	UID           string `json:"uid,omitempty"`
	Phone         string `json:"phone,omitempty"`
	Address       string `json:"address,omitempty"`
	Branch        string `json:"branch,omitempty"`
	Role          string `json:"role"`
	Status        string `json:"status"`
	LoginType     string `json:"loginType,omitempty"`
	EmailVerified bool   `json:"isEmailVerified"`
	FCMToken      string `json:"fcmToken,omitempty"`
	CreatedAt     string `json:"createAt,omitempty"`
}

// DisplayName is the first name, falling back to username then email.
func (p Profile) DisplayName() string {
	switch {
	case p.FirstName != "":
		return p.FirstName
	case p.Username != "":
		return p.Username
	default:
		return p.Email
	}
}
