package credential

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBundleAt(t *testing.T) {
	issued := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)

	b, err := NewBundleAt("a", "r", 3600, issued)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, b.Lifetime())
	assert.Equal(t, int64(3600000), b.ExpiresAt.UnixMilli()-b.IssuedAt.UnixMilli())
	assert.Equal(t, 123*time.Millisecond, time.Duration(b.IssuedAt.Nanosecond()))
	assert.True(t, b.Valid())
	assert.True(t, b.RefreshExpiresAt.IsZero(), "opaque refresh token has no exp")
}

func TestNewBundleAt_Invalid(t *testing.T) {
	now := time.Now()
	cases := map[string]struct {
		access, refresh string
		expiresIn       int64
	}{
		"EmptyAccess":   {"", "r", 60},
		"EmptyRefresh":  {"a", "", 60},
		"ZeroLifetime":  {"a", "r", 0},
		"NegativeLifet": {"a", "r", -5},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewBundleAt(tc.access, tc.refresh, tc.expiresIn, now)
			assert.ErrorIs(t, err, ErrInvalidBundle)
		})
	}
}

func TestBundleJSON(t *testing.T) {
	b, err := NewBundleAt("a", "r", 60, time.Now())
	require.NoError(t, err)

	data, err := json.Marshal(b)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(b.IssuedAt.UnixMilli()), raw["issuedAt"])
	assert.Equal(t, float64(b.ExpiresAt.UnixMilli()), raw["expiresAt"])
	assert.NotContains(t, raw, "refreshExpiresAt")

	var back Bundle
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, b, back)
}

func TestRefreshTokenExpiry(t *testing.T) {
	exp := time.Now().Add(7 * 24 * time.Hour).Truncate(time.Second)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString([]byte("server-secret"))
	require.NoError(t, err)

	assert.True(t, exp.Equal(RefreshTokenExpiry(signed)))
	assert.True(t, RefreshTokenExpiry("opaque-refresh-token").IsZero())

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "user-1"}).SignedString([]byte("k"))
	require.NoError(t, err)
	assert.True(t, RefreshTokenExpiry(noExp).IsZero())

	b, err := NewBundleAt("a", signed, 60, time.Now())
	require.NoError(t, err)
	assert.True(t, exp.Equal(b.RefreshExpiresAt))
}

func TestProfileJSONOmitsOTP(t *testing.T) {
	server := []byte(`{"id":"u1","firstName":"Ada","lastName":"L","username":"ada","email":"ada@example.com",
		"role":"ADMIN","status":"ACTIVE","isEmailVerified":true,"otp":"123456","otpGeneratedAt":"x",
		"fcmToken":"fcm-1","createAt":"2025-01-01T00:00:00Z"}`)

	var p Profile
	require.NoError(t, json.Unmarshal(server, &p))
	assert.Equal(t, "Ada", p.DisplayName())
	assert.True(t, p.EmailVerified)
	assert.Equal(t, "fcm-1", p.FCMToken)

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "otp")
	assert.Contains(t, string(out), `"createAt":"2025-01-01T00:00:00Z"`)
}

func TestProfileDisplayName(t *testing.T) {
	assert.Equal(t, "ada", Profile{Username: "ada", Email: "a@x"}.DisplayName())
	assert.Equal(t, "a@x", Profile{Email: "a@x"}.DisplayName())
}
