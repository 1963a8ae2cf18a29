package credential

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RefreshTokenExpiry returns the exp claim of a JWT refresh token without
// verifying its signature, or the zero time when the token is opaque.
// The result is advisory; expiry.Policy only consults it when told to.
func RefreshTokenExpiry(token string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return millis(claims.ExpiresAt.Time)
}
