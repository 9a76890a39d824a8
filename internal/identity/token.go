package identity

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ErrTokenExpired is returned for a JWT whose exp claim has passed.
var ErrTokenExpired = errors.New("gateway token expired")

// TokenExpiry returns the exp claim of a JWT without verifying its signature.
// Opaque (non-JWT) tokens report ok=false.
func TokenExpiry(token string) (exp time.Time, ok bool) {
	token = strings.TrimSpace(token)
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// CheckToken rejects a JWT that has already expired at now. The gateway stays
// authoritative; this only avoids a connect attempt that cannot succeed.
func CheckToken(token string, now time.Time) error {
	exp, ok := TokenExpiry(token)
	if !ok {
		return nil
	}
	if !now.Before(exp) {
		return errors.Wrapf(ErrTokenExpired, "expired at %s", exp.UTC().Format(time.RFC3339))
	}
	return nil
}
