package webtoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	AccessLifetime  = time.Hour
	RefreshLifetime = 7 * 24 * time.Hour
)

var ErrEmptySecret = errors.New("signing secret is empty")

// Issue signs the claim set with HS256, stamping iat/exp internally.
// The subject is the user id the token is bound to.
func Issue(claims Claims, secret []byte, lifetime time.Duration, subject string) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}

	now := time.Now()
	claims.Subject = subject
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(lifetime))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// Parse verifies signature and expiry. This is the only function that
// grants trust to a token.
func Parse(tokenStr string, secret []byte) (*Claims, error) {
	var claims Claims
	tkn, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected sign method")
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !tkn.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	return &claims, nil
}

// Decode reads the claim set WITHOUT verifying the signature. It exists
// only to extract the subject for record routing; never use its output to
// authorize anything.
func Decode(tokenStr string) (*Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, &claims); err != nil {
		return nil, err
	}
	return &claims, nil
}
