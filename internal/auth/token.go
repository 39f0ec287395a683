// Package auth handles the bearer tokens that authenticate the event
// channel. The server mints them; the client only needs to read the expiry
// so it can refuse to dial with a token that is already dead.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalid is returned for tokens that fail to parse or verify.
var ErrInvalid = errors.New("invalid token")

// Claims is the token payload: the client identity plus standard expiry.
type Claims struct {
	ClientID string `json:"cid"`
	jwt.RegisteredClaims
}

// Generate mints a signed session token. Used by the server side of the
// contract and by test fixtures.
func Generate(secret []byte, clientID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Parse verifies a token against the shared secret.
func Parse(secret []byte, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalid
	}
	if claims, ok := token.Claims.(*Claims); ok {
		return claims, nil
	}
	return nil, ErrInvalid
}

// Expiry reads the expiry of a token without verifying the signature. The
// client holds no secret; it only wants to know whether dialing is futile.
func Expiry(tokenStr string) (time.Time, error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenStr, &Claims{})
	if err != nil {
		return time.Time{}, ErrInvalid
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.ExpiresAt == nil {
		return time.Time{}, ErrInvalid
	}
	return claims.ExpiresAt.Time, nil
}
