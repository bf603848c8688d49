package im

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenSubject is returned when a token was issued for a different user.
var ErrTokenSubject = errors.New("im: token subject mismatch")

// TokenVerifier checks a login credential for a user.
type TokenVerifier interface {
	Verify(userID, token string) error
}

// Claims are the JWT claims accepted at login.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed tokens. Issuance happens elsewhere.
type JWTVerifier struct {
	Secret []byte
}

// Parse validates token and returns its claims.
func (v JWTVerifier) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("im: invalid token")
	}
	return claims, nil
}

// Verify validates token and checks it was issued to userID.
func (v JWTVerifier) Verify(userID, token string) error {
	claims, err := v.Parse(token)
	if err != nil {
		return err
	}
	if claims.UserID != userID {
		return fmt.Errorf("%w: %q", ErrTokenSubject, claims.UserID)
	}
	return nil
}

// Subject returns the user a token was issued to.
func (v JWTVerifier) Subject(token string) (string, error) {
	claims, err := v.Parse(token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}
