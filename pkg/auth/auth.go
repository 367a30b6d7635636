// Package auth verifies the bearer tokens external executors present
// on callback requests.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies what a callback token is scoped to.
type Claims struct {
	RunID       string `json:"run_id"`
	StepRunID   string `json:"step_run_id,omitempty"`
	ValidatorID string `json:"validator_id,omitempty"`
	OrgID       string `json:"org_id,omitempty"`
}

// AuthError marks any verification failure. Handlers map it to 401
// without mutating state.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// Verifier checks a token and extracts its claims.
type Verifier interface {
	Verify(token string) (*Claims, error)
}

// JWTVerifier validates HMAC-signed tokens.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

type tokenClaims struct {
	jwt.RegisteredClaims

	RunID       string `json:"run_id"`
	StepRunID   string `json:"step_run_id,omitempty"`
	ValidatorID string `json:"validator_id,omitempty"`
	OrgID       string `json:"org_id,omitempty"`
}

// IssueToken mints a callback token scoped to one run. Used when
// dispatching an execution so the job service can call back.
func (v *JWTVerifier) IssueToken(claims *Claims, ttl time.Duration) (string, error) {
	now := time.Now().UTC()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		RunID:       claims.RunID,
		StepRunID:   claims.StepRunID,
		ValidatorID: claims.ValidatorID,
		OrgID:       claims.OrgID,
	})

	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	var claims tokenClaims

	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}

		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &AuthError{Reason: "token expired"}
		}

		return nil, &AuthError{Reason: err.Error()}
	}

	if !token.Valid {
		return nil, &AuthError{Reason: "invalid token"}
	}

	if claims.RunID == "" {
		return nil, &AuthError{Reason: "token carries no run scope"}
	}

	return &Claims{
		RunID:       claims.RunID,
		StepRunID:   claims.StepRunID,
		ValidatorID: claims.ValidatorID,
		OrgID:       claims.OrgID,
	}, nil
}
