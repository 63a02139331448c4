package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/golang-jwt/jwt/v4"

	"waterWise/internal/domain/model"
)

// TokenSource hands out the credentials used to authenticate against the
// remote backend.
type TokenSource interface {
	Token(ctx context.Context) (Credentials, error)
}

type Credentials struct {
	User  string
	Token string
}

// StaticTokenSource serves a token provisioned through configuration. JWT
// tokens are checked for expiry locally so an expired session is reported as
// model.ErrAuthFailure before a connection is attempted. Opaque tokens are
// passed through unchanged.
type StaticTokenSource struct {
	user  string
	token string
	clock quartz.Clock
}

func NewStaticTokenSource(user, token string, clock quartz.Clock) *StaticTokenSource {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &StaticTokenSource{user: user, token: token, clock: clock}
}

func (s *StaticTokenSource) Token(_ context.Context) (Credentials, error) {
	if s.token == "" {
		return Credentials{User: s.user}, nil
	}
	if isJWT(s.token) {
		if err := checkExpiry(s.token, s.clock.Now()); err != nil {
			return Credentials{}, err
		}
	}
	return Credentials{User: s.user, Token: s.token}, nil
}

func isJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

func checkExpiry(token string, now time.Time) error {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("%w: parse session token: %w", model.ErrAuthFailure, err)
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return fmt.Errorf("%w: session token expired at %s", model.ErrAuthFailure, claims.ExpiresAt.Time.Format(time.RFC3339))
	}
	return nil
}
