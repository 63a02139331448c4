package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"

	"waterWise/internal/domain/model"
	"waterWise/internal/infrastructure/session"
)

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "gateway-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	return tok
}

func TestStaticTokenSource(t *testing.T) {
	t.Parallel()

	clock := quartz.NewMock(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock.Set(now)
	ctx := context.Background()

	t.Run("opaque token passes through", func(t *testing.T) {
		creds, err := session.NewStaticTokenSource("gw", "opaque-secret", clock).Token(ctx)
		require.NoError(t, err)
		require.Equal(t, "gw", creds.User)
		require.Equal(t, "opaque-secret", creds.Token)
	})

	t.Run("valid jwt", func(t *testing.T) {
		tok := signed(t, now.Add(time.Hour))
		creds, err := session.NewStaticTokenSource("gw", tok, clock).Token(ctx)
		require.NoError(t, err)
		require.Equal(t, tok, creds.Token)
	})

	t.Run("expired jwt is an auth failure", func(t *testing.T) {
		tok := signed(t, now.Add(-time.Minute))
		_, err := session.NewStaticTokenSource("gw", tok, clock).Token(ctx)
		require.True(t, errors.Is(err, model.ErrAuthFailure))
		require.True(t, model.IsFatal(err))
	})

	t.Run("garbled jwt is an auth failure", func(t *testing.T) {
		_, err := session.NewStaticTokenSource("gw", "a.b.c", clock).Token(ctx)
		require.True(t, errors.Is(err, model.ErrAuthFailure))
	})
}
