package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckServiceHealth(t *testing.T) {
	ctx := context.Background()

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","sync":"CONNECTED"}`))
	}))
	defer ok.Close()

	h, err := checkServiceHealth(ctx, ok.Client(), ok.URL)
	require.NoError(t, err)
	require.Equal(t, "CONNECTED", h.Sync)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	_, err = checkServiceHealth(ctx, down.Client(), down.URL)
	require.Error(t, err)
}
