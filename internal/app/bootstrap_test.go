package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"

	"waterWise/config"
	"waterWise/internal/app"
	"waterWise/internal/domain/model"
	"waterWise/internal/domain/service"
	"waterWise/internal/lib/logger/sl"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:                    "local",
		HTTPPort:               "0",
		StoreDriver:            "memory",
		CursorBackend:          "store",
		QueueBackend:           "store",
		RemoteDriver:           "memory",
		KafkaTopic:             "readings",
		KafkaConsumerGroup:     "test",
		HourlyRateLimit:        10,
		DailyVolumeLimit:       100,
		SilenceTimeoutMs:       time.Hour.Milliseconds(),
		BucketSizeHourlyMs:     model.HourMs,
		BucketSizeDailyMs:      model.DayMs,
		SyncBackoffBaseMs:      1,
		SyncBackoffMaxMs:       5,
		SilenceSweepIntervalMs: 50,
		WriteFlushIntervalMs:   10,
		AlertRetentionHours:    24,
		EventBufferSize:        8,
	}
}

func TestApp_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	a, err := app.NewApp(ctx, sl.Discard(), cfg)
	require.NoError(t, err)
	defer a.Cleanup()

	// Published before start, picked up by the startup reconcile or the stream.
	hour := model.BucketStart(time.Now().UnixMilli(), model.HourMs)
	first := model.Reading{ID: "r1", DeviceID: "dev1", TimestampUTC: hour + 1000, VolumeLiters: 4, Source: model.SourceLive}
	require.NoError(t, a.PublishDemo(ctx, []model.Reading{first}))

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.Sync.ConnectionState() == service.StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		b, err := a.Store.GetOpenBucket(ctx, "dev1", model.HourMs, hour)
		return err == nil && b != nil && b.ReadingCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	recorded, err := a.Recorder.Record(ctx, "dev1", 7.5, time.UnixMilli(hour+2000))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, r := range a.Loopback.Pushed() {
			if r.ID == recorded.ID {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// The echo of the recorded reading is a duplicate, the bucket counts it once.
	require.Eventually(t, func() bool {
		b, err := a.Store.GetOpenBucket(ctx, "dev1", model.HourMs, hour)
		return err == nil && b != nil && b.ReadingCount == 2 && b.TotalLiters.InexactFloat64() == 11.5
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, a.Monitor.Alerts("dev1"), 1)

	srv := httptest.NewServer(a.NewHTTPServer(":0").Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
	require.Equal(t, service.StateDisconnected, a.Sync.ConnectionState())
}

func TestApp_AuthFailureStopsRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := testConfig()
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	cfg.SessionToken = expired

	a, err := app.NewApp(ctx, sl.Discard(), cfg)
	require.NoError(t, err)
	defer a.Cleanup()

	require.ErrorIs(t, a.Run(ctx), model.ErrAuthFailure)
}
