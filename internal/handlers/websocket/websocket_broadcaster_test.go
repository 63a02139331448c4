package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"waterWise/internal/domain/model"
	"waterWise/internal/lib/logger/sl"
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func TestWebSocketBroadcaster(t *testing.T) {
	b := NewWebSocketBroadcaster(sl.Discard())
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()
	defer b.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return b.Clients() == 1 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	b.PublishAlert(ctx, model.AlertEvent{
		DeviceID:       "dev1",
		Kind:           model.AlertRateExceeded,
		BucketStartUTC: 1709283600000,
		Value:          11,
		ThresholdValue: 10,
		Revision:       1,
	})
	bucket := model.NewBucket("dev1", 1709283600000, model.HourMs)
	bucket.TotalLiters = decimal.NewFromInt(11)
	bucket.ReadingCount = 2
	b.BucketUpdated(ctx, bucket)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg envelope
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, MessageAlert, msg.Type)
	var alert map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &alert))
	require.Equal(t, "RATE_EXCEEDED", alert["kind"])
	require.Equal(t, 11.0, alert["value"])

	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, MessageBucket, msg.Type)
	var got map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	require.Equal(t, 11.0, got["totalLiters"])
	require.Equal(t, 2.0, got["readingCount"])

	conn.Close()
	require.Eventually(t, func() bool { return b.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWebSocketBroadcasterDropsClientThatStopsReading(t *testing.T) {
	b := NewWebSocketBroadcaster(sl.Discard())
	// No write pump drains this queue, as with a peer that stopped reading.
	stuck := &client{send: make(chan []byte, sendBuffer)}
	b.add(stuck)
	require.Equal(t, 1, b.Clients())

	bucket := model.NewBucket("dev1", 1709283600000, model.HourMs)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < sendBuffer+10; i++ {
			b.BucketUpdated(context.Background(), bucket)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked on a client that does not read")
	}

	require.Zero(t, b.Clients())
	queued := 0
	for range stuck.send {
		queued++
	}
	require.Equal(t, sendBuffer, queued)
}
