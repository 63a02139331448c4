package useCases

import (
	"context"
	"net/http"

	"waterWise/internal/domain/model"
)

// AlertSink receives alert events from the threshold monitor.
type AlertSink interface {
	PublishAlert(ctx context.Context, event model.AlertEvent)
}

// BucketObserver is notified whenever a bucket changes, e.g. to refresh charts.
type BucketObserver interface {
	BucketUpdated(ctx context.Context, b model.Bucket)
}

// Broadcaster defines an interface for pushing updates to WebSocket/API layers.
type Broadcaster interface {
	AlertSink
	BucketObserver
	Handler() http.HandlerFunc
}

// AlertSinks fans an event out to several sinks.
type AlertSinks []AlertSink

func (s AlertSinks) PublishAlert(ctx context.Context, event model.AlertEvent) {
	for _, sink := range s {
		sink.PublishAlert(ctx, event)
	}
}
