package app

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"waterWise/internal/domain/model"
	"waterWise/internal/domain/service"
	"waterWise/internal/lib/logger/sl"
)

// Processor defines the common interface for long running app loops
type Processor interface {
	Run(ctx context.Context) error
}

// Ingester applies one reading to local state.
type Ingester interface {
	Ingest(ctx context.Context, r model.Reading) (model.AppendOutcome, error)
}

// EventProcessor consumes remote deliveries with one worker per device, so
// readings of a device are applied in delivery order while devices proceed
// independently.
type EventProcessor struct {
	deliveries <-chan service.Delivery
	ingester   Ingester
	bufferSize int
	log        *slog.Logger
}

func NewEventProcessor(deliveries <-chan service.Delivery, ingester Ingester, bufferSize int, log *slog.Logger) *EventProcessor {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &EventProcessor{
		deliveries: deliveries,
		ingester:   ingester,
		bufferSize: bufferSize,
		log:        log.With(slog.String("component", "event_processor")),
	}
}

// Run dispatches until the delivery stream ends or ctx is done. A fatal
// store error stops every worker and is returned.
func (p *EventProcessor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	workers := make(map[string]chan service.Delivery)

	g.Go(func() error {
		defer func() {
			for _, ch := range workers {
				close(ch)
			}
		}()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case d, ok := <-p.deliveries:
				if !ok {
					return nil
				}
				deviceID := d.Reading.DeviceID
				ch, exists := workers[deviceID]
				if !exists {
					ch = make(chan service.Delivery, p.bufferSize)
					workers[deviceID] = ch
					p.log.Debug("starting device worker", slog.String("device", deviceID))
					g.Go(func() error { return p.work(gctx, ch) })
				}
				select {
				case ch <- d:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *EventProcessor) work(ctx context.Context, ch <-chan service.Delivery) error {
	for d := range ch {
		if ctx.Err() != nil {
			// Left unacknowledged, the backend delivers it again.
			continue
		}
		if err := p.process(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (p *EventProcessor) process(ctx context.Context, d service.Delivery) error {
	r := d.Reading
	_, err := p.ingester.Ingest(ctx, r)
	switch {
	case err == nil, errors.Is(err, model.ErrMalformedReading):
	case model.IsFatal(err):
		p.log.Error("stopping on fatal store error", slog.String("device", r.DeviceID), sl.Err(err))
		return err
	default:
		if ctx.Err() == nil {
			p.log.Warn("reading not applied, awaiting redelivery",
				slog.String("device", r.DeviceID),
				slog.String("reading", r.ID),
				sl.Err(err),
			)
		}
		return nil
	}

	if err := d.Ack(ctx); err != nil && ctx.Err() == nil {
		p.log.Debug("ack failed", slog.String("reading", r.ID), sl.Err(err))
	}
	return nil
}
