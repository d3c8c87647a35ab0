package application

import (
	"context"
	"errors"
	"log"
	"time"

	"charge-cloud/internal/health"
	ingest "charge-cloud/internal/ingest/domain"
	"charge-cloud/internal/observability/metrics"
	"charge-cloud/internal/vehicle"
)

// Subscription is the upstream push channel. Stream blocks until the channel
// breaks or ctx is cancelled.
type Subscription interface {
	Stream(ctx context.Context, vin string, out chan<- vehicle.Message) error
}

// Ingestor consumes the push channel through the health monitor and appends
// every inbound message durably. It performs no deduplication; at-least-once
// delivery across reconnects is expected and resolved downstream.
type Ingestor struct {
	sub     Subscription
	monitor *health.Monitor
	store   ingest.RawLogStore
	vin     string
	logger  *log.Logger

	evaluateEvery time.Duration
}

// NewIngestor constructs an ingestor.
func NewIngestor(sub Subscription, monitor *health.Monitor, store ingest.RawLogStore, vin string, logger *log.Logger) (*Ingestor, error) {
	if sub == nil {
		return nil, errors.New("ingestor: nil subscription")
	}
	if monitor == nil {
		return nil, errors.New("ingestor: nil health monitor")
	}
	if store == nil {
		return nil, errors.New("ingestor: nil raw log store")
	}
	if vin == "" {
		return nil, errors.New("ingestor: empty vin")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Ingestor{
		sub:           sub,
		monitor:       monitor,
		store:         store,
		vin:           vin,
		logger:        logger,
		evaluateEvery: 30 * time.Second,
	}, nil
}

// Run drives the subscribe/consume/reconnect loop until ctx is cancelled.
// Auth and consent rejections are returned immediately: they are configuration
// errors the reconnect loop cannot fix.
func (i *Ingestor) Run(ctx context.Context) error {
	for {
		err := i.consumeOnce(ctx)
		switch {
		case err == nil:
			// Server closed the stream cleanly; reconnect.
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return nil
		case errors.Is(err, vehicle.ErrAuthRejected) || errors.Is(err, vehicle.ErrConsentRequired):
			return err
		default:
			i.logger.Printf("ingest: stream broke: %v", err)
		}

		i.monitor.ReportDisconnect(errString(err))
		delay := i.monitor.NextBackoff()
		i.logger.Printf("ingest: reconnecting in %s (state=%s)", delay, i.monitor.State())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// consumeOnce runs one subscription lifetime. The stream gets its own context
// so a reconnect decision from the health monitor can sever it without
// stopping the ingestor.
func (i *Ingestor) consumeOnce(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan vehicle.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- i.sub.Stream(streamCtx, i.vin, msgs)
		close(msgs)
	}()

	ticker := time.NewTicker(i.evaluateEvery)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return <-done
			}
			i.handle(ctx, msg)
		case now := <-ticker.C:
			if i.monitor.Evaluate(now.UTC()) == health.StateReconnecting {
				cancel()
				for range msgs {
					// drain until the stream goroutine exits
				}
				err := <-done
				if errors.Is(err, context.Canceled) {
					return errors.New("quiet interval exceeded, forcing reconnect")
				}
				return err
			}
		case <-ctx.Done():
			cancel()
			for msg := range msgs {
				// flush messages already delivered before shutting down
				i.handle(context.Background(), msg)
			}
			<-done
			return ctx.Err()
		}
	}
}

func (i *Ingestor) handle(ctx context.Context, msg vehicle.Message) {
	i.monitor.ObserveEvent(msg.Timestamp)
	if msg.Heartbeat {
		return
	}

	entry := ingest.RawLogEntry{
		VIN:       msg.VIN,
		Timestamp: msg.Timestamp,
		Message:   string(msg.Payload),
		Malformed: msg.Malformed,
	}
	if msg.Malformed {
		metrics.IncIngestError("malformed_payload")
		i.logger.Printf("ingest: malformed payload kept verbatim vin=%s ts=%s", msg.VIN, msg.Timestamp.Format(time.RFC3339))
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := i.store.Append(writeCtx, entry); err != nil {
		metrics.IncIngest(metrics.IngestResultError)
		metrics.IncIngestError("append")
		i.logger.Printf("ingest: append error: %v", err)
		return
	}
	metrics.IncIngest(metrics.IngestResultSuccess)
}

func errString(err error) string {
	if err == nil {
		return "stream closed"
	}
	return err.Error()
}
