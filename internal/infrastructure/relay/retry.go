package relay

import (
	"context"
	"time"

	"github.com/masjids-io/chatspot/internal/domain"
	"github.com/masjids-io/chatspot/internal/metrics"
	"go.uber.org/zap"
)

type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// Retry wraps h so that transient failures are retried with exponential
// backoff. Permanent domain errors and exhausted retries are logged, counted
// and swallowed so the partition keeps moving. Only a cancelled context is
// returned to the caller, leaving the event unacknowledged.
func Retry(topic string, p RetryPolicy, log *zap.Logger, m *metrics.Metrics, h Handler) Handler {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	return func(ctx context.Context, env domain.Envelope) error {
		var err error
		for attempt := 0; attempt < p.Attempts; attempt++ {
			if attempt > 0 {
				m.HandlerRetries.WithLabelValues(topic).Inc()
				t := time.NewTimer(p.backoff(attempt - 1))
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
			}
			if err = h(ctx, env); err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if domain.IsPermanent(err) {
				break
			}
			log.Warn("handler_attempt_failed",
				zap.String("topic", topic),
				zap.String("event_id", env.EventID.String()),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		}
		m.HandlerFailures.WithLabelValues(topic).Inc()
		log.Error("event_skipped",
			zap.String("topic", topic),
			zap.String("event_id", env.EventID.String()),
			zap.String("type", string(env.Type)),
			zap.Bool("permanent", domain.IsPermanent(err)),
			zap.Error(err))
		return nil
	}
}
