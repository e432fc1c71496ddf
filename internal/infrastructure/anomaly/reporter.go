// Package anomaly provides the default AnomalyReporter used outside tests:
// a rate-limited structured log sink, since the specification treats
// anomaly collection as an external concern the focus manager only emits
// into.
package anomaly

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"
)

// Reporter logs anomaly reports at warn level, throttled so a feedback
// loop between a misbehaving provider and the anomaly path cannot itself
// flood the log.
type Reporter struct {
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NewReporter creates a Reporter that logs through logger, allowing at
// most burst reports instantly and ratePerSecond thereafter.
func NewReporter(logger *slog.Logger, ratePerSecond float64, burst int) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	if burst <= 0 {
		burst = 5
	}
	return &Reporter{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

// ReportAnomaly logs the anomaly if the rate limiter currently allows it,
// and silently drops it otherwise - dropping is preferable to blocking the
// caller, which is the goroutine waiting on a synchronous focus read.
func (r *Reporter) ReportAnomaly(ctx context.Context, id, message string, details map[string]any) {
	if !r.limiter.Allow() {
		return
	}
	args := make([]any, 0, 2+2*len(details))
	args = append(args, "anomaly_id", id)
	for k, v := range details {
		args = append(args, k, v)
	}
	r.logger.WarnContext(ctx, message, args...)
}
