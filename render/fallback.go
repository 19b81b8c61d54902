package render

import (
	"context"
	"fmt"
	"log/slog"
)

var _ NarrationProvider = (*fallbackProvider)(nil)

// fallbackProvider tries a primary provider and falls through to a
// secondary when the primary fails. Failover happens per slide, inside
// the narration stage, so one flaky synthesis does not fail the job.
type fallbackProvider struct {
	primary  NarrationProvider
	fallback NarrationProvider
	logger   *slog.Logger
}

// Fallback composes two narration providers. Every synthesis goes to
// primary first; on error the same request is retried on fallback, and
// only a double failure surfaces to the stage. Context cancellation is
// not retried: an aborted job should stop, not switch voices.
func Fallback(primary, fallback NarrationProvider, logger *slog.Logger) NarrationProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &fallbackProvider{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (f *fallbackProvider) Name() string {
	return f.primary.Name() + "+" + f.fallback.Name()
}

func (f *fallbackProvider) Synthesize(ctx context.Context, req NarrationRequest) (*Narration, error) {
	n, err := f.primary.Synthesize(ctx, req)
	if err == nil {
		return n, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	f.logger.Warn("narration provider failed, trying fallback",
		slog.String("provider", f.primary.Name()),
		slog.String("fallback", f.fallback.Name()),
		slog.String("error", err.Error()),
	)

	n, fbErr := f.fallback.Synthesize(ctx, req)
	if fbErr != nil {
		return nil, fmt.Errorf("primary %s: %v; fallback %s: %w",
			f.primary.Name(), err, f.fallback.Name(), fbErr)
	}
	return n, nil
}
