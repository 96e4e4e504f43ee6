package scanning

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Throttled limits how often the wrapped Transcriber is called
type Throttled struct {
	Transcriber
	limiter *rate.Limiter
}

// NewThrottled allows one call per interval. A non-positive interval
// returns t unchanged.
func NewThrottled(t Transcriber, interval time.Duration) Transcriber {
	if interval <= 0 {
		return t
	}
	return &Throttled{
		Transcriber: t,
		limiter:     rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Transcribe waits for the limiter before transcribing
func (t *Throttled) Transcribe(ctx context.Context, data []byte, contentType string) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for transcription slot: %w", err)
	}
	return t.Transcriber.Transcribe(ctx, data, contentType)
}
