package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"listproc/utils"
)

// SendWithRetry makes up to attempts tries with a fixed delay in between.
// Every error counts as a failed attempt.
func SendWithRetry(ctx context.Context, t utils.Transport, env *utils.Envelope, attempts int, delay time.Duration, logger *logrus.Entry) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("send cancelled after %d attempts: %w", attempt-1, lastErr)
			case <-time.After(delay):
			}
		}

		err := t.Send(ctx, env)
		if err == nil {
			if attempt > 1 {
				logger.WithField("attempt", attempt).Info("Send succeeded after retry")
			}
			return nil
		}

		lastErr = err
		logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"subject": env.Subject,
			"error":   err.Error(),
		}).Warn("Send attempt failed")
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
