package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/finassist/authsvc/internal/logging"
)

// Purger removes stale password reset requests.
type Purger interface {
	PurgeResets(ctx context.Context) (int64, error)
}

// Janitor periodically purges expired reset requests.
type Janitor struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartJanitor runs p every interval until Stop is called or ctx ends.
func StartJanitor(ctx context.Context, p Purger, interval time.Duration, logger *slog.Logger) *Janitor {
	ctx, cancel := context.WithCancel(ctx)
	j := &Janitor{cancel: cancel}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := p.PurgeResets(ctx)
				if err != nil {
					logging.LogWarn(logger, "reset purge failed", err)
					continue
				}
				if n > 0 {
					logger.Info("reset requests purged", "count", n)
				}
			}
		}
	}()
	return j
}

// Stop ends the janitor and waits for the current run to finish.
func (j *Janitor) Stop() {
	j.cancel()
	j.wg.Wait()
}
