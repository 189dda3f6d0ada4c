package recording

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alexkroman/assembly-notes/internal/transcription"
)

// supervisor pings every active stream on an interval so the provider does
// not drop idle connections. It is purely prophylactic: pings on streams
// that are retrying or closed are no-ops, so it follows reconnects for free.
type supervisor struct {
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSupervisor(interval time.Duration, logger *slog.Logger) *supervisor {
	return &supervisor{
		interval: interval,
		logger:   logger.With(slog.String("component", "keepalive")),
	}
}

func (s *supervisor) start(streams []Stream) {
	if s.interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, stream := range streams {
					if err := stream.Ping(); err != nil && !errors.Is(err, transcription.ErrNotConnected) {
						s.logger.Warn("keep-alive ping failed", slog.String("error", err.Error()))
					}
				}
			}
		}
	}()
}

func (s *supervisor) stop() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}
