package daemon

import (
	"context"
	"time"

	"github.com/harun/otaku/pkg/cron"
)

const maintenanceInterval = 30 * time.Second

// EventLoop runs periodic maintenance while the daemon is up
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: maintenanceInterval,
	}
}

// Run runs the event loop until ctx is cancelled
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks reports gateway load and failing background jobs
func (e *EventLoop) processTasks(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if n := len(e.daemon.gatewayServer.GetConnectedClients()); n > 0 {
		e.daemon.logger.Debug().Int("clients", n).Msg("Gateway clients connected")
	}

	for _, job := range e.daemon.scheduler.Jobs() {
		if job.LastStatus == cron.StatusError {
			e.daemon.logger.Warn().
				Str("job", job.Name).
				Str("error", job.LastError).
				Int("consecutive_errors", job.ConsecutiveErrors).
				Time("next_run", job.NextRunAt).
				Msg("Background job failing")
		}
	}
}
