package daemon

import (
	"context"
	"time"
)

const statsInterval = 30 * time.Second

// EventLoop logs periodic runtime statistics while the daemon runs.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: statsInterval,
	}
}

// Run runs the event loop until ctx is cancelled.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Debug().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Debug().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks()
		}
	}
}

func (e *EventLoop) processTasks() {
	infos := e.daemon.sessionMgr.List()

	busy, pending := 0, 0
	for _, info := range infos {
		if info.Busy {
			busy++
		}
		if info.PendingPermission {
			pending++
		}
	}

	event := e.daemon.logger.Debug().
		Int("sessions", len(infos)).
		Int("busy", busy).
		Int("pending_permissions", pending)
	if e.daemon.gatewayServer != nil {
		event = event.Int("gateway_clients", len(e.daemon.gatewayServer.GetConnectedClients()))
	}
	event.Msg("Session stats")
}
