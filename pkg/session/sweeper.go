package session

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Start schedules the idle sweeper.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrManagerStopped
	}
	if m.sweeper != nil {
		return fmt.Errorf("idle sweeper is already running")
	}

	logger := cronLogger{logger: m.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(cron.Every(m.sweepInterval), cron.FuncJob(func() {
		m.Sweep(m.now())
	}))
	c.Start()
	m.sweeper = c

	m.logger.Info().
		Dur("sweep_interval", m.sweepInterval).
		Msg("Idle sweeper started")
	return nil
}

func (m *Manager) stopSweeper() {
	m.mu.Lock()
	c := m.sweeper
	m.sweeper = nil
	m.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	m.logger.Info().Msg("Idle sweeper stopped")
}

// cronLogger routes scheduler messages to zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
