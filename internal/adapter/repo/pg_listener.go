package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const listenerPingInterval = 90 * time.Second

// PGListener turns Postgres NOTIFY messages on NotifyChannel into dispatcher
// wake-ups so a separate worker process picks up new jobs without waiting for
// the next poll.
type PGListener struct {
	listener *pq.Listener
	logger   zerolog.Logger
}

// NewPGListener connects a LISTEN session using the lib/pq listener.
func NewPGListener(dsn string, logger zerolog.Logger) (*PGListener, error) {
	l := &PGListener{logger: logger}
	l.listener = pq.NewListener(dsn, time.Second, time.Minute, l.event)
	if err := l.listener.Listen(NotifyChannel); err != nil {
		l.listener.Close()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	return l, nil
}

func (l *PGListener) event(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
		l.logger.Warn().Err(err).Msg("job listener connection lost")
	case pq.ListenerEventReconnected:
		l.logger.Info().Msg("job listener reconnected")
	}
}

// Wake returns a channel that receives a value for every notification and
// after every reconnect. It is closed once ctx is done.
func (l *PGListener) Wake(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(listenerPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-l.listener.Notify:
				// nil means the connection was re-established and
				// notifications may have been missed.
				if n != nil {
					l.logger.Debug().Str("job_id", n.Extra).Msg("job notification")
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case <-ticker.C:
				if err := l.listener.Ping(); err != nil {
					l.logger.Warn().Err(err).Msg("job listener ping failed")
				}
			}
		}
	}()
	return out
}

func (l *PGListener) Close() error {
	return l.listener.Close()
}
