package pgnotify

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	minReconnect = 2 * time.Second
	maxReconnect = time.Minute
	pingInterval = 90 * time.Second
)

// Signal carries wake-ups between nodes over Postgres LISTEN/NOTIFY. It is used
// when the deployment runs on Postgres without Valkey.
type Signal struct {
	db       *gorm.DB
	dsn      string
	channel  string
	wake     chan struct{}
	listener *pq.Listener
}

func NewSignal(db *gorm.DB, dsn, channel string) *Signal {
	return &Signal{
		db:      db,
		dsn:     dsn,
		channel: channel,
		wake:    make(chan struct{}, 1),
	}
}

// Listen opens a dedicated connection and forwards notifications until ctx ends.
func (s *Signal) Listen(ctx context.Context) error {
	s.listener = pq.NewListener(s.dsn, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logrus.WithError(err).Warnf("[PGNOTIFY] Listener event %d", ev)
		}
	})
	if err := s.listener.Listen(s.channel); err != nil {
		_ = s.listener.Close()
		return fmt.Errorf("listen on %s: %w", s.channel, err)
	}
	logrus.Infof("[PGNOTIFY] Watching wake-up channel %s", s.channel)

	go func() {
		defer s.listener.Close()
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-s.listener.Notify:
				// A nil notification means the connection was re-established and
				// events may have been lost, so wake anyway.
				if n == nil {
					logrus.Debug("[PGNOTIFY] Listener reconnected")
				}
				s.notifyLocal()
			case <-ticker.C:
				go func() {
					if err := s.listener.Ping(); err != nil {
						logrus.WithError(err).Debug("[PGNOTIFY] Listener ping failed")
					}
				}()
			}
		}
	}()
	return nil
}

func (s *Signal) Signal(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", s.channel, "wake").Error; err != nil {
		s.notifyLocal()
		return err
	}
	return nil
}

func (s *Signal) Wake() <-chan struct{} {
	return s.wake
}

func (s *Signal) notifyLocal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
