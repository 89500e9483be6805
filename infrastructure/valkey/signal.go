package valkey

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Signal is a wake-up channel shared by every node through Valkey pub/sub.
// Publishing wakes local listeners too, because this node is also subscribed.
type Signal struct {
	client  *Client
	channel string
	wake    chan struct{}
}

func NewSignal(client *Client, name string) *Signal {
	return &Signal{
		client:  client,
		channel: client.Key(name),
		wake:    make(chan struct{}, 1),
	}
}

// Listen subscribes until ctx ends. Call it once, in its own goroutine.
func (s *Signal) Listen(ctx context.Context) {
	logrus.Infof("[VALKEY] Watching wake-up channel %s", s.channel)
	s.client.Subscribe(ctx, s.channel, func(string) {
		logrus.Debug("[VALKEY] Wake-up signal received")
		s.notifyLocal()
	})
}

func (s *Signal) Signal(ctx context.Context) error {
	if err := s.client.Publish(ctx, s.channel, "wake"); err != nil {
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
