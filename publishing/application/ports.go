package application

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time so dispatch rounds can be driven deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock in UTC.
func SystemClock() Clock { return systemClock{} }

// WakeSignal tells idle workers that the queue changed. Signals may be
// coalesced; a missed signal is covered by the poll interval.
type WakeSignal interface {
	Signal(ctx context.Context) error
	Wake() <-chan struct{}
}

// LockFunc acquires a best-effort cluster lock that expires on its own.
type LockFunc func(key string, expiration time.Duration) bool

// AlwaysLock is used on single node deployments.
func AlwaysLock(string, time.Duration) bool { return true }

// LocalSignal is an in-process WakeSignal.
type LocalSignal struct {
	ch chan struct{}
}

func NewLocalSignal() *LocalSignal {
	return &LocalSignal{ch: make(chan struct{}, 1)}
}

func (s *LocalSignal) Signal(context.Context) error {
	select {
	case s.ch <- struct{}{}:
	default:
	}
	return nil
}

func (s *LocalSignal) Wake() <-chan struct{} {
	return s.ch
}

// Broadcast fans a single wake source out to several listeners. Each
// dispatch loop subscribes once so one signal wakes every idle worker.
type Broadcast struct {
	mu   sync.Mutex
	subs []chan struct{}
}

func (b *Broadcast) Subscribe() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan struct{}, 1)
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Broadcast) Notify() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Pump forwards a WakeSignal into the broadcast until ctx ends.
func (b *Broadcast) Pump(ctx context.Context, src WakeSignal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-src.Wake():
			b.Notify()
		}
	}
}
