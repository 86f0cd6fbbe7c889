package redisclient

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// LocalLocker serializes per doctor inside one process. Used when Redis is
// not configured and in tests.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[uuid.UUID]chan struct{})}
}

func (l *LocalLocker) slot(doctorID uuid.UUID) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[doctorID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[doctorID] = ch
	}
	return ch
}

func (l *LocalLocker) WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	ch := l.slot(doctorID)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-ch }()
	return fn(ctx)
}
