package engine

import (
	"context"
	"sync"
)

// lanes bounds concurrent submissions per (account, venue).
type lanes struct {
	mu   sync.Mutex
	size int
	sems map[string]chan struct{}
}

func newLanes(size int) *lanes {
	if size < 1 {
		size = 1
	}
	return &lanes{size: size, sems: make(map[string]chan struct{})}
}

func (l *lanes) acquire(ctx context.Context, account, venue string) (func(), error) {
	key := account + "/" + venue
	l.mu.Lock()
	sem, ok := l.sems[key]
	if !ok {
		sem = make(chan struct{}, l.size)
		l.sems[key] = sem
	}
	l.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
