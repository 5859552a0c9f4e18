package lock

import (
	"context"
	"sync"
	"time"

	"github.com/docavailable/session-engine/internal/clock"
)

// LocalLocker — in-process реализация для одиночного инстанса и тестов.
// Семантика та же: TTL, неблокирующий захват, снятие только владельцем.
type LocalLocker struct {
	clock clock.Clock

	mu   sync.Mutex
	seq  uint64
	held map[string]localLease
}

type localLease struct {
	token     uint64
	expiresAt time.Time
}

func NewLocalLocker(c clock.Clock) *LocalLocker {
	if c == nil {
		c = clock.Real{}
	}
	return &LocalLocker{
		clock: c,
		held:  make(map[string]localLease),
	}
}

func (l *LocalLocker) TryAcquire(_ context.Context, name string, ttl time.Duration) (func() error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if lease, ok := l.held[name]; ok && now.Before(lease.expiresAt) {
		return nil, false, nil
	}

	l.seq++
	token := l.seq
	l.held[name] = localLease{token: token, expiresAt: now.Add(ttl)}

	release := func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if lease, ok := l.held[name]; ok && lease.token == token {
			delete(l.held, name)
		}
		return nil
	}
	return release, true, nil
}
