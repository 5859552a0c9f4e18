package lock

import (
	"context"
	"time"
)

// Locker — именованная TTL-блокировка для сериализации периодических
// воркеров между инстансами. Захват неблокирующий: занято — значит
// этот тик пропускается, следующий инстанс доберёт работу.
type Locker interface {
	// TryAcquire пытается захватить блокировку name на ttl.
	// acquired=false без ошибки означает, что блокировку держит другой
	// инстанс. release обязателен к вызову при acquired=true.
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (release func() error, acquired bool, err error)
}
