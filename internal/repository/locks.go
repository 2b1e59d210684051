package repository

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultLockTimeout ожидание блокировки строки по умолчанию
const DefaultLockTimeout = 5 * time.Second

// rowKey identifies a lockable row. Natural-key locks use table "<name>#<key>" with a and b.
type rowKey struct {
	table string
	a, b  int64
}

func (k rowKey) String() string {
	if k.b != 0 {
		return fmt.Sprintf("%s(%d,%d)", k.table, k.a, k.b)
	}
	return fmt.Sprintf("%s(%d)", k.table, k.a)
}

type rowLock struct {
	owner    uint64
	released chan struct{}
}

// lockTable эксклюзивные блокировки строк, принадлежащие unit of work.
// Повторный захват владельцем не блокирует.
type lockTable struct {
	mu   sync.Mutex
	held map[rowKey]*rowLock
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[rowKey]*rowLock)}
}

func (lt *lockTable) acquire(ctx context.Context, owner uint64, key rowKey, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		lt.mu.Lock()
		l, ok := lt.held[key]
		if !ok {
			lt.held[key] = &rowLock{owner: owner, released: make(chan struct{})}
			lt.mu.Unlock()
			return nil
		}
		if l.owner == owner {
			lt.mu.Unlock()
			return nil
		}
		wait := l.released
		lt.mu.Unlock()

		select {
		case <-wait:
			// released: race for it again
		case <-timer.C:
			return fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (lt *lockTable) release(owner uint64, keys []rowKey) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for _, k := range keys {
		if l, ok := lt.held[k]; ok && l.owner == owner {
			delete(lt.held, k)
			close(l.released)
		}
	}
}

// holders число удерживаемых блокировок, для тестов
func (lt *lockTable) holders() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.held)
}
