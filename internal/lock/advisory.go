package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Coordinator hands out non-blocking, session-scoped Postgres advisory locks.
// pg_try_advisory_lock belongs to the session that took it, so every lease
// pins its own *sql.Conn until Release.
type Coordinator struct {
	db             *sql.DB
	logger         *zap.Logger
	releaseTimeout time.Duration
}

// NewCoordinator wraps a database handle opened with the pgx stdlib driver.
func NewCoordinator(db *sql.DB, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{db: db, logger: logger, releaseTimeout: 5 * time.Second}
}

// Lease is a held advisory lock. Release is safe to call more than once.
type Lease struct {
	key     int64
	conn    *sql.Conn
	coord   *Coordinator
	release sync.Once
}

// TryAcquire attempts the lock without blocking. ok is false when another
// session already holds the key.
func (c *Coordinator) TryAcquire(ctx context.Context, key int64) (*Lease, bool, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("checkout lock session: %w", err)
	}
	var locked bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("try advisory lock %d: %w", key, err)
	}
	if !locked {
		_ = conn.Close()
		return nil, false, nil
	}
	return &Lease{key: key, conn: conn, coord: c}, true, nil
}

// Release unlocks best-effort. Failures are logged, and the session is
// discarded so the server drops whatever it still holds.
func (l *Lease) Release() {
	l.release.Do(func() {
		// Not derived from the request context: a cancelled request must still unlock.
		ctx, cancel := context.WithTimeout(context.Background(), l.coord.releaseTimeout)
		defer cancel()

		var unlocked bool
		err := l.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key).Scan(&unlocked)
		if err != nil || !unlocked {
			fields := []zap.Field{zap.Int64("lock_key", l.key), zap.Bool("unlocked", unlocked)}
			if err != nil {
				fields = append(fields, zap.Error(err))
			}
			l.coord.logger.Warn("advisory unlock failed", fields...)
			_ = l.conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		_ = l.conn.Close()
	})
}

// WithLock runs fn while holding key. ran is false, with a nil error, when the
// lock is held elsewhere. The lock is released even if fn panics.
func (c *Coordinator) WithLock(ctx context.Context, key int64, fn func(context.Context) error) (ran bool, err error) {
	lease, ok, err := c.TryAcquire(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	defer lease.Release()
	return true, fn(ctx)
}
