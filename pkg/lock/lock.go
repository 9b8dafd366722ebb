// Package lock implements the distributed mutex that guards a VDS or GP
// job for its entire lifetime, keyed "<team_id>-<commit>" or
// "<team_id>-<cpv_uuid>". It uses Postgres session-level advisory locks
// (pg_advisory_lock) over a pinned connection, which auto-releases if the
// holding connection dies, giving session-lifetime semantics without a
// separate heartbeat/TTL mechanism.
package lock

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aixcc-finals/capi-scoring/pkg/metrics"
)

// ConnProvider pins one physical connection for the lifetime of a lock.
type ConnProvider interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

// Lock is a held advisory lock; Release must be called exactly once.
type Lock struct {
	conn *sql.Conn
	key  string
}

// Acquire blocks until the advisory lock for key is held on a freshly
// pinned connection. The connection is held for the lifetime of the Lock;
// release (or connection loss) is the only way the lock is freed.
func Acquire(ctx context.Context, kind string, conns ConnProvider, key string) (*Lock, error) {
	timer := metrics.NewTimer()

	conn, err := conns.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock: pin connection: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("lock: acquire %q: %w", key, err)
	}

	timer.ObserveDurationVec(metrics.LockWaitDuration, kind)
	return &Lock{conn: conn, key: key}, nil
}

// Release unlocks and returns the pinned connection to the pool.
func (l *Lock) Release(ctx context.Context) error {
	defer l.conn.Close()
	_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, l.key)
	if err != nil {
		return fmt.Errorf("lock: release %q: %w", l.key, err)
	}
	return nil
}

// VDSKey builds the advisory lock key for a VDS job.
func VDSKey(teamID, commit string) string {
	return teamID + "-" + commit
}

// GPKey builds the advisory lock key for a GP job.
func GPKey(teamID, cpvUUID string) string {
	return teamID + "-" + cpvUUID
}
