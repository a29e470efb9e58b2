package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// directory records which daemon instance owns a session id, for
// deployments running more than one daemon replica behind a shared
// endpoint. A single daemon process is authoritative for its own
// in-memory registry either way; claim reports the previous owner of a
// session id, which the daemon only logs: no arbiter is redirected to
// another replica. Grounded on the teacher's
// internal/infra.GoRedisAdapter: ping-on-connect, graceful in-memory
// fallback if Redis is unreachable.
type directory struct {
	selfID string

	rdb *redis.Client

	mu    sync.Mutex
	local map[string]string // sid -> owning daemon id, in-memory fallback
}

func newDirectory(selfID, redisAddr string) *directory {
	d := &directory{selfID: selfID, local: make(map[string]string)}
	if redisAddr == "" {
		return d
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis directory unreachable, falling back to in-memory", "addr", redisAddr, "error", err)
		return d
	}
	slog.Info("redis directory connected", "addr", redisAddr)
	d.rdb = rdb
	return d
}

// claim records that selfID owns sid, returning the previous owner (if
// any) so the caller can log a takeover.
func (d *directory) claim(sid string) (previousOwner string) {
	key := "dsm:directory:" + sid
	if d.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		prev, _ := d.rdb.GetSet(ctx, key, d.selfID).Result()
		return prev
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.local[sid]
	d.local[sid] = d.selfID
	return prev
}

func (d *directory) release(sid string) {
	if d.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.rdb.Del(ctx, "dsm:directory:"+sid)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.local, sid)
}

func (d *directory) close() error {
	if d.rdb == nil {
		return nil
	}
	if err := d.rdb.Close(); err != nil {
		return fmt.Errorf("closing redis directory client: %w", err)
	}
	return nil
}
