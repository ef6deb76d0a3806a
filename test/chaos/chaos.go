package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills a random backend of the current database with
// probability 1/odds every interval and counts the kills.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, interval time.Duration, odds int, seed int64, kills *atomic.Int64, stop <-chan struct{}) {
	rng := rand.New(rand.NewSource(seed))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if odds > 0 && rng.Intn(odds) != 0 {
				continue
			}
			var killed bool
			err := pool.QueryRow(ctx, `SELECT COALESCE(bool_or(pg_terminate_backend(pid)), false) FROM (
                    SELECT pid FROM pg_stat_activity
                    WHERE datname = current_database() AND pid <> pg_backend_pid()
                    ORDER BY random() LIMIT 1) victims`).Scan(&killed)
			if err == nil && killed && kills != nil {
				kills.Add(1)
			}
		}
	}
}
