package store

import (
	"context"
	"fmt"
	"time"
)

// UpsertDNSCache records that hostname:port resolved to address at
// timestamp ts (unix seconds).
func (d *DB) UpsertDNSCache(ctx context.Context, hostname string, port uint16, address string, ts int64) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO dns_cache (hostname, port, address, timestamp)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (hostname, port, address)
		 DO UPDATE SET timestamp = excluded.timestamp`,
		hostname, port, address, ts,
	)
	if err != nil {
		return fmt.Errorf("updating dns cache entry for %s:%d failed: %w", hostname, port, err)
	}

	return nil
}

// LookupDNSCache returns the cached addresses of hostname:port that were
// recorded after notBefore (unix seconds), most recent first.
func (d *DB) LookupDNSCache(ctx context.Context, hostname string, port uint16, notBefore int64) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT address FROM dns_cache
		 WHERE hostname = ? AND port = ? AND timestamp > ?
		 ORDER BY timestamp DESC`,
		hostname, port, notBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("querying dns cache for %s:%d failed: %w", hostname, port, err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		result = append(result, addr)
	}

	return result, rows.Err()
}

// PruneDNSCache deletes all cache entries that are older than maxAge.
// It returns the number of deleted entries.
func (d *DB) PruneDNSCache(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		"DELETE FROM dns_cache WHERE timestamp <= ?",
		now.Add(-maxAge).Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning dns cache failed: %w", err)
	}

	cnt, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if cnt > 0 {
		d.logger.Info("pruned outdated dns cache entries",
			"count", cnt, "max_age", maxAge, "event", "store.dns_cache_pruned")
	}

	return cnt, nil
}
