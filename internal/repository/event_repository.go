package repository

import (
	"context"
	"time"
)

// IsEventProcessed reports whether a webhook event was already applied.
func (t *mysqlTx) IsEventProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_events WHERE provider = ? AND event_id = ?`, provider, eventID).Scan(&n)
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

// MarkEventProcessed records an applied event.  It reports false when the
// event had already been recorded.
func (t *mysqlTx) MarkEventProcessed(ctx context.Context, provider, eventID string, now time.Time) (bool, error) {
	return affected(t.tx.ExecContext(ctx,
		`INSERT IGNORE INTO processed_events (provider, event_id, processed_at) VALUES (?, ?, ?)`,
		provider, eventID, now.UTC()))
}
