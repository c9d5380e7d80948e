package repository

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/iliyamo/club-license-service/internal/metrics"
	"github.com/iliyamo/club-license-service/internal/model"
)

// ConflictRetries bounds how often a unit of work is retried after a
// persistence conflict before the conflict is returned to the caller.
const ConflictRetries = 3

// RetryConflicts runs fn through store, retrying model.ErrPersistenceConflict
// with exponential backoff.  Any other error ends the attempt immediately.
func RetryConflicts(ctx context.Context, store Store, fn func(ctx context.Context, tx Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	op := func() error {
		err := store.InTx(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, model.ErrPersistenceConflict) {
			metrics.PersistenceRetriesTotal.Inc()
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, ConflictRetries), ctx))
}
