package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/tendermint/market/libs/log"
)

// RetryWriter appends records to a ledger, retrying transient failures with
// exponential backoff. Invalid records are never retried.
type RetryWriter struct {
	logger     log.Logger
	ledger     Ledger
	maxRetries uint64
	interval   time.Duration
}

var _ Ledger = (*RetryWriter)(nil)

func NewRetryWriter(logger log.Logger, l Ledger, maxRetries uint64, interval time.Duration) *RetryWriter {
	return &RetryWriter{
		logger:     logger,
		ledger:     l,
		maxRetries: maxRetries,
		interval:   interval,
	}
}

func (w *RetryWriter) policy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.interval
	eb.MaxInterval = 16 * w.interval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, w.maxRetries), ctx)
}

// Append writes r. After the retries are exhausted the last error is
// returned wrapped in ErrWrite.
func (w *RetryWriter) Append(ctx context.Context, r Record) (Receipt, error) {
	var receipt Receipt
	op := func() error {
		var err error
		receipt, err = w.ledger.Append(ctx, r)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrInvalidRecord), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return backoff.Permanent(err)
		default:
			return err
		}
	}
	notify := func(err error, next time.Duration) {
		w.logger.Debug("ledger append failed; retrying", "type", r.Type, "next", next, "err", err)
	}

	err := backoff.RetryNotify(op, w.policy(ctx), notify)
	if err == nil {
		return receipt, nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if errors.Is(err, ErrInvalidRecord) {
		return Receipt{}, err
	}
	if !errors.Is(err, ErrWrite) {
		err = fmt.Errorf("%w: %v", ErrWrite, err)
	}
	w.logger.Error("ledger append failed", "type", r.Type, "err", err)
	return Receipt{}, err
}
