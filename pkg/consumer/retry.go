package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zoff-tech/go-saga/pkg/eventlog"
	"github.com/zoff-tech/go-saga/pkg/telemetry"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The record goes straight to
// the dead-letter sink.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Handler applies one record. A nil error means the record can be committed.
type Handler func(ctx context.Context, rec eventlog.Record) error

// RetryPolicy retries a failing handler with exponential backoff and hands
// the record to DeadLetter once MaxAttempts is spent.
type RetryPolicy struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	DeadLetter        DeadLetterSink
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BackoffBase
	if p.BackoffMultiplier >= 1 {
		b.Multiplier = p.BackoffMultiplier
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}

// Execute runs fn for rec under the policy and returns the outcome to record.
// An error means the record must not be committed: either ctx ended or the
// dead-letter sink could not take it.
func (p RetryPolicy) Execute(ctx context.Context, group string, rec eventlog.Record, fn Handler) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := fn(ctx, rec)
		if err != nil && IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(p.backOff(), ctx))
	if err == nil {
		return telemetry.OutcomeProcessed, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if p.DeadLetter == nil {
		return telemetry.OutcomeFailed, nil
	}

	failure := Failure{Group: group, Attempts: attempts, Err: err}
	sinkBackOff := backoff.NewExponentialBackOff()
	sinkBackOff.MaxElapsedTime = 0
	dlErr := backoff.Retry(func() error {
		return p.DeadLetter.DeadLetter(ctx, rec, failure)
	}, backoff.WithContext(sinkBackOff, ctx))
	if dlErr != nil {
		return "", &DeadLetterError{Topic: rec.Topic, Partition: rec.Partition, Offset: rec.Offset, Err: dlErr}
	}
	return telemetry.OutcomeDeadLettered, nil
}
