// Package retry implements a bounded exponential backoff helper for
// UPSTREAM_UNAVAILABLE-prone calls (BlobStore, ComputeProvider, ZKeyEngine).
// No component in this repository calls Do: those upstream calls are made
// once, and their failures are returned without retry.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/MuriData/zk-ceremony-coordinator/pkg/ceremony"
)

// Policy bounds a backoff loop's attempts and delay growth.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy makes up to 5 attempts (4 retries), doubling from 200ms and
// capping at 5s.
var DefaultPolicy = Policy{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}

// Do runs fn, retrying while it returns a retryable *ceremony.Error (per
// ceremony.Error.Retryable) up to p.MaxAttempts, sleeping an exponentially
// growing, jittered delay between attempts. A non-retryable error, or the
// last attempt's error, is returned immediately.
func Do(ctx context.Context, p Policy, fn func() error) error {
	var err error
	delay := p.BaseDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var cerr *ceremony.Error
		if !errors.As(err, &cerr) || !cerr.Retryable() || attempt == p.MaxAttempts {
			return err
		}
		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}
