// Package fanout runs a fixed set of jobs with a concurrency ceiling.
// Jobs start in iteration order; completion order is unspecified. The
// first ordinary error wins, cancels the siblings and is re-raised;
// stop-token unwinds pass through untouched.
package fanout

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"picavault/internal/stop"
)

const (
	MinConcurrency = 1
	MaxConcurrency = 16
)

// Clamp bounds n to the supported concurrency window.
func Clamp(n int) int {
	if n < MinConcurrency {
		return MinConcurrency
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// ForEach invokes fn for every item with at most `concurrency`
// invocations in flight. The token is polled before every job start.
// onError, if non-nil, runs exactly once when the first ordinary
// (non-Stopped) error occurs, before any sibling has been drained; it
// is the hook the scheduler uses to force-close the shared HTTP client.
func ForEach[T any](ctx context.Context, items []T, concurrency int, tok *stop.Token, fn func(context.Context, T) error, onError func()) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(Clamp(concurrency))

	var once sync.Once
	fail := func() {
		if onError != nil {
			once.Do(onError)
		}
	}

	var stopped error
	for _, item := range items {
		if err := tok.Err(); err != nil {
			stopped = err
			break
		}
		if gctx.Err() != nil {
			// A sibling already failed; stop submitting and let
			// g.Wait surface its error.
			break
		}
		item := item
		g.Go(func() error {
			if err := tok.Err(); err != nil {
				return err
			}
			err := fn(gctx, item)
			if err != nil {
				if _, ok := stop.IsStopped(err); !ok {
					fail()
				}
			}
			return err
		})
	}

	// Wait drains every in-flight job; errgroup keeps only the first
	// error and swallows the rest, matching first-error-wins.
	if err := g.Wait(); err != nil {
		return err
	}
	return stopped
}
