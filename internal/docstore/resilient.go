package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/smithy-go"
	"golang.org/x/time/rate"

	"scribe/internal/scribe"
)

// ResilientOptions configures a Resilient store. Zero values disable the
// corresponding behaviour.
type ResilientOptions struct {
	// Timeout bounds each attempt of an operation.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryDelay is the base backoff; attempt n waits RetryDelay*(n*n+1).
	RetryDelay time.Duration
	// WritesPerSecond limits Set, Delete and BatchDelete calls.
	WritesPerSecond float64
	// Burst is the limiter's bucket size; defaults to 1.
	Burst int
}

// Resilient wraps a DocumentStore with per-attempt timeouts, retries with
// backoff for transient failures and a write rate limit.
type Resilient struct {
	next    scribe.DocumentStore
	opts    ResilientOptions
	limiter *rate.Limiter
	logger  scribe.Logger
}

// NewResilient wraps next.
func NewResilient(next scribe.DocumentStore, opts ResilientOptions, logger scribe.Logger) *Resilient {
	if logger == nil {
		logger = scribe.NewNopLogger()
	}
	r := &Resilient{next: next, opts: opts, logger: logger}
	if opts.WritesPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.WritesPerSecond), burst)
	}
	return r
}

// Unwrap returns the wrapped store.
func (r *Resilient) Unwrap() scribe.DocumentStore { return r.next }

// Retryable reports whether err is worth another attempt. Validation
// failures, oversized documents, cancellation and DynamoDB client errors
// are permanent; throttling, server errors, attempt timeouts and network
// failures are transient.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, scribe.ErrDocumentTooLarge),
		errors.Is(err, scribe.ErrInvalidID),
		errors.Is(err, ErrBatchTooLarge),
		errors.Is(err, context.Canceled):
		return false
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "ProvisionedThroughputExceededException",
			"ThrottlingException",
			"RequestLimitExceeded",
			"InternalServerError",
			"ServiceUnavailable",
			"TransactionConflictException",
			"SlowDown":
			return true
		}
		return ae.ErrorFault() == smithy.FaultServer
	}
	return true
}

func (r *Resilient) do(ctx context.Context, op, path string, write bool, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= r.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := r.opts.RetryDelay * time.Duration(attempt*attempt+1)
			r.logger.Debug("retrying store operation", "op", op, "path", path, "attempt", attempt, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if write && r.limiter != nil {
			if werr := r.limiter.Wait(ctx); werr != nil {
				return fmt.Errorf("waiting for write slot: %w", werr)
			}
		}

		err = r.attempt(ctx, fn)
		if err == nil || !Retryable(err) || ctx.Err() != nil {
			return err
		}
	}
	r.logger.Warn("store operation failed", "op", op, "path", path, "attempts", r.opts.MaxRetries+1, "error", err)
	return err
}

func (r *Resilient) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.opts.Timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	return fn(actx)
}

func (r *Resilient) Get(ctx context.Context, path string) (doc *scribe.Document, err error) {
	err = r.do(ctx, "get", path, false, func(ctx context.Context) error {
		doc, err = r.next.Get(ctx, path)
		return err
	})
	return doc, err
}

func (r *Resilient) List(ctx context.Context, collection string) (docs []*scribe.Document, err error) {
	err = r.do(ctx, "list", collection, false, func(ctx context.Context) error {
		docs, err = r.next.List(ctx, collection)
		return err
	})
	return docs, err
}

func (r *Resilient) ListTree(ctx context.Context, path string) (docs []*scribe.Document, err error) {
	err = r.do(ctx, "list tree", path, false, func(ctx context.Context) error {
		docs, err = r.next.ListTree(ctx, path)
		return err
	})
	return docs, err
}

func (r *Resilient) Set(ctx context.Context, path string, fields scribe.Fields) error {
	return r.do(ctx, "set", path, true, func(ctx context.Context) error {
		return r.next.Set(ctx, path, fields)
	})
}

func (r *Resilient) Delete(ctx context.Context, path string) error {
	return r.do(ctx, "delete", path, true, func(ctx context.Context) error {
		return r.next.Delete(ctx, path)
	})
}

func (r *Resilient) BatchDelete(ctx context.Context, paths []string) error {
	return r.do(ctx, "batch delete", "", true, func(ctx context.Context) error {
		return r.next.BatchDelete(ctx, paths)
	})
}

func (r *Resilient) BatchLimit() int { return r.next.BatchLimit() }

func (r *Resilient) QueryOwner(ctx context.Context, ownerID string) (docs []*scribe.Document, err error) {
	err = r.do(ctx, "query owner", scribe.ProjectsCollection, false, func(ctx context.Context) error {
		docs, err = r.next.QueryOwner(ctx, ownerID)
		return err
	})
	return docs, err
}

func (r *Resilient) WatchOwner(ownerID string, fn func([]*scribe.Document)) (func(), error) {
	return r.next.WatchOwner(ownerID, fn)
}

// Close closes the wrapped store if it holds resources.
func (r *Resilient) Close() error {
	if c, ok := r.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

var _ scribe.DocumentStore = (*Resilient)(nil)
