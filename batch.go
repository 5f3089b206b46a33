package apiclient

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

const defaultBatchConcurrency = 4

// BatchItem is the outcome of one request in a batch.
type BatchItem struct {
	Index    int
	Request  *Request
	Response *Response
	Err      error
}

// BatchResult splits a batch into successes and failures, both in input order.
type BatchResult struct {
	Succeeded []BatchItem
	Failed    []BatchItem
}

// CountByKind tallies failures by error kind. Errors that are not *APIError
// are not counted.
func (r *BatchResult) CountByKind() map[ErrorKind]int {
	counts := make(map[ErrorKind]int)
	for _, item := range r.Failed {
		if kind := KindOf(item.Err); kind != 0 {
			counts[kind]++
		}
	}
	return counts
}

// Err joins every failure, or returns nil when all succeeded.
func (r *BatchResult) Err() error {
	errs := make([]error, 0, len(r.Failed))
	for _, item := range r.Failed {
		errs = append(errs, item.Err)
	}
	return errors.Join(errs...)
}

// ExecuteBatch runs reqs through the pipeline with at most concurrency in
// flight. One failure does not stop the rest; a 401 burst still collapses to
// a single refresh.
func (c *Client) ExecuteBatch(ctx context.Context, reqs []*Request, concurrency int) *BatchResult {
	if concurrency <= 0 {
		concurrency = defaultBatchConcurrency
	}

	items := make([]BatchItem, len(reqs))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := c.Execute(ctx, req)
			items[i] = BatchItem{Index: i, Request: req, Response: resp, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	result := &BatchResult{}
	for _, item := range items {
		if item.Err != nil {
			result.Failed = append(result.Failed, item)
		} else {
			result.Succeeded = append(result.Succeeded, item)
		}
	}
	return result
}
