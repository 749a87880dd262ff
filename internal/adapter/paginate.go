package adapter

import (
	"context"
	"fmt"
)

// FetchFunc retrieves the body of one page request. Rate limiting and
// retries belong to the caller.
type FetchFunc func(ctx context.Context, req Request) ([]byte, error)

type PaginateOptions struct {
	// MaxPages bounds the pages attempted, 0 means no bound
	MaxPages int

	// MaxConsecutiveFailures is how many failed pages in a row are tolerated
	MaxConsecutiveFailures int
}

// PageResult is handed to the caller for every attempted page.
type PageResult struct {
	Query Query
	Page  Page
	Err   error
}

// PaginationResult summarises one pagination loop.
type PaginationResult struct {
	PagesFetched int
	FailedPages  int

	// Complete is true when the walk started on the first page, the source
	// ran out of pages and no page failed, so the pass saw every listing
	// in scope.
	Complete bool
}

// Paginate walks the pages of q starting at q.Page. It stops when a page
// reports no next page, a page comes back empty, MaxPages is reached, or
// more than MaxConsecutiveFailures pages fail in a row. Failed pages are
// reported through yield and skipped. An error from yield aborts the loop.
func Paginate(ctx context.Context, a Adapter, q Query, fetch FetchFunc, opts PaginateOptions, yield func(PageResult) error) (PaginationResult, error) {
	var res PaginationResult

	page := q.Page
	if page < 1 {
		page = 1
	}
	fromFirst := page == 1
	consecutive := 0

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if opts.MaxPages > 0 && res.PagesFetched+res.FailedPages >= opts.MaxPages {
			return res, nil
		}

		pq := q
		pq.Page = page
		req, err := a.BuildQuery(pq)
		if err != nil {
			return res, fmt.Errorf("failed to build %s query: %w", a.Name(), err)
		}

		body, err := fetch(ctx, req)
		var parsed Page
		if err == nil {
			parsed, err = a.ParsePage(pq, body)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			res.FailedPages++
			consecutive++
			if yieldErr := yield(PageResult{Query: pq, Err: err}); yieldErr != nil {
				return res, yieldErr
			}
			if consecutive > opts.MaxConsecutiveFailures {
				return res, nil
			}
			page++
			continue
		}

		consecutive = 0
		res.PagesFetched++
		if err := yield(PageResult{Query: pq, Page: parsed}); err != nil {
			return res, err
		}

		if !parsed.HasNext || len(parsed.Listings)+len(parsed.Failures) == 0 {
			res.Complete = fromFirst && res.FailedPages == 0
			return res, nil
		}
		page++
	}
}
