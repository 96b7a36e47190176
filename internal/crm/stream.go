package crm

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Batch is one page worth of raw records, tagged with its page number so
// the caller can checkpoint after loading it.
type Batch struct {
	Page       int
	TotalPages int
	Records    []Record
}

// StreamOpts tunes a fetch stream.
type StreamOpts struct {
	PageSize  int
	StartPage int // resume point; 0 means page 1
	// Prefetch is the number of in-flight page fetches (default 4).
	Prefetch int
}

// Stream is a lazy, ordered sequence of record batches. Batches arrive in
// source page order regardless of fetch concurrency; consumption drives
// fetching, so a slow consumer applies backpressure to the extractor.
type Stream struct {
	out    chan Batch
	cancel context.CancelFunc
	g      *errgroup.Group
	err    error
	done   bool
}

// Next returns the next batch. ok is false once the stream is exhausted or
// failed; check Err afterwards.
func (s *Stream) Next() (Batch, bool) {
	b, ok := <-s.out
	if !ok && !s.done {
		s.err = s.g.Wait()
		s.done = true
	}
	return b, ok
}

// Err reports the terminal error, if the stream ended early.
func (s *Stream) Err() error {
	if !s.done {
		s.err = s.g.Wait()
		s.done = true
	}
	return s.err
}

// Close abandons the stream and releases its fetchers.
func (s *Stream) Close() {
	s.cancel()
	for range s.out { // drain so fetchers unblock
	}
	s.done = true
}

// FetchAll streams every record of an object matching the filters.
func (c *Client) FetchAll(ctx context.Context, obj Object, filters []Filter, opts StreamOpts) *Stream {
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.StartPage <= 0 {
		opts.StartPage = 1
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 4
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s := &Stream{out: make(chan Batch, opts.Prefetch), cancel: cancel, g: g}

	g.Go(func() error {
		defer close(s.out)

		// First page synchronously: it tells us how many pages exist.
		first, err := c.GetPage(gctx, obj, filters, opts.StartPage, opts.PageSize)
		if err != nil {
			return err
		}
		c.log.Info("extract started",
			slog.String("object", string(obj)),
			slog.Int("total_pages", first.TotalPages),
			slog.Int("total_records", first.TotalRecords),
			slog.Int("start_page", opts.StartPage))
		if err := emit(gctx, s.out, Batch{Page: first.CurrentPage, TotalPages: first.TotalPages, Records: first.Records}); err != nil {
			return err
		}
		if first.TotalPages <= opts.StartPage {
			return nil
		}

		// Remaining pages: up to Prefetch in flight, emitted in order.
		type slot struct {
			page int
			ch   chan fetchResult
		}
		slots := make(chan slot, opts.Prefetch)
		fg, fctx := errgroup.WithContext(gctx)
		fg.Go(func() error {
			defer close(slots)
			for p := opts.StartPage + 1; p <= first.TotalPages; p++ {
				sl := slot{page: p, ch: make(chan fetchResult, 1)}
				select {
				case slots <- sl:
				case <-fctx.Done():
					return fctx.Err()
				}
				p := p
				fg.Go(func() error {
					pg, err := c.GetPage(fctx, obj, filters, p, opts.PageSize)
					sl.ch <- fetchResult{page: pg, err: err}
					return nil
				})
			}
			return nil
		})

		var streamErr error
		for sl := range slots {
			if streamErr != nil {
				<-sl.ch // unblock the fetcher
				continue
			}
			r := <-sl.ch
			if r.err != nil {
				streamErr = r.err
				continue
			}
			if err := emit(gctx, s.out, Batch{Page: r.page.CurrentPage, TotalPages: first.TotalPages, Records: r.page.Records}); err != nil {
				streamErr = err
			}
		}
		if werr := fg.Wait(); streamErr == nil {
			streamErr = werr
		}
		return streamErr
	})

	return s
}

// FetchForEstablishment narrows the pull server-side to one establishment,
// for the single-school refresh.
func (c *Client) FetchForEstablishment(ctx context.Context, obj Object, connectionField, establishmentID string, extra []Filter, opts StreamOpts) *Stream {
	filters := append([]Filter{{Field: connectionField, Operator: "is", Value: establishmentID}}, extra...)
	return c.FetchAll(ctx, obj, filters, opts)
}

type fetchResult struct {
	page Page
	err  error
}

func emit(ctx context.Context, out chan<- Batch, b Batch) error {
	select {
	case out <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
