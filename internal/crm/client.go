// Package crm talks to the source CRM: paginated, filtered record pulls and
// the single national-averages write-back. All requests pass through a
// token-bucket rate limiter and an exponential-backoff retry loop; auth and
// schema failures are permanent, 429s and network blips are retried within
// their budgets.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/vespa-academy/datasync/internal/metrics"
)

const (
	maxRateLimitRetries = 6
	maxTransientRetries = 3
)

type Client struct {
	http    *http.Client
	base    string
	appID   string
	apiKey  string
	limiter *rate.Limiter
	log     *slog.Logger
}

type Config struct {
	BaseURL string
	AppID   string
	APIKey  string
	// Requests per second; burst is the ceiling rounded up.
	RateLimit float64
	Timeout   time.Duration
	Logger    *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	burst := int(cfg.RateLimit)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		base:    cfg.BaseURL,
		appID:   cfg.AppID,
		apiKey:  cfg.APIKey,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), burst),
		log:     cfg.Logger,
	}
}

// Filter is one rule of the CRM's filter protocol.
type Filter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"` // "is", "is not blank", "is after", ...
	Value    string `json:"value,omitempty"`
}

// Page is one page of raw records plus the paging envelope.
type Page struct {
	TotalPages   int      `json:"total_pages"`
	CurrentPage  int      `json:"current_page"`
	TotalRecords int      `json:"total_records"`
	Records      []Record `json:"records"`
}

// GetPage fetches one page of records, retrying per the documented budgets.
func (c *Client) GetPage(ctx context.Context, obj Object, filters []Filter, page, rowsPerPage int) (Page, error) {
	u := fmt.Sprintf("%s/v1/objects/%s/records", c.base, obj)
	q := url.Values{}
	q.Set("page", fmt.Sprint(page))
	q.Set("rows_per_page", fmt.Sprint(rowsPerPage))
	if len(filters) > 0 {
		fj, err := json.Marshal(map[string]any{"match": "and", "rules": filters})
		if err != nil {
			return Page{}, err
		}
		q.Set("filters", string(fj))
	}

	var out Page
	err := c.do(ctx, http.MethodGet, u+"?"+q.Encode(), obj, nil, &out)
	if err != nil {
		return Page{}, err
	}
	return out, nil
}

// UpdateRecord writes fields back to one record. Used only for the national
// averages record.
func (c *Client) UpdateRecord(ctx context.Context, obj Object, recordID string, fields map[string]any) error {
	u := fmt.Sprintf("%s/v1/objects/%s/records/%s", c.base, obj, recordID)
	return c.do(ctx, http.MethodPut, u, obj, fields, nil)
}

// CreateRecord inserts one record. Used when an academic year has no
// national averages record yet.
func (c *Client) CreateRecord(ctx context.Context, obj Object, fields map[string]any) error {
	u := fmt.Sprintf("%s/v1/objects/%s/records", c.base, obj)
	return c.do(ctx, http.MethodPost, u, obj, fields, nil)
}

// FindFirst returns the first record matching filters, if any.
func (c *Client) FindFirst(ctx context.Context, obj Object, filters []Filter) (Record, bool, error) {
	p, err := c.GetPage(ctx, obj, filters, 1, 1)
	if err != nil {
		return nil, false, err
	}
	if len(p.Records) == 0 {
		return nil, false, nil
	}
	return p.Records[0], true, nil
}

func (c *Client) do(ctx context.Context, method, rawURL string, obj Object, body map[string]any, out any) error {
	rateRetries, transientRetries := 0, 0

	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		var rd io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return backoff.Permanent(err)
			}
			rd = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("X-Application-Id", c.appID)
		req.Header.Set("X-REST-API-Key", c.apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		res, err := c.http.Do(req)
		metrics.CRMRequestDuration.WithLabelValues(string(obj)).Observe(time.Since(start).Seconds())
		if err != nil {
			transientRetries++
			if transientRetries > maxTransientRetries {
				return backoff.Permanent(fmt.Errorf("%w: %v", ErrTransient, err))
			}
			c.log.Warn("crm request failed, retrying", "url", rawURL, "attempt", transientRetries, "err", err)
			return err
		}
		defer res.Body.Close()

		switch {
		case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrAuth, res.Status))
		case res.StatusCode == http.StatusTooManyRequests:
			rateRetries++
			if rateRetries > maxRateLimitRetries {
				return backoff.Permanent(ErrRateLimited)
			}
			c.log.Warn("crm rate limited, backing off", "url", rawURL, "attempt", rateRetries)
			return fmt.Errorf("rate limited: %s", res.Status)
		case res.StatusCode >= 500:
			transientRetries++
			if transientRetries > maxTransientRetries {
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrTransient, res.Status))
			}
			return fmt.Errorf("server error: %s", res.Status)
		case res.StatusCode/100 != 2:
			return backoff.Permanent(fmt.Errorf("%w: unexpected status %s", ErrMalformed, res.Status))
		}

		if out == nil {
			io.Copy(io.Discard, res.Body)
			return nil
		}
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrMalformed, err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // the retry counters bound the loop
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
