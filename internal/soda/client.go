// Package soda implements a paginated, rate-limited, retrying client for
// SODA (Socrata Open Data API) dataset endpoints.
package soda

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"crashwatch/ingest-service/internal/model"
)

// maxBackoff caps the exponential retry delay.
const maxBackoff = 30 * time.Second

// Client fetches record batches from SODA endpoints. A token bucket caps
// outbound requests per hour; a request that would exceed the cap blocks
// until a slot frees rather than failing. Safe for concurrent use.
type Client struct {
	appToken       string // optional; raises the portal's rate-limit ceiling
	client         *http.Client
	limiter        *rate.Limiter
	maxRetries     int           // retries after the first attempt
	retryBaseDelay time.Duration // doubles per attempt, jittered, capped
}

// NewClient constructs a Client.
//
// hourlyLimit is the outbound request ceiling per hour. Burst is held at
// one so that no window of any length ever sees more than the pro-rated
// share of the ceiling plus a single boundary request.
func NewClient(appToken string, hourlyLimit, maxRetries int, retryBaseDelay, timeout time.Duration) *Client {
	if hourlyLimit < 1 {
		hourlyLimit = 1000
	}
	return &Client{
		appToken:       appToken,
		client:         &http.Client{Timeout: timeout},
		limiter:        rate.NewLimiter(rate.Every(time.Hour/time.Duration(hourlyLimit)), 1),
		maxRetries:     maxRetries,
		retryBaseDelay: retryBaseDelay,
	}
}

// Request describes one logical endpoint fetch.
type Request struct {
	Endpoint  string // logical name ("crashes", ...), used in errors
	URL       string // dataset resource URL
	BatchSize int
	StartDate string // optional inclusive lower bound, YYYY-MM-DD
	EndDate   string // optional inclusive upper bound, YYYY-MM-DD
	DateField string // column the date range filters on
	OrderBy   string // defaults to DateField for stable pagination
}

// Batches returns a lazy iterator over record batches for req. Nothing
// is fetched until the first Next call.
func (c *Client) Batches(req Request) *BatchIterator {
	return &BatchIterator{client: c, req: req}
}

// BatchIterator pages through an endpoint with offset/limit semantics.
// Not safe for concurrent use; per-endpoint batches arrive in order.
type BatchIterator struct {
	client *Client
	req    Request
	offset int
	done   bool
}

// Next returns the next batch, or (nil, nil) once the sequence is
// exhausted. The sequence ends when a page comes back shorter than the
// requested batch size. Errors end the sequence permanently.
func (it *BatchIterator) Next(ctx context.Context) ([]model.RawRecord, error) {
	if it.done {
		return nil, nil
	}

	batch, err := it.client.fetchPage(ctx, it.req, it.offset)
	if err != nil {
		it.done = true
		return nil, err
	}
	if len(batch) == 0 {
		it.done = true
		return nil, nil
	}

	it.offset += len(batch)
	if len(batch) < it.req.BatchSize {
		it.done = true
	}
	return batch, nil
}

// fetchPage fetches one page of records at the given offset.
func (c *Client) fetchPage(ctx context.Context, req Request, offset int) ([]model.RawRecord, error) {
	params := url.Values{}
	params.Set("$limit", strconv.Itoa(req.BatchSize))
	params.Set("$offset", strconv.Itoa(offset))

	if where := buildDateWhere(req.StartDate, req.EndDate, req.DateField); where != "" {
		params.Set("$where", where)
	}

	order := req.OrderBy
	if order == "" {
		order = req.DateField
	}
	if order != "" {
		params.Set("$order", order)
	}

	body, err := c.do(ctx, req.Endpoint, req.URL+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var records []model.RawRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decode %s page at offset %d: %w", req.Endpoint, offset, err)
	}
	return records, nil
}

// do performs one GET with rate limiting and retries.
//
// Transient failures (network errors, 5xx, 429) are retried with
// exponential backoff up to maxRetries; a 429 Retry-After hint overrides
// the computed delay; no delay follows the final attempt. Any other
// non-200 terminates immediately. Both paths surface a *FetchError.
func (c *Client) do(ctx context.Context, endpoint, reqURL string) ([]byte, error) {
	var (
		lastStatus int
		lastErr    error
	)

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if c.appToken != "" {
			req.Header.Set("X-App-Token", c.appToken)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastStatus, lastErr = 0, err
			if attempt < c.maxRetries {
				if waitErr := c.sleep(ctx, c.backoff(attempt)); waitErr != nil {
					return nil, waitErr
				}
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("read body: %w", err)
			}
			return body, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			delay := c.backoff(attempt)
			if hint := retryAfter(resp); hint > 0 {
				delay = hint
			}
			resp.Body.Close()
			lastStatus, lastErr = resp.StatusCode, nil
			if attempt < c.maxRetries {
				if waitErr := c.sleep(ctx, delay); waitErr != nil {
					return nil, waitErr
				}
			}

		case resp.StatusCode >= 500:
			resp.Body.Close()
			lastStatus, lastErr = resp.StatusCode, nil
			if attempt < c.maxRetries {
				if waitErr := c.sleep(ctx, c.backoff(attempt)); waitErr != nil {
					return nil, waitErr
				}
			}

		default:
			// Upstream rejection: not retried.
			resp.Body.Close()
			return nil, &FetchError{
				Endpoint:   endpoint,
				StatusCode: resp.StatusCode,
				Attempts:   attempt + 1,
			}
		}
	}

	return nil, &FetchError{
		Endpoint:   endpoint,
		StatusCode: lastStatus,
		Attempts:   c.maxRetries + 1,
		Err:        lastErr,
	}
}

// backoff returns base×2^attempt, capped, plus up to 50% jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.retryBaseDelay << uint(attempt)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d + rand.N(d/2+1)
}

// sleep waits for d or until ctx is cancelled.
func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryAfter parses a Retry-After header given in seconds; 0 if absent
// or unparsable.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// buildDateWhere produces the server-side filter expression for an
// inclusive date range, e.g. `crash_date >= '2024-01-01T00:00:00' AND
// crash_date <= '2024-01-31T23:59:59'`.
func buildDateWhere(startDate, endDate, dateField string) string {
	if dateField == "" {
		return ""
	}
	switch {
	case startDate != "" && endDate != "":
		return fmt.Sprintf("%s >= '%sT00:00:00' AND %s <= '%sT23:59:59'",
			dateField, startDate, dateField, endDate)
	case startDate != "":
		return fmt.Sprintf("%s >= '%sT00:00:00'", dateField, startDate)
	case endDate != "":
		return fmt.Sprintf("%s <= '%sT23:59:59'", dateField, endDate)
	default:
		return ""
	}
}
