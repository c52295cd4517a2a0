// Package airtable implements the cache's Source interface over the
// Airtable REST API. The API is slow and rate-limited (5 requests per
// second per base), so the client enforces the limit itself, retries
// throttled calls with exponential backoff, and trips a circuit breaker
// when the API stops answering.
package airtable

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/hackclub/podium-cache/pkg/cache"
	"github.com/hackclub/podium-cache/pkg/observability"
)

// Config holds Airtable connection settings.
type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	BaseID  string        `mapstructure:"base_id"`
	Timeout time.Duration `mapstructure:"timeout"`

	// RequestsPerSecond is the client-side rate limit. Airtable enforces
	// 5 rps per base and answers 429 for 30 seconds after a violation.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	// MaxRetries bounds backoff retries on 429 and 5xx responses.
	MaxRetries uint64 `mapstructure:"max_retries"`
}

// DefaultConfig returns the default Airtable client settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://api.airtable.com/v0",
		Timeout:           15 * time.Second,
		RequestsPerSecond: 5,
		MaxRetries:        3,
	}
}

// Client talks to one Airtable base. It implements cache.Source.
type Client struct {
	http    *resty.Client
	baseID  string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	retries uint64
	logger  observability.Logger
}

// NewClient creates an Airtable client for the configured base.
func NewClient(cfg Config, logger observability.Logger) *Client {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.APIKey).
		SetTimeout(cfg.Timeout)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "airtable",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 30 * time.Second,
		// Only unavailability trips the breaker; a 404 is a perfectly
		// healthy answer.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, cache.ErrSourceUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", map[string]interface{}{
				"breaker": name, "from": from.String(), "to": to.String(),
			})
		},
	})

	return &Client{
		http:    httpClient,
		baseID:  cfg.BaseID,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		breaker: breaker,
		retries: cfg.MaxRetries,
		logger:  logger.WithPrefix("airtable"),
	}
}

type recordPayload struct {
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

type listPayload struct {
	Records []recordPayload `json:"records"`
	Offset  string          `json:"offset"`
}

// GetRecord fetches one record by id.
func (c *Client) GetRecord(ctx context.Context, table, id string) (*cache.Record, error) {
	var payload recordPayload
	err := c.do(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetResult(&payload).
			Get(fmt.Sprintf("/%s/%s/%s", c.baseID, table, id))
	})
	if err != nil {
		return nil, err
	}
	return &cache.Record{ID: payload.ID, Fields: payload.Fields}, nil
}

// GetRecords batch-fetches records by id with a single filter query per
// page. Ids the base does not know are omitted from the result.
func (c *Client) GetRecords(ctx context.Context, table string, ids []string) ([]cache.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	clauses := make([]string, 0, len(ids))
	for _, id := range ids {
		clauses = append(clauses, fmt.Sprintf("RECORD_ID()='%s'", escapeFormula(id)))
	}
	return c.list(ctx, table, fmt.Sprintf("OR(%s)", strings.Join(clauses, ",")))
}

// ListRecords fetches every record whose field equals value.
func (c *Client) ListRecords(ctx context.Context, table, field, value string) ([]cache.Record, error) {
	return c.list(ctx, table, fmt.Sprintf("{%s}='%s'", field, escapeFormula(value)))
}

// DeleteRecord deletes one record by id.
func (c *Client) DeleteRecord(ctx context.Context, table, id string) error {
	return c.do(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			Delete(fmt.Sprintf("/%s/%s/%s", c.baseID, table, id))
	})
}

func (c *Client) list(ctx context.Context, table, formula string) ([]cache.Record, error) {
	var records []cache.Record
	offset := ""
	for {
		var payload listPayload
		err := c.do(ctx, func() (*resty.Response, error) {
			req := c.http.R().
				SetContext(ctx).
				SetResult(&payload).
				SetQueryParam("filterByFormula", formula)
			if offset != "" {
				req.SetQueryParam("offset", offset)
			}
			return req.Get(fmt.Sprintf("/%s/%s", c.baseID, table))
		})
		if err != nil {
			return nil, err
		}
		for _, rec := range payload.Records {
			records = append(records, cache.Record{ID: rec.ID, Fields: rec.Fields})
		}
		if payload.Offset == "" {
			return records, nil
		}
		offset = payload.Offset
	}
}

// do runs one API call through the rate limiter, circuit breaker, and
// retry policy, and maps the outcome onto the cache's error taxonomy.
func (c *Client) do(ctx context.Context, call func() (*resty.Response, error)) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		op := func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}

			resp, err := call()
			if err != nil {
				return fmt.Errorf("%w: %v", cache.ErrSourceUnavailable, err)
			}

			switch code := resp.StatusCode(); {
			case code >= 200 && code < 300:
				return nil
			case code == http.StatusNotFound:
				return backoff.Permanent(cache.ErrSourceNotFound)
			case code == http.StatusTooManyRequests || code >= 500:
				return fmt.Errorf("%w: airtable answered %d", cache.ErrSourceUnavailable, code)
			default:
				return backoff.Permanent(fmt.Errorf("airtable answered %d: %s", code, resp.String()))
			}
		}

		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
		return nil, backoff.Retry(op, policy)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", cache.ErrSourceUnavailable, err)
	}
	return err
}

// escapeFormula escapes a value for interpolation into a filterByFormula
// string literal.
func escapeFormula(v string) string {
	return strings.ReplaceAll(v, "'", "\\'")
}
