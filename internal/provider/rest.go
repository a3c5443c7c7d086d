package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/johnayoung/go-market-integrity/internal/config"
	errs "github.com/johnayoung/go-market-integrity/internal/errors"
)

const (
	barsEndpoint   = "/v2/stocks/%s/bars"
	maxPageSize    = 10000
	requestTimeout = 30 * time.Second
	userAgent      = "go-market-integrity/1.0"

	// Defaults when no rate limit is configured.
	defaultRequestsPerSecond = 3
	defaultBurst             = 1
)

// RESTProvider reads bars from a JSON bars endpoint using the Alpaca v2
// response shape: {"bars": [...], "next_page_token": "..."}.
type RESTProvider struct {
	name       string
	baseURL    string
	apiKey     string
	apiSecret  string
	adjustment Adjustment
	httpClient *http.Client
	limiter    *rate.Limiter
	classifier *errs.Classifier
	breaker    *errs.CircuitBreaker
	logger     *slog.Logger
}

// RESTOption configures a RESTProvider.
type RESTOption func(*RESTProvider)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) RESTOption {
	return func(p *RESTProvider) { p.httpClient = c }
}

// WithRateLimit sets the request rate.
func WithRateLimit(perSecond float64, burst int) RESTOption {
	return func(p *RESTProvider) {
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithCredentials sets the API key headers.
func WithCredentials(key, secret string) RESTOption {
	return func(p *RESTProvider) {
		p.apiKey = key
		p.apiSecret = secret
	}
}

// WithClassifier routes requests through the retry loop and circuit breaker of c.
func WithClassifier(c *errs.Classifier) RESTOption {
	return func(p *RESTProvider) { p.classifier = c }
}

// WithAdjustment records the adjustment the endpoint applies.
func WithAdjustment(a Adjustment) RESTOption {
	return func(p *RESTProvider) { p.adjustment = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RESTOption {
	return func(p *RESTProvider) { p.logger = l }
}

// WithName overrides the provider tag.
func WithName(name string) RESTOption {
	return func(p *RESTProvider) { p.name = name }
}

// NewRESTProvider creates a provider for the bars API at baseURL.
func NewRESTProvider(baseURL string, opts ...RESTOption) *RESTProvider {
	p := &RESTProvider{
		name:       "rest",
		baseURL:    strings.TrimRight(baseURL, "/"),
		adjustment: AdjustmentRaw,
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), defaultBurst),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.classifier == nil {
		p.classifier = errs.NewClassifier(config.DefaultConfig().ErrorHandling, p.logger)
	}
	p.breaker = p.classifier.Breaker(p.name)
	p.logger = p.logger.With("component", "provider", "provider", p.name)
	return p
}

// Name implements Provider.
func (p *RESTProvider) Name() string { return p.name }

// Adjustment implements Adjuster.
func (p *RESTProvider) Adjustment() Adjustment { return p.adjustment }

type barsPage struct {
	Bars          []RawBar `json:"bars"`
	NextPageToken *string  `json:"next_page_token"`
}

// FetchBars implements Provider. Pages are followed until the token runs out
// or limit bars are collected.
func (p *RESTProvider) FetchBars(ctx context.Context, symbol, providerTimeframe string, from, to time.Time, limit int) ([]RawBar, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if to.Before(from) {
		return nil, fmt.Errorf("invalid range: end %s before start %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}

	var (
		bars  []RawBar
		token string
		pages int
	)
	for {
		pageSize := maxPageSize
		if limit > 0 {
			pageSize = min(pageSize, limit-len(bars))
		}

		params := url.Values{}
		params.Set("timeframe", providerTimeframe)
		params.Set("start", from.UTC().Format(time.RFC3339))
		params.Set("end", to.UTC().Format(time.RFC3339))
		params.Set("limit", strconv.Itoa(pageSize))
		params.Set("adjustment", string(p.adjustment))
		if token != "" {
			params.Set("page_token", token)
		}
		requestURL := p.baseURL + fmt.Sprintf(barsEndpoint, url.PathEscape(symbol)) + "?" + params.Encode()

		body, err := p.get(ctx, requestURL)
		if err != nil {
			return nil, fmt.Errorf("fetch %s %s bars: %w", symbol, providerTimeframe, err)
		}

		var page barsPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to parse bars response: %w", err)
		}
		bars = append(bars, page.Bars...)
		pages++

		if limit > 0 && len(bars) >= limit {
			bars = bars[:limit]
			break
		}
		if page.NextPageToken == nil || *page.NextPageToken == "" {
			break
		}
		token = *page.NextPageToken
	}

	p.logger.Debug("fetched bars",
		"symbol", symbol,
		"timeframe", providerTimeframe,
		"count", len(bars),
		"pages", pages)
	return bars, nil
}

// get performs one rate-limited GET with retries and returns the body.
func (p *RESTProvider) get(ctx context.Context, requestURL string) ([]byte, error) {
	var body []byte
	err := p.classifier.Retry(ctx, p.name, "get_bars", func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}
		call := func() error {
			b, err := p.do(ctx, requestURL)
			body = b
			return err
		}
		if p.breaker != nil {
			return p.breaker.Call(call)
		}
		return call()
	})
	return body, err
}

func (p *RESTProvider) do(ctx context.Context, requestURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if p.apiKey != "" {
		req.Header.Set("APCA-API-KEY-ID", p.apiKey)
		req.Header.Set("APCA-API-SECRET-KEY", p.apiSecret)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &errs.HTTPStatusError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), 256),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}
	return body, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(header string, now time.Time) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(max(seconds, 0)) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		return max(t.Sub(now), 0)
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
