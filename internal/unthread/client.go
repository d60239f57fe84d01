package unthread

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Napageneral/unthread-extractor/internal/metrics"
)

const (
	DefaultMaxRetries = 3
	defaultTimeout    = 60 * time.Second
	maxIdleConns      = 100
	idleConnTimeout   = 90 * time.Second
)

// ErrUnsupportedMethod is returned for methods other than GET, POST and PATCH.
var ErrUnsupportedMethod = errors.New("unsupported HTTP method")

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	Metrics    *metrics.Metrics
	Logger     *zerolog.Logger
}

// Client is an Unthread REST client. Each Client owns its own HTTP transport,
// so workers that need isolated connection state should each build one.
type Client struct {
	http       *resty.Client
	baseURL    string
	maxRetries int
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// Request describes one logical API call.
type Request struct {
	Endpoint string
	Method   string
	Body     map[string]any
	Query    map[string]string
	// Cursor is injected into the request body as "cursor" when set.
	Cursor string
	// MaxRetries overrides the client default when > 0.
	MaxRetries int
}

// Page is the decoded result of a request. GET and PATCH responses are
// single-shot: Raw holds the body, Items holds it as the only element and
// HasNext is false.
type Page struct {
	Items      []json.RawMessage
	Raw        json.RawMessage
	NextCursor string
	HasNext    bool
}

type listEnvelope struct {
	Data    []json.RawMessage `json:"data"`
	Cursors struct {
		Next    *string `json:"next"`
		HasNext bool    `json:"hasNext"`
	} `json:"cursors"`
}

// RequestError is returned once every attempt of a request has failed.
type RequestError struct {
	Method     string
	Endpoint   string
	Attempts   int
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("API request %s %s failed after %d attempts: %v", e.Method, e.Endpoint, e.Attempts, e.Err)
	if e.Body != "" {
		msg += "\nResponse: " + e.Body
	}
	return msg
}

func (e *RequestError) Unwrap() error { return e.Err }

// NewClient creates a client with pooled connections and a static API key.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     idleConnTimeout,
		ForceAttemptHTTP2:   true,
	}

	httpClient := resty.New().
		SetTransport(transport).
		SetTimeout(timeout).
		SetHeader("X-Api-Key", opts.APIKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "unthread-extractor/1.0")

	return &Client{
		http:       httpClient,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		maxRetries: maxRetries,
		metrics:    opts.Metrics,
		log:        logger.With().Str("component", "unthread").Logger(),
	}
}

// CloseIdleConnections releases the client's idle keep-alive connections.
func (c *Client) CloseIdleConnections() {
	c.http.GetClient().CloseIdleConnections()
}

// Request performs req, retrying transport failures and non-2xx responses
// immediately up to the configured number of attempts.
func (c *Client) Request(ctx context.Context, req Request) (Page, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPatch:
	default:
		return Page{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, req.Method)
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.maxRetries
	}

	body := req.Body
	if req.Cursor != "" && method == http.MethodPost {
		body = make(map[string]any, len(req.Body)+1)
		for k, v := range req.Body {
			body[k] = v
		}
		body["cursor"] = req.Cursor
	}

	url := c.baseURL + req.Endpoint
	c.log.Debug().Str("method", method).Str("url", url).Str("cursor", req.Cursor).Msg("api request")

	var (
		lastErr    error
		lastStatus int
		lastBody   string
		attempts   int
	)
	for attempt := 1; attempt <= maxRetries; attempt++ {
		attempts = attempt
		r := c.http.R().SetContext(ctx)
		if len(req.Query) > 0 {
			r.SetQueryParams(req.Query)
		}
		if body != nil && method != http.MethodGet {
			r.SetBody(body)
		}

		resp, err := r.Execute(method, url)
		switch {
		case err != nil:
			lastErr = err
			lastStatus = 0
			lastBody = ""
			if resp != nil {
				lastStatus = resp.StatusCode()
				lastBody = resp.String()
			}
		case !resp.IsSuccess():
			lastStatus = resp.StatusCode()
			lastBody = resp.String()
			lastErr = fmt.Errorf("unexpected status %d", lastStatus)
		default:
			c.metrics.ObserveRequest(method, true)
			return decode(method, resp.Body())
		}

		if ctx.Err() != nil {
			break
		}
		if attempt < maxRetries {
			c.metrics.ObserveRetry(method)
			c.log.Warn().
				Err(lastErr).
				Str("method", method).
				Str("endpoint", req.Endpoint).
				Int("attempt", attempt).
				Int("max_attempts", maxRetries).
				Msg("api request failed, retrying")
		}
	}

	c.metrics.ObserveRequest(method, false)
	reqErr := &RequestError{
		Method:     method,
		Endpoint:   req.Endpoint,
		Attempts:   attempts,
		StatusCode: lastStatus,
		Body:       lastBody,
		Err:        lastErr,
	}
	c.log.Error().Err(reqErr).Msg("api request exhausted retries")
	return Page{}, reqErr
}

func decode(method string, body []byte) (Page, error) {
	if method != http.MethodPost {
		raw := json.RawMessage(body)
		page := Page{Raw: raw}
		trimmed := strings.TrimSpace(string(body))
		if trimmed != "" && trimmed != "null" {
			if !json.Valid(body) {
				return Page{}, fmt.Errorf("invalid JSON response: %s", truncate(trimmed, 200))
			}
			page.Items = []json.RawMessage{raw}
		}
		return page, nil
	}

	var env listEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Page{}, fmt.Errorf("invalid JSON response: %w", err)
	}
	page := Page{
		Items:   env.Data,
		Raw:     json.RawMessage(body),
		HasNext: env.Cursors.HasNext,
	}
	if env.Cursors.Next != nil {
		page.NextCursor = *env.Cursors.Next
	}
	return page, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
