package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harun/otaku/internal/observability"
	"github.com/harun/otaku/internal/tracing"
	"github.com/harun/otaku/pkg/credentials"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL  = "https://api.myanimelist.net/v2"
	DefaultTokenURL = "https://myanimelist.net/v1/oauth2/token"

	defaultRequestsPerMinute = 60
	defaultBurst             = 5
	defaultTimeout           = 30 * time.Second
	maxBodySize              = 1 << 20
)

// ErrUnauthorized marks a response rejected for a missing or expired access
// token. The response body is still handed to the caller as tool output.
var ErrUnauthorized = errors.New("catalog access token rejected")

// Config configures the catalog client
type Config struct {
	BaseURL           string
	TokenURL          string
	RequestsPerMinute int
	Burst             int
	Timeout           time.Duration
	HTTPClient        *http.Client
	Logger            zerolog.Logger
}

// Client calls the MyAnimeList v2 REST API with the bearer token held in the
// credential store.
type Client struct {
	baseURL    string
	creds      credentials.Store
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// NewClient creates a catalog client
func NewClient(cfg Config, creds credentials.Store) (*Client, error) {
	if creds == nil {
		return nil, errors.New("credential store is required")
	}

	cfg = cfg.withDefaults()
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid catalog base url: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	observability.EnsureRegistered()

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		creds:      creds,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute)/60.0, cfg.Burst),
		logger:     cfg.Logger,
	}, nil
}

func (cfg Config) withDefaults() Config {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return cfg
}

// Request describes one catalog API call. Form is sent url-encoded in the
// body for PUT and DELETE.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Form   url.Values
}

// Do performs the request and returns the response body as text.
//
// Client errors (including 401) are returned as body text with a nil error
// so the requesting agent can read them. Transport failures and server
// errors are returned as errors.
func (c *Client) Do(ctx context.Context, req Request) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "otaku.catalog", "catalog.request",
		attribute.String("method", req.Method),
		attribute.String("path", req.Path),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	endpoint := c.baseURL + req.Path
	if len(req.Query) > 0 {
		endpoint += "?" + req.Query.Encode()
	}

	var body io.Reader
	if len(req.Form) > 0 {
		body = strings.NewReader(req.Form.Encode())
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, endpoint, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	token, err := c.creds.Get(ctx, credentials.AccessToken)
	switch {
	case err == nil:
		httpReq.Header.Set("Authorization", "Bearer "+token)
	case errors.Is(err, credentials.ErrNotFound):
		// sent unauthenticated; the API answers 401 and the router refreshes
		logger.Warn().Str("path", req.Path).Msg("No access token stored")
	default:
		return "", fmt.Errorf("read access token: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		observability.RecordCatalogRequest(req.Method, "transport")
		tracing.Fail(span, err)
		return "", fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		observability.RecordCatalogRequest(req.Method, "transport")
		return "", fmt.Errorf("read catalog response: %w", err)
	}

	observability.RecordCatalogRequest(req.Method, statusClass(resp.StatusCode))
	span.SetAttributes(attribute.Int("status", resp.StatusCode))

	text := strings.TrimSpace(string(data))
	if text == "" {
		text = fmt.Sprintf(`{"status":%d}`, resp.StatusCode)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		err := fmt.Errorf("catalog API error (status %d): %s", resp.StatusCode, text)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		logger.Warn().
			Err(ErrUnauthorized).
			Str("path", req.Path).
			Msg("Catalog rejected access token")
		if !IsUnauthorized(text) {
			text = unauthorizedBody(text)
		}
	}

	return text, nil
}

// unauthorizedBody wraps a 401 body the API did not phrase as JSON so the
// rejection stays detectable downstream
func unauthorizedBody(text string) string {
	wrapped, _ := json.Marshal(struct {
		Status int    `json:"status"`
		Error  string `json:"error"`
		Body   string `json:"body,omitempty"`
	}{http.StatusUnauthorized, "unauthorized", text})
	return string(wrapped)
}

// IsUnauthorized reports whether a catalog response body signals an
// expired or invalid access token. Only the top-level error and status
// fields of a JSON body are consulted; anything else is not a rejection.
func IsUnauthorized(body string) bool {
	if !gjson.Valid(body) {
		return false
	}
	errCode := gjson.Get(body, "error").String()
	if errCode == "invalid_token" || errCode == "unauthorized" {
		return true
	}
	return gjson.Get(body, "status").Int() == http.StatusUnauthorized
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
