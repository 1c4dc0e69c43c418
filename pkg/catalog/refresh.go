package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/harun/otaku/internal/observability"
	"github.com/harun/otaku/internal/tracing"
	"github.com/harun/otaku/pkg/credentials"
	"github.com/harun/otaku/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// RefreshToolName is the zero-argument tool bound to the router
const RefreshToolName = "refresh_access_token"

// Refresher exchanges the stored refresh token for a new access/refresh
// token pair and writes it back to the credential store.
type Refresher struct {
	tokenURL   string
	creds      credentials.Store
	httpClient *http.Client
	logger     zerolog.Logger

	// serializes refreshes so concurrent queries do not spend the same
	// refresh token twice
	mu sync.Mutex
}

// NewRefresher creates a token refresher
func NewRefresher(cfg Config, creds credentials.Store) (*Refresher, error) {
	if creds == nil {
		return nil, errors.New("credential store is required")
	}
	cfg = cfg.withDefaults()

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Refresher{
		tokenURL:   cfg.TokenURL,
		creds:      creds,
		httpClient: httpClient,
		logger:     cfg.Logger,
	}, nil
}

// Refresh performs the OAuth2 refresh_token grant
func (r *Refresher) Refresh(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "otaku.catalog", "catalog.refresh")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)
	runID, actor := toolexecutor.CallerFromContext(ctx)
	if actor == "" {
		actor = "system"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.refresh(ctx)
	observability.RecordTokenRefresh(err == nil)

	status := "success"
	if err != nil {
		status = "failure"
		tracing.Fail(span, err)
		logger.Error().Err(err).Msg("Access token refresh failed")
	} else {
		logger.Info().Msg("Access token refreshed")
	}
	observability.RecordCredentialAudit(ctx, "refresh_access_token", actor, status, map[string]interface{}{
		"run_id": runID,
	})

	return err
}

func (r *Refresher) refresh(ctx context.Context) error {
	form := url.Values{"grant_type": {"refresh_token"}}
	for _, name := range []string{credentials.ClientID, credentials.ClientSecret, credentials.RefreshToken} {
		value, err := r.creds.Get(ctx, name)
		if err != nil {
			if errors.Is(err, credentials.ErrNotFound) && name == credentials.ClientSecret {
				// public clients have no secret
				continue
			}
			return fmt.Errorf("read %s: %w", name, err)
		}
		form.Set(name, value)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read token response: %w", err)
	}
	body := string(data)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token endpoint error (status %d): %s", resp.StatusCode, strings.TrimSpace(body))
	}

	access := gjson.Get(body, "access_token").String()
	refresh := gjson.Get(body, "refresh_token").String()
	if access == "" || refresh == "" {
		return errors.New("token response missing access_token or refresh_token")
	}

	if err := r.creds.Update(ctx, map[string]string{
		credentials.AccessToken:  access,
		credentials.RefreshToken: refresh,
	}); err != nil {
		return fmt.Errorf("store refreshed tokens: %w", err)
	}

	return nil
}
