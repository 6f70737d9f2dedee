package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tallysync/tally/internal/common"
	"github.com/tallysync/tally/internal/relay/api"
)

// doJSON performs one authenticated JSON request. A 401 triggers a single
// transparent token refresh and retry; a second 401 surfaces as
// common.ErrUnauthorized.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	status, err := c.attempt(ctx, method, path, body, out)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		if err := c.refresh(ctx); err != nil {
			return err
		}
		status, err = c.attempt(ctx, method, path, body, out)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return common.ErrUnauthorized
		}
	}
	return nil
}

// attempt runs one HTTP round trip. Non-2xx statuses other than 401 are
// returned as errors carrying the relay's message.
func (c *Client) attempt(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.accessTokenSnapshot(); token != "" {
		req.Header.Set(common.AuthorizationHeaderName, "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return resp.StatusCode, fmt.Errorf("relay: %s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return resp.StatusCode, fmt.Errorf("relay: unexpected status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding relay response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// refresh exchanges the refresh token for a new pair.
func (c *Client) refresh(ctx context.Context) error {
	c.mu.Lock()
	token := c.refreshToken
	c.mu.Unlock()
	if token == "" {
		return common.ErrUnauthorized
	}

	var tokens api.TokenResponse
	status, err := c.attempt(ctx, http.MethodPost, api.RouteRefresh, api.RefreshRequest{RefreshToken: token}, &tokens)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		return common.ErrRefreshTokenExpired
	}

	c.setTokens(tokens.AccessToken, tokens.RefreshToken)
	return nil
}

func (c *Client) accessTokenSnapshot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

func (c *Client) setTokens(access, refreshTok string) {
	c.mu.Lock()
	c.accessToken = access
	c.refreshToken = refreshTok
	c.mu.Unlock()
}
