package censor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

type tokenState struct {
	mu     sync.Mutex
	value  string
	expiry time.Time
}

// accessToken returns a live access token, in order of preference from
// memory, from Redis, or freshly exchanged against the OAuth endpoint.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.token.mu.Lock()
	defer c.token.mu.Unlock()

	if c.token.value != "" && time.Now().Before(c.token.expiry.Add(-tokenExpirySlack)) {
		return c.token.value, nil
	}

	if c.cache != nil {
		if token, err := c.cache.Get(ctx, tokenCacheKey).Result(); err == nil && token != "" {
			ttl, err := c.cache.TTL(ctx, tokenCacheKey).Result()
			if err == nil && ttl > tokenExpirySlack {
				c.token.value = token
				c.token.expiry = time.Now().Add(ttl)
				return token, nil
			}
		}
	}

	token, expiresIn, err := c.fetchToken(ctx)
	if err != nil {
		return "", err
	}

	c.token.value = token
	c.token.expiry = time.Now().Add(expiresIn)

	if c.cache != nil {
		if err := c.cache.Set(ctx, tokenCacheKey, token, expiresIn-tokenExpirySlack).Err(); err != nil {
			c.log.Warn().Err(err).Msg("failed to cache censor access token")
		}
	}

	c.log.Info().Dur("expires_in", expiresIn).Msg("censor access token refreshed")
	return token, nil
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	if c.apiKey == "" || c.secretKey == "" {
		return "", 0, fmt.Errorf("censor credentials are not configured")
	}

	params := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.apiKey},
		"client_secret": {c.secretKey},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	var data struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if data.AccessToken == "" {
		return "", 0, fmt.Errorf("token response missing access_token")
	}

	expiresIn := time.Duration(data.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		// Vendor default validity is 30 days.
		expiresIn = 30 * 24 * time.Hour
	}
	return data.AccessToken, expiresIn, nil
}
