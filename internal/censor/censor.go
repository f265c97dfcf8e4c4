// Package censor calls the Baidu text moderation endpoint. The service
// uses OAuth client-credentials tokens rather than a bearer API key, so
// the client caches the access token in memory and, when a Redis client
// is supplied, writes it through so restarts reuse a live token.
package censor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DefaultTokenURL  = "https://aip.baidubce.com/oauth/2.0/token"
	DefaultCensorURL = "https://aip.baidubce.com/rest/2.0/solution/v1/text_censor/v2/user_defined"

	DefaultTimeout = 30 * time.Second

	// Refresh this long before the vendor-reported expiry.
	tokenExpirySlack = 60 * time.Second

	tokenCacheKey = "censor:access_token"
)

type Client struct {
	apiKey     string
	secretKey  string
	tokenURL   string
	censorURL  string
	httpClient *http.Client
	cache      *redis.Client
	log        zerolog.Logger

	token tokenState
}

type Option func(*Client)

func WithTokenURL(url string) Option {
	return func(c *Client) { c.tokenURL = url }
}

func WithCensorURL(url string) Option {
	return func(c *Client) { c.censorURL = url }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenCache shares the access token through Redis.
func WithTokenCache(rdb *redis.Client) Option {
	return func(c *Client) { c.cache = rdb }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func New(apiKey, secretKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		secretKey:  secretKey,
		tokenURL:   DefaultTokenURL,
		censorURL:  DefaultCensorURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Result is the raw moderation response. conclusionType: 1 compliant,
// 2 non-compliant, 3 suspect, 4 moderation failure.
type Result struct {
	ErrorCode      *json.Number `json:"error_code,omitempty"`
	ErrorMsg       string       `json:"error_msg,omitempty"`
	Conclusion     string       `json:"conclusion,omitempty"`
	ConclusionType *int         `json:"conclusionType,omitempty"`
	Data           []ResultItem `json:"data,omitempty"`
}

type ResultItem struct {
	Type    int    `json:"type,omitempty"`
	SubType int    `json:"subType,omitempty"`
	Msg     string `json:"msg,omitempty"`
	Hits    []Hit  `json:"hits,omitempty"`
}

type Hit struct {
	Words []string `json:"words,omitempty"`
}

// CensorText submits one text for moderation.
func (c *Client) CensorText(ctx context.Context, text string) (*Result, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{"text": {text}}
	endpoint := fmt.Sprintf("%s?access_token=%s", c.censorURL, url.QueryEscape(token))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("censor request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("censor api error (status %d)", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode censor response: %w", err)
	}
	return &result, nil
}

// Verdict is the analyzed conclusion of a moderation result.
type Verdict struct {
	Compliant  bool     `json:"compliant"`
	Conclusion string   `json:"conclusion"`
	Detail     string   `json:"detail"`
	HitWords   []string `json:"hit_words,omitempty"`
}

// Analyze reduces a raw Result to a pass/fail verdict with a
// human-readable detail listing violation types and hit words.
func Analyze(r *Result) Verdict {
	if r.ErrorCode != nil {
		return Verdict{
			Compliant:  false,
			Conclusion: "error",
			Detail:     fmt.Sprintf("API error %s: %s", r.ErrorCode.String(), r.ErrorMsg),
		}
	}

	// Absent conclusionType is treated as compliant, matching the
	// endpoint's default.
	conclusionType := 1
	if r.ConclusionType != nil {
		conclusionType = *r.ConclusionType
	}

	if conclusionType == 1 {
		return Verdict{Compliant: true, Conclusion: r.Conclusion, Detail: fmt.Sprintf("conclusion: %s", r.Conclusion)}
	}

	var lines []string
	var hitWords []string
	lines = append(lines, fmt.Sprintf("conclusion: %s", r.Conclusion))
	for _, item := range r.Data {
		if item.Msg == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("type %d: %s", item.Type, item.Msg))
		for _, hit := range item.Hits {
			if len(hit.Words) > 0 {
				lines = append(lines, fmt.Sprintf("  hit words: %s", strings.Join(hit.Words, ", ")))
				hitWords = append(hitWords, hit.Words...)
			}
		}
	}

	return Verdict{
		Compliant:  false,
		Conclusion: r.Conclusion,
		Detail:     strings.Join(lines, "\n"),
		HitWords:   hitWords,
	}
}
