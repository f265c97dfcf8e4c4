package qianfan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/vnmchuo/qianfan-gateway/internal/stats"
)

const (
	// DefaultChatURL is the Qianfan v2 chat completions endpoint.
	DefaultChatURL = "https://qianfan.baidubce.com/v2/chat/completions"

	// DefaultTimeout bounds a single blocking call; there are no
	// retries at this layer.
	DefaultTimeout = 120 * time.Second
)

// Parameter defaults transmitted on every request.
const (
	defaultTemperature  = 0.01
	defaultTopP         = 0.7
	defaultPenaltyScore = 1.0
)

// Client calls the Qianfan chat completions endpoint with a bearer
// token credential. All failure modes are reported inside AIResponse,
// so Chat is total from the caller's perspective.
type Client struct {
	apiKey     string
	chatURL    string
	httpClient *http.Client
	sink       stats.Recorder
	webSearch  *WebSearch
	log        zerolog.Logger
}

type Option func(*Client)

func WithChatURL(url string) Option {
	return func(c *Client) { c.chatURL = url }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRecorder injects the sink that accumulates token usage across
// calls. Without one, usage is still returned per call but not
// accumulated.
func WithRecorder(sink stats.Recorder) Option {
	return func(c *Client) { c.sink = sink }
}

// WithDefaultWebSearch sets the web_search sub-object applied when a
// request does not override it. Without one, web_search is omitted
// from the payload, which the endpoint treats as disabled.
func WithDefaultWebSearch(ws *WebSearch) Option {
	return func(c *Client) { c.webSearch = ws }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		chatURL:    DefaultChatURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chat performs one blocking chat completion call. The returned
// AIResponse always has Model set; Err is non-nil for every failure
// mode (missing credential, transport fault, vendor error payload,
// malformed success payload).
func (c *Client) Chat(ctx context.Context, req *ChatRequest) *AIResponse {
	if c.apiKey == "" {
		c.log.Error().Msg("BAIDU_API_KEY is not set, refusing to call the chat endpoint")
		return &AIResponse{Model: req.Model, Err: newError(ErrConfiguration, "Missing BAIDU_API_KEY")}
	}

	if req.Stream {
		return &AIResponse{Model: req.Model, Err: newError(ErrConfiguration, "Streaming not supported in this client")}
	}

	estimatedInput := estimateInputTokens(req)

	body, err := json.Marshal(c.buildPayload(req))
	if err != nil {
		return &AIResponse{Model: req.Model, Err: newError(ErrTransport, fmt.Sprintf("encode request: %v", err))}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return &AIResponse{Model: req.Model, Err: newError(ErrTransport, fmt.Sprintf("build request: %v", err))}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.log.Error().Err(err).Str("model", req.Model).Msg("chat completion transport failure")
		return &AIResponse{Model: req.Model, Err: newError(ErrTransport, err.Error())}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		msg := fmt.Sprintf("qianfan api error (status %d): %s", resp.StatusCode, string(respBody))
		c.log.Error().Int("status", resp.StatusCode).Str("model", req.Model).Msg("chat completion non-2xx response")
		return &AIResponse{Model: req.Model, Err: newError(ErrTransport, msg)}
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return &AIResponse{Model: req.Model, Err: newError(ErrMalformed, fmt.Sprintf("decode response: %v", err))}
	}

	return c.interpret(req, &decoded, estimatedInput)
}

// interpret classifies the decoded body in order: vendor error payload,
// then malformed success, then success. Token accounting happens only
// on the path that successfully extracts choices[0].message.
func (c *Client) interpret(req *ChatRequest, decoded *chatResponse, estimatedInput int) *AIResponse {
	if decoded.ErrorCode != nil || decoded.ErrorMsg != nil {
		code := "unknown"
		if decoded.ErrorCode != nil {
			code = decoded.ErrorCode.String()
		}
		msg := "Unknown API error"
		if decoded.ErrorMsg != nil {
			msg = *decoded.ErrorMsg
		}
		c.log.Error().Str("code", code).Str("model", req.Model).Msg("qianfan vendor error: " + msg)
		return &AIResponse{Model: req.Model, Err: newError(ErrVendor, fmt.Sprintf("API Error %s: %s", code, msg))}
	}

	if len(decoded.Choices) == 0 || decoded.Choices[0].Message == nil {
		c.log.Error().Str("model", req.Model).Msg("qianfan response missing message field")
		return &AIResponse{Model: req.Model, Err: newError(ErrMalformed, "Response missing message content")}
	}

	choice := decoded.Choices[0]
	content := choice.Message.Content

	inputTokens := estimatedInput
	outputTokens := 0
	estimated := decoded.Usage == nil || decoded.Usage.PromptTokens == nil
	if decoded.Usage != nil {
		if decoded.Usage.PromptTokens != nil {
			inputTokens = *decoded.Usage.PromptTokens
		}
		if decoded.Usage.CompletionTokens != nil {
			outputTokens = *decoded.Usage.CompletionTokens
		}
	}
	totalTokens := inputTokens + outputTokens
	if decoded.Usage != nil && decoded.Usage.TotalTokens != nil {
		totalTokens = *decoded.Usage.TotalTokens
	}

	if c.sink != nil {
		c.sink.Record(stats.Call{
			Model:                req.Model,
			InputTokens:          inputTokens,
			OutputTokens:         outputTokens,
			TotalTokens:          totalTokens,
			EstimatedInputTokens: estimatedInput,
			SystemPromptLength:   utf8.RuneCountInString(req.SystemPrompt),
			UserContentLength:    messagesContentLength(req.Messages),
		})
	}

	c.log.Info().
		Str("model", req.Model).
		Str("finish_reason", choice.FinishReason).
		Int("input_tokens", inputTokens).
		Int("output_tokens", outputTokens).
		Int("total_tokens", totalTokens).
		Msg("chat completion succeeded")

	return &AIResponse{
		Model:        req.Model,
		Content:      content,
		Usage:        &Usage{PromptTokens: inputTokens, CompletionTokens: outputTokens, TotalTokens: totalTokens, Estimated: estimated},
		FinishReason: choice.FinishReason,
	}
}

// buildPayload assembles the wire payload. Defaults are always sent;
// optional parameters appear only when the caller set them. A supplied
// system prompt is folded into messages, never sent as its own field.
func (c *Client) buildPayload(req *ChatRequest) *chatPayload {
	messages := req.Messages
	if req.SystemPrompt != "" {
		if len(messages) == 0 || messages[0].Role != RoleSystem {
			messages = append([]Message{{Role: RoleSystem, Content: req.SystemPrompt}}, messages...)
		}
	}

	p := &chatPayload{
		Model:               req.Model,
		Messages:            messages,
		Temperature:         defaultTemperature,
		TopP:                defaultTopP,
		PenaltyScore:        defaultPenaltyScore,
		ParallelToolCalls:   true,
		Stream:              false,
		WebSearch:           c.webSearch,
		MaxCompletionTokens: req.MaxCompletionTokens,
		Seed:                req.Seed,
		Stop:                req.Stop,
		FrequencyPenalty:    req.FrequencyPenalty,
		PresencePenalty:     req.PresencePenalty,
		Tools:               req.Tools,
		ToolChoice:          req.ToolChoice,
		ResponseFormat:      req.ResponseFormat,
		Metadata:            req.Metadata,
		User:                req.User,
		StreamOptions:       req.StreamOptions,
	}

	if req.Temperature != nil {
		p.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		p.TopP = *req.TopP
	}
	if req.PenaltyScore != nil {
		p.PenaltyScore = *req.PenaltyScore
	}
	if req.ParallelToolCalls != nil {
		p.ParallelToolCalls = *req.ParallelToolCalls
	}
	if req.WebSearch != nil {
		p.WebSearch = req.WebSearch
	}

	return p
}

// EstimateTokens approximates the token count of a text as its UTF-8
// byte length divided by two. This is a known-approximate heuristic
// kept for parity with the vendor's rough guidance on mixed
// Chinese/English text; it is used only when the vendor omits usage.
func EstimateTokens(text string) int {
	return len(text) / 2
}

// estimateInputTokens mirrors the pre-call estimate over the original
// messages plus the system prompt, each terminated with a newline.
func estimateInputTokens(req *ChatRequest) int {
	var b strings.Builder
	if req.SystemPrompt != "" {
		b.WriteString(req.SystemPrompt)
		b.WriteByte('\n')
	}
	for _, m := range req.Messages {
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return EstimateTokens(b.String())
}

func messagesContentLength(messages []Message) int {
	n := 0
	for _, m := range messages {
		n += utf8.RuneCountInString(m.Content)
	}
	return n
}
