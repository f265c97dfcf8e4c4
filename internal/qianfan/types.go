package qianfan

import "encoding/json"

// Message roles accepted by the chat completions endpoint.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// WebSearch controls the endpoint's built-in retrieval feature.
type WebSearch struct {
	Enable         bool `json:"enable"`
	EnableCitation bool `json:"enable_citation"`
	EnableTrace    bool `json:"enable_trace"`
	EnableStatus   bool `json:"enable_status"`
}

// ChatRequest carries the recognized chat completion parameters.
// Optional fields are pointers (or nil-able values): only explicitly
// set fields are transmitted, unset fields are absent from the wire
// payload rather than sent as null or zero.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	// SystemPrompt is prepended to Messages as a system message unless
	// the conversation already starts with one. It is never a payload
	// field of its own.
	SystemPrompt string `json:"system_prompt,omitempty"`

	Temperature         *float64          `json:"temperature,omitempty"`
	TopP                *float64          `json:"top_p,omitempty"`
	PenaltyScore        *float64          `json:"penalty_score,omitempty"`
	MaxCompletionTokens *int              `json:"max_completion_tokens,omitempty"`
	Seed                *int              `json:"seed,omitempty"`
	Stop                []string          `json:"stop,omitempty"`
	FrequencyPenalty    *float64          `json:"frequency_penalty,omitempty"`
	PresencePenalty     *float64          `json:"presence_penalty,omitempty"`
	Tools               json.RawMessage   `json:"tools,omitempty"`
	ToolChoice          json.RawMessage   `json:"tool_choice,omitempty"`
	ParallelToolCalls   *bool             `json:"parallel_tool_calls,omitempty"`
	WebSearch           *WebSearch        `json:"web_search,omitempty"`
	ResponseFormat      json.RawMessage   `json:"response_format,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	User                string            `json:"user,omitempty"`
	Stream              bool              `json:"stream,omitempty"`
	StreamOptions       json.RawMessage   `json:"stream_options,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// Estimated is true when the vendor omitted prompt_tokens and the
	// local byte-length estimate was used instead.
	Estimated bool `json:"estimated,omitempty"`
}

// ErrorKind is the closed set of failure classes a chat call can
// produce. Every failure is normalized into AIResponse.Err; Chat never
// returns a Go error.
type ErrorKind string

const (
	ErrConfiguration ErrorKind = "configuration"
	ErrTransport     ErrorKind = "transport"
	ErrVendor        ErrorKind = "vendor"
	ErrMalformed     ErrorKind = "malformed"
)

type CallError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *CallError) Error() string {
	return e.Message
}

func newError(kind ErrorKind, message string) *CallError {
	return &CallError{Kind: kind, Message: message}
}

// AIResponse is the normalized result of one chat completion call.
// Exactly one of Content or Err is meaningful: Err == nil means the
// call succeeded (Content may still be empty, that is not an error).
type AIResponse struct {
	Model        string     `json:"model"`
	Content      string     `json:"content,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Err          *CallError `json:"error,omitempty"`
}

// wire payload: defaults are always transmitted, optional fields only
// when the caller set them.
type chatPayload struct {
	Model               string            `json:"model"`
	Messages            []Message         `json:"messages"`
	Temperature         float64           `json:"temperature"`
	TopP                float64           `json:"top_p"`
	PenaltyScore        float64           `json:"penalty_score"`
	ParallelToolCalls   bool              `json:"parallel_tool_calls"`
	Stream              bool              `json:"stream"`
	WebSearch           *WebSearch        `json:"web_search,omitempty"`
	MaxCompletionTokens *int              `json:"max_completion_tokens,omitempty"`
	Seed                *int              `json:"seed,omitempty"`
	Stop                []string          `json:"stop,omitempty"`
	FrequencyPenalty    *float64          `json:"frequency_penalty,omitempty"`
	PresencePenalty     *float64          `json:"presence_penalty,omitempty"`
	Tools               json.RawMessage   `json:"tools,omitempty"`
	ToolChoice          json.RawMessage   `json:"tool_choice,omitempty"`
	ResponseFormat      json.RawMessage   `json:"response_format,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	User                string            `json:"user,omitempty"`
	StreamOptions       json.RawMessage   `json:"stream_options,omitempty"`
}

type chatResponse struct {
	ErrorCode *json.Number `json:"error_code,omitempty"`
	ErrorMsg  *string      `json:"error_msg,omitempty"`
	Choices   []chatChoice `json:"choices"`
	Usage     *usageBlock  `json:"usage"`
}

type chatChoice struct {
	Message      *chatMessage `json:"message"`
	FinishReason string       `json:"finish_reason"`
}

type chatMessage struct {
	Content string `json:"content"`
}

// usage fields are pointers so an absent field can be told apart from
// an explicit zero; absent prompt_tokens falls back to the local
// estimate.
type usageBlock struct {
	PromptTokens     *int `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
	TotalTokens      *int `json:"total_tokens"`
}
