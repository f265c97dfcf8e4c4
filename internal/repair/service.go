// Package repair moderates a text and, when it fails moderation, asks
// the chat model for a minimal compliant rewrite, re-checking the
// result for a bounded number of rounds.
package repair

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vnmchuo/qianfan-gateway/internal/censor"
	"github.com/vnmchuo/qianfan-gateway/internal/qianfan"
)

const (
	DefaultModel     = "ernie-4.5-turbo-128k"
	DefaultMaxRounds = 3
)

// Rewrites use a low temperature so the model stays close to the
// original text.
var (
	rewriteTemperature = 0.3
	rewriteTopP        = 0.8
	rewriteMaxTokens   = 5000
)

const rewriteSystemPrompt = "你是一位专业的文本编辑，擅长在保持原意的前提下，将内容修改得更加符合平台规范。"

const rewritePromptFormat = `请根据以下审核反馈，对文本进行最小化修改，使其符合内容规范。

审核发现的问题：
%s

修改要求：
1. 只针对上述具体问题进行修改
2. 保持原文的叙事风格和表达方式
3. 尽量使用委婉、隐喻的表达替代直接描述
4. 不要改变文本的核心内容
5. 只输出修改后的正文，不要输出任何说明

原文：
%s
`

type Moderator interface {
	CensorText(ctx context.Context, text string) (*censor.Result, error)
}

type ChatCompleter interface {
	Chat(ctx context.Context, req *qianfan.ChatRequest) *qianfan.AIResponse
}

type Status string

const (
	StatusCompliant    Status = "compliant"
	StatusFixed        Status = "fixed"
	StatusNonCompliant Status = "non_compliant"
)

// Outcome reports the final state of one text after moderation and any
// rewrite rounds. Text is the latest version, compliant or not.
type Outcome struct {
	Status Status `json:"status"`
	Text   string `json:"text"`
	Detail string `json:"detail,omitempty"`
	Rounds int    `json:"rounds"`
}

type Service struct {
	moderator Moderator
	chat      ChatCompleter
	model     string
	maxRounds int
	log       zerolog.Logger
}

type Option func(*Service)

func WithModel(model string) Option {
	return func(s *Service) { s.model = model }
}

func WithMaxRounds(n int) Option {
	return func(s *Service) { s.maxRounds = n }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

func New(moderator Moderator, chat ChatCompleter, opts ...Option) *Service {
	s := &Service{
		moderator: moderator,
		chat:      chat,
		model:     DefaultModel,
		maxRounds: DefaultMaxRounds,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process moderates text and rewrites it until it passes or the round
// budget is spent. A moderation or rewrite failure aborts with an
// error; a text that still fails moderation after all rounds is a
// non-error outcome with StatusNonCompliant.
func (s *Service) Process(ctx context.Context, text string) (*Outcome, error) {
	current := text
	var lastDetail string

	for round := 0; ; round++ {
		result, err := s.moderator.CensorText(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("moderation failed: %w", err)
		}

		verdict := censor.Analyze(result)
		if verdict.Compliant {
			status := StatusCompliant
			if round > 0 {
				status = StatusFixed
			}
			return &Outcome{Status: status, Text: current, Detail: lastDetail, Rounds: round}, nil
		}
		lastDetail = verdict.Detail

		if round >= s.maxRounds {
			s.log.Warn().Int("rounds", round).Msg("text still non-compliant after rewrite budget")
			return &Outcome{Status: StatusNonCompliant, Text: current, Detail: verdict.Detail, Rounds: round}, nil
		}

		s.log.Info().Int("round", round+1).Msg("text failed moderation, requesting rewrite")
		rewritten, err := s.rewrite(ctx, current, verdict.Detail)
		if err != nil {
			return nil, err
		}
		current = rewritten
	}
}

func (s *Service) rewrite(ctx context.Context, text, violationDetail string) (string, error) {
	resp := s.chat.Chat(ctx, &qianfan.ChatRequest{
		Model: s.model,
		Messages: []qianfan.Message{
			{Role: qianfan.RoleSystem, Content: rewriteSystemPrompt},
			{Role: qianfan.RoleUser, Content: fmt.Sprintf(rewritePromptFormat, violationDetail, text)},
		},
		Temperature:         &rewriteTemperature,
		TopP:                &rewriteTopP,
		MaxCompletionTokens: &rewriteMaxTokens,
	})
	if resp.Err != nil {
		return "", fmt.Errorf("rewrite call failed: %s", resp.Err.Message)
	}
	if resp.Content == "" {
		return "", fmt.Errorf("rewrite call returned empty content")
	}
	return resp.Content, nil
}
