package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/naehrwerk/naehrwerk-bot/internal/config"
	"github.com/naehrwerk/naehrwerk-bot/internal/history"
	"github.com/naehrwerk/naehrwerk-bot/internal/llm"
	"github.com/naehrwerk/naehrwerk-bot/internal/logger"
)

var (
	// ErrEmptyHistory is returned when there is nothing to send.
	ErrEmptyHistory = errors.New("no turns to send")
	// ErrMalformedResponse is returned when the completion carries no usable reply.
	ErrMalformedResponse = errors.New("agent returned no reply content")
)

// Error wraps any failure of a completion call. The cause is always kept.
type Error struct {
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent: %v", e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Agent sends whole conversation histories to the language-model agent.
type Agent struct {
	llmClient    llm.Client
	model        string
	systemPrompt string
	log          *slog.Logger
}

// New creates a new agent adapter.
func New(llmClient llm.Client, cfg config.AgentConfig) *Agent {
	return &Agent{
		llmClient:    llmClient,
		model:        cfg.Model,
		systemPrompt: strings.TrimSpace(cfg.SystemPrompt),
		log:          logger.Component("agent"),
	}
}

// Complete sends every turn, in order, and returns the reply text. The input
// slice is not modified and no truncation is applied.
func (a *Agent) Complete(ctx context.Context, turns []history.Turn) (string, error) {
	if len(turns) == 0 {
		return "", &Error{Cause: ErrEmptyHistory}
	}

	req := openai.ChatCompletionRequest{
		Model:    a.model,
		Messages: a.messages(turns),
	}
	a.log.Debug("agent request", "model", a.model, "turns", len(turns))

	resp, err := a.llmClient.CreateChatCompletion(ctx, req)
	if err != nil {
		a.log.Error("agent call failed", "error", err)
		return "", &Error{Cause: err}
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Cause: ErrMalformedResponse}
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", &Error{Cause: ErrMalformedResponse}
	}
	a.log.Debug("agent reply received", "finish_reason", resp.Choices[0].FinishReason, "total_tokens", resp.Usage.TotalTokens)
	return reply, nil
}

func (a *Agent) messages(turns []history.Turn) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if a.systemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: a.systemPrompt,
		})
	}
	for _, t := range turns {
		msgs = append(msgs, toMessage(t))
	}
	return msgs
}

func toMessage(t history.Turn) openai.ChatCompletionMessage {
	role := openai.ChatMessageRoleUser
	if t.Role == history.RoleAssistant {
		role = openai.ChatMessageRoleAssistant
	}
	if !t.IsMultipart() {
		return openai.ChatCompletionMessage{Role: role, Content: t.Text}
	}

	parts := make([]openai.ChatMessagePart, 0, len(t.Parts))
	for _, p := range t.Parts {
		switch p.Type {
		case history.PartText:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: p.Text,
			})
		case history.PartImage:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: "data:" + p.MediaType + ";base64," + p.Data,
				},
			})
		}
	}
	return openai.ChatCompletionMessage{Role: role, MultiContent: parts}
}
