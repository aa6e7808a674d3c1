package ai

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"translation-dispatch/internal/domain"
	"translation-dispatch/internal/domain/model"
	"translation-dispatch/internal/domain/ports/adapter"
)

// callOpenAI runs one chat completion against an OpenAI or
// OpenAI-compatible endpoint.
func (e *Executor) callOpenAI(ctx context.Context, job *model.JobData, messages []adapter.Message) (adapter.RawResponse, error) {
	opts := []option.RequestOption{option.WithAPIKey(job.APIKey)}
	if job.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(job.BaseURL))
	}
	for k, v := range job.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	client := openai.NewClient(opts...)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(job.ModelName),
		Messages: toOpenAIMessages(messages, job),
	}
	gp := job.GenerationParams
	if gp.Temperature > 0 {
		params.Temperature = openai.Float(gp.Temperature)
	}
	if gp.TopP > 0 {
		params.TopP = openai.Float(gp.TopP)
	}
	if gp.MaxOutputTokens > 0 {
		params.MaxTokens = openai.Int(int64(gp.MaxOutputTokens))
	}
	if gp.FrequencyPenalty != 0 {
		params.FrequencyPenalty = openai.Float(gp.FrequencyPenalty)
	}
	if gp.PresencePenalty != 0 {
		params.PresencePenalty = openai.Float(gp.PresencePenalty)
	}

	completion, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return adapter.RawResponse{}, classifyOpenAIError(ctx, job, err)
	}
	if len(completion.Choices) == 0 {
		return adapter.RawResponse{}, domain.ErrEmptyResponse
	}

	content := completion.Choices[0].Message.Content
	raw := adapter.RawResponse{
		Parts: []adapter.ResponsePart{{Text: content}},
		Usage: adapter.Usage{
			Prompt:     int(completion.Usage.PromptTokens),
			Thoughts:   int(completion.Usage.CompletionTokensDetails.ReasoningTokens),
			Candidates: int(completion.Usage.CompletionTokens),
			Total:      int(completion.Usage.TotalTokens),
		},
	}
	if raw.Usage.Total == 0 {
		// Some compatible endpoints omit usage; estimate it so the
		// token-per-minute window still tracks something.
		raw.Usage = estimateUsage(job.ModelName, messages, content)
	}
	return raw, nil
}

// toOpenAIMessages converts chat turns. Endpoints whose reasoning is
// toggled by an in-band command (e.g. "/think" and "/no_think" on
// Qwen-style servers) get it prepended to the final user turn.
func toOpenAIMessages(messages []adapter.Message, job *model.JobData) []openai.ChatCompletionMessageParamUnion {
	if cmd := thinkingCommand(job); cmd != "" && len(messages) > 0 {
		last := &messages[len(messages)-1]
		last.Content = cmd + "\n" + last.Content
	}
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func thinkingCommand(job *model.JobData) string {
	if job.Thinking == nil || job.Thinking.Mode != "command" {
		return ""
	}
	if job.GenerationParams.EnableModelThinking {
		return strings.TrimSpace(job.Thinking.EnableCmd)
	}
	return strings.TrimSpace(job.Thinking.DisableCmd)
}

func classifyOpenAIError(ctx context.Context, job *model.JobData, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.ErrTimeout
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) && apierr.StatusCode == 429 {
		return &domain.RateLimitError{
			Provider:   job.Provider,
			RetryAfter: retryAfterHeader(apierr),
			Err:        err,
		}
	}
	return err
}

func retryAfterHeader(apierr *openai.Error) time.Duration {
	if apierr.Response == nil {
		return 0
	}
	v := apierr.Response.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
