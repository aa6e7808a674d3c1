package ai

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genai"

	"translation-dispatch/internal/domain"
	"translation-dispatch/internal/domain/model"
	"translation-dispatch/internal/domain/ports/adapter"
)

// retryDelayPattern matches the retryDelay field embedded in Gemini
// quota-error payloads, e.g. "retryDelay": "38s".
var retryDelayPattern = regexp.MustCompile(`['"]retryDelay['"]\s*:\s*['"]?(\d+(?:\.\d+)?)s`)

// callGemini runs one generateContent call. The client is built per
// call because the rotating-key strategy stamps a different key on
// every dispatch.
func (e *Executor) callGemini(ctx context.Context, job *model.JobData, messages []adapter.Message) (adapter.RawResponse, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  job.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return adapter.RawResponse{}, classifyGeminiError(ctx, err)
	}

	cfg := geminiConfig(job)
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case "system":
			cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: m.Content}}}
		case "assistant", "model":
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: m.Content}}})
		}
	}

	resp, err := client.Models.GenerateContent(ctx, job.ModelName, contents, cfg)
	if err != nil {
		return adapter.RawResponse{}, classifyGeminiError(ctx, err)
	}

	var raw adapter.RawResponse
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part == nil || part.Text == "" {
				continue
			}
			raw.Parts = append(raw.Parts, adapter.ResponsePart{Text: part.Text, Thought: part.Thought})
		}
	}
	if resp.UsageMetadata != nil {
		raw.Usage = adapter.Usage{
			Prompt:     int(resp.UsageMetadata.PromptTokenCount),
			Thoughts:   int(resp.UsageMetadata.ThoughtsTokenCount),
			Candidates: int(resp.UsageMetadata.CandidatesTokenCount),
			Total:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return raw, nil
}

func geminiConfig(job *model.JobData) *genai.GenerateContentConfig {
	params := job.GenerationParams
	cfg := &genai.GenerateContentConfig{
		// Game/UI strings regularly trip over-eager content filters, so
		// every category is set to its most permissive threshold.
		SafetySettings: []*genai.SafetySetting{
			{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
		},
	}
	if params.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(params.Temperature))
	}
	if params.TopP > 0 {
		cfg.TopP = genai.Ptr(float32(params.TopP))
	}
	if params.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(params.MaxOutputTokens)
	}

	if params.EnableModelThinking {
		tc := &genai.ThinkingConfig{IncludeThoughts: true}
		if params.ThinkingBudget > 0 {
			tc.ThinkingBudget = genai.Ptr(int32(params.ThinkingBudget))
		}
		cfg.ThinkingConfig = tc
	} else if strings.Contains(job.ModelName, "flash") {
		// Flash models accept an explicit zero budget to switch
		// reasoning off; pro models reject it.
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: genai.Ptr(int32(0))}
	}
	return cfg
}

// classifyGeminiError maps SDK errors onto the domain error taxonomy.
// Quota failures are detected on the message text because the SDK does
// not expose a stable typed error across transports.
func classifyGeminiError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.ErrTimeout
	}
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(strings.ToLower(msg), "quota") {
		return &domain.RateLimitError{
			Provider:   model.ProviderGemini,
			RetryAfter: geminiRetryDelay(msg),
			Err:        err,
		}
	}
	return err
}

func geminiRetryDelay(msg string) time.Duration {
	m := retryDelayPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
