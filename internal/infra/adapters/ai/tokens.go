package ai

import (
	"github.com/pkoukk/tiktoken-go"

	"translation-dispatch/internal/domain/ports/adapter"
)

// estimateUsage approximates token counts for endpoints that do not
// report usage. Non-OpenAI models fall back to the cl100k_base
// encoding, which is close enough for throttling purposes.
func estimateUsage(modelName string, messages []adapter.Message, completion string) adapter.Usage {
	var promptText string
	for _, m := range messages {
		promptText += m.Content + "\n"
	}
	prompt := countTokens(modelName, promptText)
	out := countTokens(modelName, completion)
	return adapter.Usage{Prompt: prompt, Candidates: out, Total: prompt + out}
}

func countTokens(modelName, text string) int {
	enc, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil || enc == nil {
		// Rough chars-per-token heuristic as the last resort.
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}
