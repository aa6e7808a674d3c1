package adapter

import (
	"context"
	"time"

	"translation-dispatch/internal/domain/model"
)

// Message is one chat turn sent to a provider.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Usage for a single translation call, as reported by the provider.
// Thoughts is the reasoning-token share when the model exposes it.
type Usage struct {
	Prompt     int
	Thoughts   int
	Candidates int
	Total      int
}

// Result is a successful translation outcome.
type Result struct {
	Translation string
	Thinking    string
	Usage       Usage
	Duration    time.Duration
}

// PromptFormatter builds the chat messages for one job.
type PromptFormatter interface {
	Format(item model.TranslatableItem, srcLang, tgtLang string, params model.GenerationParams, regen bool) []Message
}

// ResponsePart is a provider-neutral slice of model output. Thought
// marks reasoning parts that must not end up in the translation.
type ResponsePart struct {
	Text    string
	Thought bool
}

// RawResponse is what an executor hands to the parser: ordered output
// parts, any natively separated reasoning text, and token usage.
type RawResponse struct {
	Parts     []ResponsePart
	Reasoning string
	Usage     Usage
}

// ResponseParser turns a raw provider response into the final
// translation and the extracted thinking text.
type ResponseParser interface {
	Parse(raw RawResponse, job *model.JobData) (translation, thinking string, usage Usage)
}

// ResultSink receives the outcome of an executed job. Exactly one of
// the two methods is called per Execute, even on internal panics.
type ResultSink interface {
	JobCompleted(job *model.JobData, res Result)
	JobFailed(job *model.JobData, err error)
}

// JobExecutor performs the provider network call for an admitted job
// and reports the outcome asynchronously through the sink.
type JobExecutor interface {
	Execute(ctx context.Context, job *model.JobData, sink ResultSink)
}
