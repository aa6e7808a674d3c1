package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"translation-dispatch/internal/domain"
	"translation-dispatch/internal/domain/model"
	"translation-dispatch/internal/domain/ports/adapter"
	"translation-dispatch/internal/infra/logging"
	"translation-dispatch/internal/infra/metrics"
)

var _ adapter.JobExecutor = (*Executor)(nil)

// Executor performs the provider call for one job on a worker-pool
// goroutine and reports exactly one outcome through the sink, even when
// a provider SDK panics.
type Executor struct {
	formatter adapter.PromptFormatter
	parser    adapter.ResponseParser
	log       *zerolog.Logger
}

func NewExecutor(formatter adapter.PromptFormatter, parser adapter.ResponseParser, log *zerolog.Logger) *Executor {
	return &Executor{formatter: formatter, parser: parser, log: log}
}

func (e *Executor) Execute(ctx context.Context, job *model.JobData, sink adapter.ResultSink) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Interface("panic", r).
				Str("item_id", job.Item.ID).
				Str("provider", job.Provider).
				Msg("provider call panicked")
			sink.JobFailed(job, fmt.Errorf("provider call panicked: %v", r))
		}
	}()

	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	messages := e.formatter.Format(job.Item, job.SourceLang, job.TargetLang, job.GenerationParams, job.IsRegeneration)
	e.log.Debug().
		Str("item_id", job.Item.ID).
		Str("provider", job.Provider).
		Str("model", job.ModelName).
		Str("api_key", logging.MaskKey(job.APIKey)).
		Msg("executing translation call")

	start := time.Now()
	var (
		raw adapter.RawResponse
		err error
	)
	switch job.Provider {
	case model.ProviderGemini:
		raw, err = e.callGemini(ctx, job, messages)
	case model.ProviderOpenAI, model.ProviderOpenAICompatible:
		raw, err = e.callOpenAI(ctx, job, messages)
	default:
		err = fmt.Errorf("%w: unknown provider %q", domain.ErrInvalidConfig, job.Provider)
	}
	elapsed := time.Since(start)

	if err != nil {
		metrics.ObserveTranslationUsage(job.Provider, job.ModelName, 0, 0, 0, 0, int(elapsed.Milliseconds()), false)
		sink.JobFailed(job, err)
		return
	}

	translation, thinking, usage := e.parser.Parse(raw, job)
	metrics.ObserveTranslationUsage(job.Provider, job.ModelName,
		usage.Prompt, usage.Candidates, usage.Thoughts, usage.Total, int(elapsed.Milliseconds()), true)
	if translation == "" {
		sink.JobFailed(job, domain.ErrEmptyResponse)
		return
	}
	sink.JobCompleted(job, adapter.Result{
		Translation: translation,
		Thinking:    thinking,
		Usage:       usage,
		Duration:    elapsed,
	})
}
