package ai

import (
	"strings"

	"translation-dispatch/internal/config"
	"translation-dispatch/internal/domain/model"
	"translation-dispatch/internal/domain/ports/adapter"
)

var _ adapter.PromptFormatter = (*TemplateFormatter)(nil)

// TemplateFormatter renders the configured prompt templates into chat
// messages. Templates use {placeholder} markers; unknown markers are
// left verbatim so a template typo is visible in the provider payload
// instead of silently vanishing.
type TemplateFormatter struct {
	prompts func() config.PromptConfig
}

func NewTemplateFormatter(prompts func() config.PromptConfig) *TemplateFormatter {
	return &TemplateFormatter{prompts: prompts}
}

func (f *TemplateFormatter) Format(item model.TranslatableItem, srcLang, tgtLang string, params model.GenerationParams, regen bool) []adapter.Message {
	p := f.prompts()

	contextBlock := ""
	if params.UseContentAsContext && strings.TrimSpace(item.Context) != "" {
		contextBlock = strings.ReplaceAll(p.ContextInstructions, "{context_section}", item.Context)
	}

	system := strings.NewReplacer(
		"{source_language_name}", srcLang,
		"{target_language_name}", tgtLang,
		"{context_instructions}", contextBlock,
	).Replace(p.System)

	userTemplate := p.User
	if regen && item.ExistingTranslation != "" {
		userTemplate = p.Regen
	}
	user := strings.NewReplacer(
		"{source_language_name}", srcLang,
		"{target_language_name}", tgtLang,
		"{keyword}", item.SourceText,
		"{wrong_keyword}", item.ExistingTranslation,
	).Replace(userTemplate)

	return []adapter.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}
