package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"translation-dispatch/internal/config"
	"translation-dispatch/internal/domain/model"
)

func testPrompts() config.PromptConfig {
	return config.PromptConfig{
		System:              "Translate from {source_language_name} to {target_language_name}.{context_instructions}",
		User:                "Translate: {keyword}",
		Regen:               "The translation \"{wrong_keyword}\" of \"{keyword}\" was rejected, provide a better one.",
		ContextInstructions: "\nContext:\n{context_section}",
	}
}

func TestFormatBasicPrompt(t *testing.T) {
	f := NewTemplateFormatter(testPrompts)
	item := model.TranslatableItem{ID: "k1", SourceText: "New Game"}

	msgs := f.Format(item, "English", "German", model.GenerationParams{}, false)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "Translate from English to German.", msgs[0].Content)
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "Translate: New Game", msgs[1].Content)
}

func TestFormatIncludesContextWhenEnabled(t *testing.T) {
	f := NewTemplateFormatter(testPrompts)
	item := model.TranslatableItem{SourceText: "Save", Context: "Button on the pause menu"}

	msgs := f.Format(item, "English", "French", model.GenerationParams{UseContentAsContext: true}, false)
	assert.Contains(t, msgs[0].Content, "Button on the pause menu")

	// Context stays out unless explicitly enabled.
	msgs = f.Format(item, "English", "French", model.GenerationParams{}, false)
	assert.NotContains(t, msgs[0].Content, "Button")
}

func TestFormatEmptyContextOmitsInstructions(t *testing.T) {
	f := NewTemplateFormatter(testPrompts)
	item := model.TranslatableItem{SourceText: "Save", Context: "   "}

	msgs := f.Format(item, "English", "French", model.GenerationParams{UseContentAsContext: true}, false)
	assert.Equal(t, "Translate from English to French.", msgs[0].Content)
}

func TestFormatRegeneration(t *testing.T) {
	f := NewTemplateFormatter(testPrompts)
	item := model.TranslatableItem{SourceText: "Quit", ExistingTranslation: "Beenden?"}

	msgs := f.Format(item, "English", "German", model.GenerationParams{}, true)
	assert.Contains(t, msgs[1].Content, `"Beenden?"`)
	assert.Contains(t, msgs[1].Content, `"Quit"`)
}

func TestFormatRegenWithoutExistingFallsBack(t *testing.T) {
	f := NewTemplateFormatter(testPrompts)
	item := model.TranslatableItem{SourceText: "Quit"}

	msgs := f.Format(item, "English", "German", model.GenerationParams{}, true)
	assert.Equal(t, "Translate: Quit", msgs[1].Content)
}
