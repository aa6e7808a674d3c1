package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"translation-dispatch/internal/domain/model"
	"translation-dispatch/internal/domain/ports/adapter"
)

func TestParseSeparatesThoughtParts(t *testing.T) {
	p := NewTagParser()
	raw := adapter.RawResponse{
		Parts: []adapter.ResponsePart{
			{Text: "Let me consider the tone here.", Thought: true},
			{Text: "Neues Spiel"},
		},
		Usage: adapter.Usage{Prompt: 12, Candidates: 3, Total: 15},
	}

	translation, thinking, usage := p.Parse(raw, &model.JobData{})
	assert.Equal(t, "Neues Spiel", translation)
	assert.Equal(t, "Let me consider the tone here.", thinking)
	assert.Equal(t, 15, usage.Total)
}

func TestParseNativeReasoningWinsOverTags(t *testing.T) {
	p := NewTagParser()
	job := &model.JobData{ParsingRules: &model.ParsingRules{StartTag: "<think>", EndTag: "</think>"}}
	raw := adapter.RawResponse{
		Parts:     []adapter.ResponsePart{{Text: "<think>inline</think>Neues Spiel"}},
		Reasoning: "native reasoning",
	}

	translation, thinking, _ := p.Parse(raw, job)
	assert.Equal(t, "native reasoning", thinking)
	// Tag extraction is skipped, so the inline block stays put.
	assert.Contains(t, translation, "<think>")
}

func TestParseExtractsTaggedThinking(t *testing.T) {
	p := NewTagParser()
	job := &model.JobData{ParsingRules: &model.ParsingRules{StartTag: "<think>", EndTag: "</think>"}}
	raw := adapter.RawResponse{
		Parts: []adapter.ResponsePart{{Text: "<think>first pass</think>\nNeues Spiel\n<think>second pass</think>"}},
	}

	translation, thinking, _ := p.Parse(raw, job)
	assert.Equal(t, "Neues Spiel", translation)
	assert.Equal(t, "first pass\n\n---\n\nsecond pass", thinking)
}

func TestParseMultilineTaggedBlock(t *testing.T) {
	p := NewTagParser()
	job := &model.JobData{ParsingRules: &model.ParsingRules{StartTag: "<think>", EndTag: "</think>"}}
	raw := adapter.RawResponse{
		Parts: []adapter.ResponsePart{{Text: "<think>line one\nline two</think>Speichern"}},
	}

	translation, thinking, _ := p.Parse(raw, job)
	assert.Equal(t, "Speichern", translation)
	assert.Equal(t, "line one\nline two", thinking)
}

func TestParseWithoutRulesLeavesTextAlone(t *testing.T) {
	p := NewTagParser()
	raw := adapter.RawResponse{
		Parts: []adapter.ResponsePart{{Text: "<think>x</think>Speichern"}},
	}

	translation, thinking, _ := p.Parse(raw, &model.JobData{})
	assert.Equal(t, "<think>x</think>Speichern", translation)
	assert.Empty(t, thinking)
}

func TestParseStripsSurroundingQuotes(t *testing.T) {
	p := NewTagParser()
	cases := map[string]string{
		`"Neues Spiel"`:   "Neues Spiel",
		`'Neues Spiel'`:   "Neues Spiel",
		`  Neues Spiel  `: "Neues Spiel",
		`"unbalanced`:     `"unbalanced`,
		`""`:              "",
	}
	for in, want := range cases {
		raw := adapter.RawResponse{Parts: []adapter.ResponsePart{{Text: in}}}
		translation, _, _ := p.Parse(raw, &model.JobData{})
		assert.Equal(t, want, translation, "input %q", in)
	}
}

func TestParseEmptyResponse(t *testing.T) {
	p := NewTagParser()
	translation, thinking, _ := p.Parse(adapter.RawResponse{}, &model.JobData{})
	assert.Empty(t, translation)
	assert.Empty(t, thinking)
}
