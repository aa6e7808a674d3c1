package ai

import (
	"regexp"
	"strings"

	"translation-dispatch/internal/domain/model"
	"translation-dispatch/internal/domain/ports/adapter"
)

var _ adapter.ResponseParser = (*TagParser)(nil)

// thinkingSeparator joins multiple extracted reasoning blocks.
const thinkingSeparator = "\n\n---\n\n"

// TagParser assembles a translation from raw response parts and
// separates model reasoning from it. Reasoning arrives in one of three
// shapes: parts flagged as thoughts, a dedicated reasoning field, or
// inline between configured tags in the text itself. Natively separated
// reasoning wins over tag extraction.
type TagParser struct{}

func NewTagParser() *TagParser { return &TagParser{} }

func (p *TagParser) Parse(raw adapter.RawResponse, job *model.JobData) (string, string, adapter.Usage) {
	var text, thoughts strings.Builder
	for _, part := range raw.Parts {
		if part.Thought {
			thoughts.WriteString(part.Text)
		} else {
			text.WriteString(part.Text)
		}
	}

	thinking := raw.Reasoning
	if thinking == "" {
		thinking = thoughts.String()
	}

	translation := text.String()
	if thinking == "" && job.ParsingRules != nil {
		translation, thinking = extractTagged(translation, job.ParsingRules)
	}

	return cleanTranslation(translation), strings.TrimSpace(thinking), raw.Usage
}

// extractTagged pulls every start..end block out of the text and
// returns the text with the blocks removed plus the joined blocks.
func extractTagged(text string, rules *model.ParsingRules) (string, string) {
	start := strings.TrimSpace(rules.StartTag)
	end := strings.TrimSpace(rules.EndTag)
	if start == "" || end == "" {
		return text, ""
	}
	re, err := regexp.Compile(`(?s)` + regexp.QuoteMeta(start) + `(.*?)` + regexp.QuoteMeta(end))
	if err != nil {
		return text, ""
	}
	matches := re.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text, ""
	}
	blocks := make([]string, 0, len(matches))
	for _, m := range matches {
		if b := strings.TrimSpace(m[1]); b != "" {
			blocks = append(blocks, b)
		}
	}
	return re.ReplaceAllString(text, ""), strings.Join(blocks, thinkingSeparator)
}

// cleanTranslation trims whitespace and one layer of surrounding
// quotes; models sometimes quote short answers despite instructions.
func cleanTranslation(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '"' || first == '\'') {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}
