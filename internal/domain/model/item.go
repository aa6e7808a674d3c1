package model

// TranslatableItem is one unit of caller-owned work. The scheduler only
// reads it; OriginalData is opaque and travels untouched so the caller
// can correlate results back to its own records.
type TranslatableItem struct {
	ID         string
	SourceText string
	Context    string
	// ExistingTranslation feeds the regeneration prompt when the caller
	// asks for a redo of an already-translated item.
	ExistingTranslation string
	OriginalData        map[string]any
}
