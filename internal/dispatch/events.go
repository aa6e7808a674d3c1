package dispatch

// LimitStatus is the current usage of one tracked resource.
type LimitStatus struct {
	Name    string `json:"name"` // "RPM", "TPM", "RPD"
	Current int    `json:"current"`
	Limit   int    `json:"limit"`
}

// StrategyStatus is a read-only projection of a strategy's admission
// state, either a set of limit gauges or a human-readable blocking
// reason.
type StrategyStatus struct {
	Connection string        `json:"connection"`
	Model      string        `json:"model,omitempty"`
	Message    string        `json:"message,omitempty"`
	Limits     []LimitStatus `json:"limits,omitempty"`
}

// Events is the observer interface for external listeners. All methods
// are invoked from the scheduler goroutine; implementations must not
// block and must not call back into the scheduler synchronously.
type Events interface {
	BatchStarted(batchID string, total int)
	Progress(completed, total int)
	ItemTranslated(itemID, translation string)
	// Draining reports how many in-flight jobs remain after a graceful
	// cancel.
	Draining(active int)
	BatchFinished(reason string, completed, total int)
	StatusUpdated(status StrategyStatus)
}

// NopEvents discards all events.
type NopEvents struct{}

func (NopEvents) BatchStarted(string, int)          {}
func (NopEvents) Progress(int, int)                 {}
func (NopEvents) ItemTranslated(string, string)     {}
func (NopEvents) Draining(int)                      {}
func (NopEvents) BatchFinished(string, int, int)    {}
func (NopEvents) StatusUpdated(StrategyStatus)      {}
