package harness

// TraceEvent records one executed step for the trace.
// Result holds only plain data (strings, ints, bools, lists, maps) so the
// trace serializes canonically for golden comparison.
type TraceEvent struct {
	Seq    int64          `json:"seq"`
	Phase  string         `json:"phase"` // "setup" or "flow"
	Invoke string         `json:"invoke"`
	Args   map[string]any `json:"args,omitempty"`
	Case   string         `json:"case"`
	Result map[string]any `json:"result,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all expect clauses and assertions match.
	Pass bool `json:"pass"`

	// Trace contains every executed step in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step to the trace.
func (r *Result) AddTrace(phase, invoke string, args map[string]any, outcome string, result map[string]any, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:    seq,
		Phase:  phase,
		Invoke: invoke,
		Args:   args,
		Case:   outcome,
		Result: result,
	})
}
