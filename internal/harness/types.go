package harness

// Trace event types.
const (
	EventAdmit        = "admit"
	EventDeclare      = "declare"
	EventUpdateConfig = "update_config"
	EventSetTime      = "set_time"
	EventAdvance      = "advance"
)

// TraceEvent records what one scenario action did.
type TraceEvent struct {
	Seq        int      `json:"seq"`
	Type       string   `json:"type"`
	At         string   `json:"at"`
	Record     string   `json:"record,omitempty"`
	Block      int64    `json:"block,omitempty"`
	Opened     bool     `json:"opened,omitempty"`
	Closed     bool     `json:"closed,omitempty"`
	RolledOver int64    `json:"rolled_over,omitempty"`
	Bindings   []string `json:"bindings,omitempty"` // task@node of a newly opened block
	Task       string   `json:"task,omitempty"`
	Revision   string   `json:"revision,omitempty"`
	Epoch      int64    `json:"epoch,omitempty"`
	Error      string   `json:"error,omitempty"` // error code of an expected failure
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step behaved as expected and every assertion held.
	Pass bool `json:"pass"`

	// Trace lists every action in execution order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains step and assertion failures. Empty if Pass is true.
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

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addEvent appends e with the next sequence number.
func (r *Result) addEvent(e TraceEvent) {
	e.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, e)
}
