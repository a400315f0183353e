package audit

// Execution statuses recorded for each attempt.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusDryRun  = "dry_run"
)

// Executor kinds: who triggered the execution.
const (
	ExecutorHuman     = "human"
	ExecutorAutomated = "automated"
)

// Entry represents one execution attempt. Entries are append-only.
type Entry struct {
	ID              string         `json:"id"`
	Timestamp       string         `json:"timestamp"`
	Day             string         `json:"day"` // YYYY-MM-DD partition
	ActionID        string         `json:"action_id"`
	ActionType      string         `json:"action_type"`
	ExecutionStatus string         `json:"execution_status"` // success, failed, dry_run
	Executor        string         `json:"executor"`         // human, automated
	ExecutorID      string         `json:"executor_id,omitempty"`
	ToolName        string         `json:"tool_name"`
	SanitizedInputs map[string]any `json:"sanitized_inputs,omitempty"`
	ApprovalReason  string         `json:"approval_reason,omitempty"`
	ApprovalID      string         `json:"approval_id,omitempty"`
	TargetSystem    string         `json:"target_system"`
	Error           string         `json:"error,omitempty"`
	RetryCount      int            `json:"retry_count"`
}

// QueryOpts holds filters for audit log queries.
type QueryOpts struct {
	ActionID     string
	Status       string
	TargetSystem string
	Since        string // see FormatTimestamp
	Limit        int
}

// DayCount is the number of entries in one daily partition.
type DayCount struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}
