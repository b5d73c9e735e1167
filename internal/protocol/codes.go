package protocol

// Error codes surfaced to the UI. The allowlist denial is the only code
// whose details disclose host configuration; execution errors carry the
// message string and tool name, nothing else.
const (
	CodeToolNotAllowed  = "TOOL_NOT_ALLOWED"
	CodeExecutionError  = "EXECUTION_ERROR"
	CodeInvalidParams   = "INVALID_PARAMS"
	CodeTimeout         = "TIMEOUT"
	CodeAlreadyRunning  = "ALREADY_RUNNING"
	CodeJobLimitReached = "JOB_LIMIT_REACHED"
	CodeCancelled       = "CANCELLED"
)
