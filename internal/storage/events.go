package storage

import "time"

// EventWriter is the interface for writing broker audit events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *BrokerEvent)
	Close()
}

// Outcome values recorded per event.
const (
	OutcomeOriginRejected = "origin_rejected"
	OutcomeDenied         = "denied"
	OutcomeCacheHit       = "cache_hit"
	OutcomeResult         = "result"
	OutcomeError          = "error"
	OutcomeTimeout        = "timeout"
	OutcomeJobStarted     = "job_started"
	OutcomeJobDone        = "job_done"
	OutcomeJobError       = "job_error"
	OutcomeJobCancelled   = "job_cancelled"
	OutcomeJobRejected    = "job_rejected"
)

// BrokerEvent represents a single broker decision to be persisted for
// audit. Origin rejections are recorded here and nowhere else — the
// sender must observe nothing.
type BrokerEvent struct {
	EventID    string
	SessionID  string
	RequestID  string
	JobID      string
	Timestamp  time.Time
	ToolName   string
	Origin     string
	OriginOK   bool
	Outcome    string
	ErrorCode  string
	DurationMs float32
}
