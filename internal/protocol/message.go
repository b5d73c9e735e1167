package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type tags. The set is closed: inbound messages with an
// unrecognized type are ignored, never rejected.
const (
	TypeToolInvoke  = "tool.invoke"
	TypeToolResult  = "tool.result"
	TypeToolError   = "tool.error"
	TypeJobStart    = "job.start"
	TypeJobProgress = "job.progress"
	TypeJobDone     = "job.done"
	TypeJobError    = "job.error"
	TypeBootstrap   = "bootstrap"
)

// Message is the wire-level union exchanged over the session channel,
// tagged by Type. Unused fields are omitted on the wire; unknown extra
// fields on inbound messages are ignored for forward compatibility.
type Message struct {
	Type      string         `json:"type"`
	RequestID string         `json:"requestId,omitempty"`
	JobID     string         `json:"jobId,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Result    any            `json:"result,omitempty"`
	Error     *ErrorDetail   `json:"error,omitempty"`
	Progress  *int           `json:"progress,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// ErrorDetail is the payload of tool.error and job.error messages.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Envelope wraps an inbound message with the origin claimed by the
// transport that delivered it. The origin is stamped by the host-side
// transport, never taken from the message body.
type Envelope struct {
	Origin string
	Msg    Message
}

// ErrMissingType is returned by Decode for messages without a type tag.
var ErrMissingType = errors.New("message has no type field")

// Decode parses a raw wire message. Extra fields are silently dropped.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, ErrMissingType
	}
	return msg, nil
}

// Encode serializes a message for the wire.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// ToolResult builds the terminal success reply for a simple invocation.
func ToolResult(requestID string, result any) Message {
	return Message{Type: TypeToolResult, RequestID: requestID, Result: result}
}

// ToolError builds the terminal failure reply for a simple invocation.
func ToolError(requestID string, detail *ErrorDetail) Message {
	return Message{Type: TypeToolError, RequestID: requestID, Error: detail}
}

// JobStart announces that a long-running invocation has been accepted.
func JobStart(requestID, jobID string) Message {
	return Message{Type: TypeJobStart, RequestID: requestID, JobID: jobID}
}

// JobProgress reports progress in [0,100] for a tracked job.
func JobProgress(jobID string, progress int, note string) Message {
	return Message{Type: TypeJobProgress, JobID: jobID, Progress: &progress, Message: note}
}

// JobDone is the terminal success message for a tracked job.
func JobDone(jobID string, result any) Message {
	return Message{Type: TypeJobDone, JobID: jobID, Result: result}
}

// JobError is the terminal failure message for a tracked job.
func JobError(jobID string, detail *ErrorDetail) Message {
	return Message{Type: TypeJobError, JobID: jobID, Error: detail}
}

// Bootstrap carries the resolved needs, keyed by tool name. Sent exactly
// once per session before any UI-initiated invocation is processed.
func Bootstrap(data map[string]any) Message {
	return Message{Type: TypeBootstrap, Data: data}
}
