package gwtypes

import "time"

// LogEntryType classifies a RequestLogEntry by which downstream RPC kind
// triggered it.
type LogEntryType string

const (
	LogTypeTool     LogEntryType = "tool"
	LogTypeResource LogEntryType = "resource"
	LogTypePrompt   LogEntryType = "prompt"
)

// LogEntryStatus is the lifecycle state of a RequestLogEntry.
type LogEntryStatus string

const (
	LogStatusPending LogEntryStatus = "pending"
	LogStatusSuccess LogEntryStatus = "success"
	LogStatusError   LogEntryStatus = "error"
)

// UpstreamRef identifies the server a logged call was routed to.
type UpstreamRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RequestLogEntry records one in-flight or completed proxy call.
type RequestLogEntry struct {
	ID                string         `json:"id"`
	Timestamp         time.Time      `json:"timestamp"`
	Type              LogEntryType   `json:"type"`
	Method            string         `json:"method"`
	OriginalMethod    string         `json:"originalMethod,omitempty"`
	Upstream          UpstreamRef    `json:"upstream"`
	Arguments         any            `json:"arguments,omitempty"`
	ResponseContent   any            `json:"responseContent,omitempty"`
	ResponseIsError   bool           `json:"responseIsError,omitempty"`
	DurationMs        *int64         `json:"durationMs,omitempty"`
	DownstreamSession string         `json:"downstreamSession,omitempty"`
	Status            LogEntryStatus `json:"status"`
	ErrorMessage      string         `json:"errorMessage,omitempty"`
}
