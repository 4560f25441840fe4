package bus

import "time"

type EventType string

const (
	EventRequestReceived   EventType = "request_received"
	EventPipelineStarted   EventType = "pipeline_started"
	EventPipelineRetrying  EventType = "pipeline_retrying"
	EventTokenRefreshed    EventType = "token_refreshed"
	EventPipelineSucceeded EventType = "pipeline_succeeded"
	EventPipelineFailed    EventType = "pipeline_failed"
	EventRequestCompleted  EventType = "request_completed"
)

// Event is one step of a publish request. Pipeline events carry the account
// they belong to.
type Event struct {
	Type      EventType `json:"type"`
	At        time.Time `json:"at"`
	RequestID string    `json:"request_id"`
	AccountID string    `json:"account_id,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	RemoteID  string    `json:"remote_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	// Status is the report status on request_completed.
	Status string `json:"status,omitempty"`
}

// Terminal reports whether the event ends a pipeline.
func (e Event) Terminal() bool {
	return e.Type == EventPipelineSucceeded || e.Type == EventPipelineFailed
}
