package protocol

import "time"

// EventKind classifies a pipeline event published off the session channel.
type EventKind string

const (
	EventSessionConnected    EventKind = "session.connected"
	EventSessionDisconnected EventKind = "session.disconnected"
	EventModeChanged         EventKind = "session.mode"
	EventTranscript          EventKind = "transcript"
	EventResponse            EventKind = "response"
	EventUpstreamError       EventKind = "upstream.error"
)

// PipelineEvent is broadcast on the bus and recorded in the event store.
type PipelineEvent struct {
	SessionID string    `json:"session_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Kind      EventKind `json:"kind"`
	Mode      string    `json:"mode,omitempty"`
	Role      string    `json:"role,omitempty"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSessionPrefix     = "meet.session"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectLLMResponseFinal  = "llm.response.final"
	SubjectPipelineError     = "pipeline.error"
	SubjectSessionLifecycle  = SubjectSessionPrefix + ".lifecycle"
	SubjectSessionModeChange = SubjectSessionPrefix + ".mode"
)

// Subject maps an event to the bus subject it is published on.
func Subject(kind EventKind) string {
	switch kind {
	case EventTranscript:
		return SubjectTranscriptFinal
	case EventResponse:
		return SubjectLLMResponseFinal
	case EventUpstreamError:
		return SubjectPipelineError
	case EventModeChanged:
		return SubjectSessionModeChange
	default:
		return SubjectSessionLifecycle
	}
}
