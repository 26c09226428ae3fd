package gateway

// AbortReason classifies why a stream ended abnormally.
type AbortReason string

const (
	// AbortNetwork marks a transport-level disconnect.
	AbortNetwork AbortReason = "network"
	// AbortProtocol marks a protocol violation, including byte-budget overruns.
	AbortProtocol AbortReason = "protocol"
	// AbortAuth marks an authentication failure surfaced mid-stream.
	AbortAuth AbortReason = "auth"
	// AbortTimeout marks an idle-timeout expiry.
	AbortTimeout AbortReason = "timeout"
)

// StreamChunk is one unit of streamed payload.
type StreamChunk struct {
	// Data is the raw chunk payload.
	Data []byte
	// EventType is the SSE event name, when the stream is SSE.
	EventType string
	// EventID is the SSE event id, usable as a resume hint.
	EventID string
}

// StreamAbort is the single terminal failure signal of a stream. A stream
// emits at most one abort and nothing after it.
type StreamAbort struct {
	// Reason classifies the failure.
	Reason AbortReason
	// BytesReceived counts payload bytes delivered before the abort.
	BytesReceived int64
	// Resumable indicates a brand-new invocation using ResumeHint may
	// continue where this stream stopped. The engine never resumes on its
	// own.
	Resumable bool
	// ResumeHint is an opaque token for resumption, e.g. an SSE
	// Last-Event-ID.
	ResumeHint string
	// Detail is a human-readable description.
	Detail string
}

// StreamEvent is one item of a streamed response: exactly one of Chunk or
// Abort is set. An abort is always the final event.
type StreamEvent struct {
	Chunk *StreamChunk
	Abort *StreamAbort
}
