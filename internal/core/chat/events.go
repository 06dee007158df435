package chat

import (
	"github.com/markdave123-py/contexta-rag/internal/core"
	"github.com/markdave123-py/contexta-rag/internal/models"
)

// EventType names a server-sent event in the chat stream.
type EventType string

const (
	EventMetadata  EventType = "metadata"
	EventTextDelta EventType = "text-delta"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Event is one message of a turn's stream. Data is one of the payload types below.
type Event struct {
	Type EventType
	Data any
}

type MetadataPayload struct {
	SessionID string            `json:"sessionId"`
	Sources   []models.Citation `json:"sources"`
}

type DeltaPayload struct {
	Delta string `json:"delta"`
}

type DonePayload struct {
	SessionID string            `json:"sessionId"`
	Content   string            `json:"content"`
	Sources   []models.Citation `json:"sources"`
	LatencyMS int64             `json:"latencyMs"`
	Usage     core.Usage        `json:"usage"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Emitter delivers an event to the client. An error means the client is gone.
type Emitter func(Event) error
