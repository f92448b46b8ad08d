package pubsub

// EventType classifies a published event.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"
)

// Event wraps a typed payload with the event type that produced it.
type Event[T any] struct {
	Type    EventType
	Payload T
}
