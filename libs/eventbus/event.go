// Package eventbus is the messaging core shared by all services: an event
// envelope, a Kafka publisher, a typed topic/handler registry and an
// at-least-once consumer runtime.
package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// Event is implemented by every domain event. EventType doubles as the Kafka
// topic name and the registry key, so it must stay stable for a given event
// shape.
type Event interface {
	EventID() string
	EventType() string
	OccurredAt() time.Time
}

// Envelope carries the fields shared by all events. Concrete events embed it
// and add their payload fields plus an EventType method.
type Envelope struct {
	ID        string    `json:"eventId"`
	Timestamp time.Time `json:"timestamp"`
}

func NewEnvelope() Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}
}

func (e Envelope) EventID() string { return e.ID }

func (e Envelope) OccurredAt() time.Time { return e.Timestamp }
