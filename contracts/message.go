package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Event is the base interface for all published events. Implementations use
// value receivers so the zero value of an event type can name itself.
type Event interface {
	// EventName returns the registered name, used as exchange name and as the
	// MessageType header
	EventName() string
	GetID() uuid.UUID
	GetCreationDate() time.Time
}

// BaseEvent provides the fields common to every event
type BaseEvent struct {
	ID           uuid.UUID `json:"id" validate:"required"`
	CreationDate time.Time `json:"creationDate" validate:"required"`
}

// NewBaseEvent creates a base event with a random id and the current UTC time
func NewBaseEvent() BaseEvent {
	return BaseEvent{
		ID:           uuid.New(),
		CreationDate: time.Now().UTC(),
	}
}

// GetID returns the event id
func (e BaseEvent) GetID() uuid.UUID {
	return e.ID
}

// GetCreationDate returns when the event was created
func (e BaseEvent) GetCreationDate() time.Time {
	return e.CreationDate
}
