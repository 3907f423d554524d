// Package events defines the task events exchanged between services. Every
// event is published to the fanout exchange named after it.
package events

import (
	"github.com/glimte/taskbus/contracts"
	"github.com/glimte/taskbus/serialization"
	"github.com/google/uuid"
)

// Event names, also used as exchange names and MessageType headers
const (
	TaskAddedName           = "TaskAdded"
	TaskStatusChangedName   = "TaskStatusChanged"
	TaskUpdatedName         = "TaskUpdated"
	TaskDeletedName         = "TaskDeleted"
	GeneralNotificationName = "GeneralNotification"
)

// TaskAdded is published when a task is created
type TaskAdded struct {
	contracts.BaseEvent
	TaskID uuid.UUID `json:"taskId" validate:"required"`
	Title  string    `json:"title" validate:"required"`
}

func (TaskAdded) EventName() string { return TaskAddedName }

// TaskStatusChanged is published when a task is completed or reopened
type TaskStatusChanged struct {
	contracts.BaseEvent
	TaskID    uuid.UUID `json:"taskId" validate:"required"`
	Completed bool      `json:"completed"`
}

func (TaskStatusChanged) EventName() string { return TaskStatusChangedName }

// TaskUpdated is published when a task title changes
type TaskUpdated struct {
	contracts.BaseEvent
	TaskID uuid.UUID `json:"taskId" validate:"required"`
	Title  string    `json:"title" validate:"required"`
}

func (TaskUpdated) EventName() string { return TaskUpdatedName }

// TaskDeleted is published when a task is removed
type TaskDeleted struct {
	contracts.BaseEvent
	TaskID uuid.UUID `json:"taskId" validate:"required"`
}

func (TaskDeleted) EventName() string { return TaskDeletedName }

// GeneralNotification carries a human readable message for the notification
// worker
type GeneralNotification struct {
	contracts.BaseEvent
	Message string `json:"message" validate:"required"`
}

func (GeneralNotification) EventName() string { return GeneralNotificationName }

// NewTaskAdded creates a TaskAdded event
func NewTaskAdded(taskID uuid.UUID, title string) TaskAdded {
	return TaskAdded{BaseEvent: contracts.NewBaseEvent(), TaskID: taskID, Title: title}
}

// NewTaskStatusChanged creates a TaskStatusChanged event
func NewTaskStatusChanged(taskID uuid.UUID, completed bool) TaskStatusChanged {
	return TaskStatusChanged{BaseEvent: contracts.NewBaseEvent(), TaskID: taskID, Completed: completed}
}

// NewTaskUpdated creates a TaskUpdated event
func NewTaskUpdated(taskID uuid.UUID, title string) TaskUpdated {
	return TaskUpdated{BaseEvent: contracts.NewBaseEvent(), TaskID: taskID, Title: title}
}

// NewTaskDeleted creates a TaskDeleted event
func NewTaskDeleted(taskID uuid.UUID) TaskDeleted {
	return TaskDeleted{BaseEvent: contracts.NewBaseEvent(), TaskID: taskID}
}

// NewGeneralNotification creates a GeneralNotification event
func NewGeneralNotification(message string) GeneralNotification {
	return GeneralNotification{BaseEvent: contracts.NewBaseEvent(), Message: message}
}

// NewRegistry returns a registry holding every task event
func NewRegistry() *serialization.TypeRegistry {
	return serialization.MustNewTypeRegistry(
		func() contracts.Event { return &TaskAdded{} },
		func() contracts.Event { return &TaskStatusChanged{} },
		func() contracts.Event { return &TaskUpdated{} },
		func() contracts.Event { return &TaskDeleted{} },
		func() contracts.Event { return &GeneralNotification{} },
	)
}

// Names returns the names of every task event in registration order
func Names() []string {
	return []string{
		TaskAddedName,
		TaskStatusChangedName,
		TaskUpdatedName,
		TaskDeletedName,
		GeneralNotificationName,
	}
}
