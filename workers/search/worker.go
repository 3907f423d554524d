// Package search keeps a full text index of tasks in sync with task events.
// Every change is announced with a GeneralNotification.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/taskbus"
	"github.com/glimte/taskbus/contracts"
	"github.com/glimte/taskbus/events"
	"github.com/glimte/taskbus/messaging"
	"github.com/google/uuid"
)

// Worker applies task events to an Index
type Worker struct {
	index     *Index
	publisher messaging.EventPublisher
	service   string
	logger    *slog.Logger
}

// WorkerOption configures the Worker
type WorkerOption func(*Worker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// NewWorker creates a worker. Notifications are signed with service.
func NewWorker(index *Index, publisher messaging.EventPublisher, service string, options ...WorkerOption) *Worker {
	w := &Worker{
		index:     index,
		publisher: publisher,
		service:   service,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(w)
	}

	return w
}

// Start subscribes one queue per task event, named after the client's service
func (w *Worker) Start(ctx context.Context, client *taskbus.Client) error {
	if _, err := taskbus.Subscribe(ctx, client, queue(client, events.TaskAddedName), w.HandleTaskAdded); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", events.TaskAddedName, err)
	}
	if _, err := taskbus.Subscribe(ctx, client, queue(client, events.TaskStatusChangedName), w.HandleTaskStatusChanged); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", events.TaskStatusChangedName, err)
	}
	if _, err := taskbus.Subscribe(ctx, client, queue(client, events.TaskUpdatedName), w.HandleTaskUpdated); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", events.TaskUpdatedName, err)
	}
	if _, err := taskbus.Subscribe(ctx, client, queue(client, events.TaskDeletedName), w.HandleTaskDeleted); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", events.TaskDeletedName, err)
	}
	return nil
}

func queue(client *taskbus.Client, exchange string) messaging.ConsumerConfig {
	return messaging.ConsumerConfig{
		Exchange:     exchange,
		Queue:        client.Queue(exchange),
		DeclareQueue: true,
	}
}

// HandleTaskAdded indexes a new task
func (w *Worker) HandleTaskAdded(ctx context.Context, event events.TaskAdded, messageType string) (contracts.Verdict, error) {
	doc := TaskDocument{
		ID:        event.TaskID.String(),
		Title:     event.Title,
		UpdatedAt: event.CreationDate,
	}
	if err := w.index.Put(doc); err != nil {
		return contracts.RejectAndRequeue, err
	}

	w.logger.Info("indexed task", "taskId", event.TaskID, "messageType", messageType)
	return w.notify(ctx, event.TaskID, "added")
}

// HandleTaskStatusChanged updates the completion flag. A task not indexed yet
// is requeued, since its TaskAdded may still be on its way.
func (w *Worker) HandleTaskStatusChanged(ctx context.Context, event events.TaskStatusChanged, messageType string) (contracts.Verdict, error) {
	return w.update(ctx, event.TaskID, "status changed", func(doc *TaskDocument) {
		doc.Completed = event.Completed
		doc.UpdatedAt = event.CreationDate
	})
}

// HandleTaskUpdated updates the title. A task not indexed yet is requeued.
func (w *Worker) HandleTaskUpdated(ctx context.Context, event events.TaskUpdated, messageType string) (contracts.Verdict, error) {
	return w.update(ctx, event.TaskID, "updated", func(doc *TaskDocument) {
		doc.Title = event.Title
		doc.UpdatedAt = event.CreationDate
	})
}

// HandleTaskDeleted removes a task from the index
func (w *Worker) HandleTaskDeleted(ctx context.Context, event events.TaskDeleted, messageType string) (contracts.Verdict, error) {
	if err := w.index.Delete(event.TaskID); err != nil {
		return contracts.RejectAndRequeue, err
	}

	w.logger.Info("removed task from index", "taskId", event.TaskID)
	return w.notify(ctx, event.TaskID, "deleted")
}

func (w *Worker) update(ctx context.Context, taskID uuid.UUID, action string, apply func(*TaskDocument)) (contracts.Verdict, error) {
	doc, err := w.index.Get(taskID)
	if errors.Is(err, ErrTaskNotFound) {
		w.logger.Warn("task not indexed yet, requeueing", "taskId", taskID, "action", action)
		if _, notifyErr := w.notify(ctx, taskID, "not found"); notifyErr != nil {
			return contracts.RejectAndRequeue, errors.Join(err, notifyErr)
		}
		return contracts.RejectAndRequeue, err
	}
	if err != nil {
		return contracts.RejectAndRequeue, err
	}

	apply(&doc)
	if err := w.index.Put(doc); err != nil {
		return contracts.RejectAndRequeue, err
	}

	w.logger.Info("reindexed task", "taskId", taskID, "action", action)
	return w.notify(ctx, taskID, action)
}

func (w *Worker) notify(ctx context.Context, taskID uuid.UUID, action string) (contracts.Verdict, error) {
	message := fmt.Sprintf("Task with id %s %s by %s", taskID, action, w.service)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := w.publisher.Publish(ctx, events.NewGeneralNotification(message)); err != nil {
		return contracts.RejectAndRequeue, fmt.Errorf("failed to publish notification: %w", err)
	}
	return contracts.Acknowledge, nil
}
