package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mwantia/tantalus/pkg/db/models"
	"github.com/mwantia/tantalus/pkg/db/store"
	"github.com/mwantia/tantalus/pkg/log"
)

// Outbox is a Dispatcher that persists enqueue requests as task messages.
// Bound to a transaction store, the messages commit atomically with the
// transfers they refer to. Relay forwards them to the executing Dispatcher.
type Outbox struct {
	store  store.MetadataStore
	log    log.LoggerService
	notify chan struct{}
}

func NewOutbox(s store.MetadataStore, logger log.LoggerService) *Outbox {
	return &Outbox{
		store:  s,
		log:    logger.Named("outbox"),
		notify: make(chan struct{}, 1),
	}
}

// WithStore returns an outbox writing through s that wakes the same relay.
func (o *Outbox) WithStore(s store.MetadataStore) *Outbox {
	return &Outbox{store: s, log: o.log, notify: o.notify}
}

func (o *Outbox) Enqueue(ctx context.Context, transferID uint, queue string) error {
	message := &models.TaskMessage{
		FileTransferID: transferID,
		Queue:          queue,
	}
	if err := o.store.CreateTaskMessage(ctx, message); err != nil {
		return fmt.Errorf("failed to write task message for transfer %d: %w", transferID, err)
	}
	return nil
}

// Notify wakes the relay ahead of its next tick.
func (o *Outbox) Notify() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Relay forwards task messages to target until ctx is done. Messages
// claimed by a previous process that never finished relaying are
// released first.
func (o *Outbox) Relay(ctx context.Context, target Dispatcher, interval time.Duration, batch int) error {
	released, err := o.store.ReleaseTaskMessages(ctx)
	if err != nil {
		return fmt.Errorf("failed to release task messages: %w", err)
	}
	if released > 0 {
		o.log.Info("Released %d task messages left claimed by a previous run", released)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := o.RelayOnce(ctx, target, batch); err != nil && ctx.Err() == nil {
			o.log.Error("Relay of task messages failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-o.notify:
		}
	}
}

// RelayOnce forwards up to batch pending messages and returns how many
// were dispatched.
func (o *Outbox) RelayOnce(ctx context.Context, target Dispatcher, batch int) (int, error) {
	messages, err := o.store.ClaimTaskMessages(ctx, uuid.NewString(), batch)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, message := range messages {
		if err := target.Enqueue(ctx, message.FileTransferID, message.Queue); err != nil {
			if _, releaseErr := o.store.ReleaseTaskMessages(context.WithoutCancel(ctx)); releaseErr != nil {
				o.log.Error("Unable to release task messages: %v", releaseErr)
			}
			return dispatched, fmt.Errorf("failed to dispatch transfer %d to '%s': %w",
				message.FileTransferID, message.Queue, err)
		}

		if err := o.store.DeleteTaskMessage(ctx, message.ID); err != nil {
			return dispatched, fmt.Errorf("failed to delete task message %d: %w", message.ID, err)
		}
		dispatched++
	}

	if dispatched > 0 {
		o.log.Debug("Relayed %d task messages", dispatched)
	}
	return dispatched, nil
}
