package notify

import (
	"context"
	"errors"
	"log/slog"

	"orgsign/observability"
)

// SubjectTransactionChanged announces that a transaction's signing
// requirement may have changed.
const SubjectTransactionChanged = "transaction.changed"

// Event identifies the entity a notification is about.
type Event struct {
	EntityID uint64 `json:"entityId"`
}

// Publisher delivers notifications to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, subject string, events []Event) error
}

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(ctx context.Context, subject string, events []Event) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, subject string, events []Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, subject, events)
}

// LogPublisher writes each publication as a structured log line.
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish implements Publisher.
func (p LogPublisher) Publish(ctx context.Context, subject string, events []Event) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ids := make([]uint64, 0, len(events))
	for _, event := range events {
		ids = append(ids, event.EntityID)
	}
	logger.InfoContext(ctx, "notification published", "subject", subject, "count", len(events), "entity_ids", ids)
	return nil
}

// Multi fans a publication out to every publisher. All publishers run even
// when one fails; the errors are joined.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, subject string, events []Event) error {
	var errs []error
	for _, publisher := range m {
		if publisher == nil {
			continue
		}
		if err := publisher.Publish(ctx, subject, events); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		observability.Events().RecordPublished(subject, len(events))
	}
	return errors.Join(errs...)
}
