package interfaces

import "context"

// EventPublisher fans committed domain events out to interested consumers.
// Publication is best-effort: a failed publish never unwinds the transaction
// that produced the event.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event any) error
}
