package events

import (
	"context"

	"github.com/tradervault/workspace-core/internal/interfaces"
)

// NoopPublisher discards every event. Used in tests and in deployments
// without a broker.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, topic string, event any) error { return nil }

var _ interfaces.EventPublisher = NoopPublisher{}
