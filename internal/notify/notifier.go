// Package notify relays job state transitions to interested consumers. The
// contract is "deliver ordered updates per job, at least once"; Redis
// pub/sub is the default transport but anything that can carry a JobUpdate
// can back the Notifier interface. Subscribers are expected to pair a
// subscription with an immediate status read, since pub/sub supplements
// polling rather than replacing it.
package notify

import (
	"context"

	"audio-render-pipeline/internal/models"
)

// Notifier publishes job updates. Workers call it after every store write,
// in the order the store applied them.
type Notifier interface {
	PublishUpdate(ctx context.Context, update models.JobUpdate) error
}

// Nop discards updates. Used in tests and when no transport is configured.
type Nop struct{}

func (Nop) PublishUpdate(context.Context, models.JobUpdate) error { return nil }
