package tontine

import (
	"context"
	"time"
)

// EventType names a domain event published to downstream consumers
// (notifications, scoring). Consumers are never on the settlement path.
type EventType string

const (
	EventContributionSettled EventType = "contribution_settled"
	EventCycleCompleted      EventType = "cycle_completed"
	EventCycleFailed         EventType = "cycle_failed"
	EventPayoutPaid          EventType = "payout_paid"
	EventPayoutFailed        EventType = "payout_failed"
	EventLateSettlement      EventType = "late_settlement"
)

// Event is a published domain event. Data carries no PII: user ids and
// amounts only.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	GroupID    string         `json:"group_id"`
	Cycle      int            `json:"cycle"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// EventPublisher hands events off. Publish must not block on delivery.
type EventPublisher interface {
	Publish(ctx context.Context, e Event)
}

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, Event) {}
