// Package events publishes domain events about redemptions and assignments.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Routing keys.
const (
	SubsidyRedeemed      = "subsidy_access_policy.redeemed"
	AssignmentsAllocated = "learner_content_assignment.allocated"
	AssignmentsCancelled = "learner_content_assignment.cancelled"
)

// Publisher delivers an already-encoded event body.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
	Close() error
}

// Envelope wraps every event body.
type Envelope struct {
	ID         uuid.UUID `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// Emit encodes data in an Envelope and publishes it under eventType.
func Emit(ctx context.Context, p Publisher, eventType string, data any) error {
	body, err := json.Marshal(Envelope{
		ID:         uuid.New(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return p.Publish(ctx, eventType, body)
}

// Redeemed is the body of a SubsidyRedeemed event.
type Redeemed struct {
	PolicyUUID      uuid.UUID      `json:"subsidy_access_policy_uuid"`
	SubsidyUUID     uuid.UUID      `json:"subsidy_uuid"`
	TransactionUUID uuid.UUID      `json:"transaction_uuid"`
	LmsUserID       int64          `json:"lms_user_id"`
	ContentKey      string         `json:"content_key"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// AssignmentsChanged is the body of allocation and cancellation events.
type AssignmentsChanged struct {
	PolicyUUID                  uuid.UUID   `json:"subsidy_access_policy_uuid"`
	AssignmentConfigurationUUID uuid.UUID   `json:"assignment_configuration_uuid"`
	ContentKey                  string      `json:"content_key,omitempty"`
	AssignmentUUIDs             []uuid.UUID `json:"assignment_uuids"`
}

// MemoryPublisher records every published message. Safe for concurrent use.
type MemoryPublisher struct {
	mu       sync.Mutex
	Messages []Message
	Err      error
}

// Message is one message captured by MemoryPublisher.
type Message struct {
	RoutingKey string
	Body       []byte
}

func (p *MemoryPublisher) Publish(_ context.Context, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Messages = append(p.Messages, Message{RoutingKey: routingKey, Body: payload})
	return nil
}

func (p *MemoryPublisher) Close() error { return nil }

// RoutingKeys returns the routing keys published so far, in order.
func (p *MemoryPublisher) RoutingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.Messages))
	for _, m := range p.Messages {
		out = append(out, m.RoutingKey)
	}
	return out
}
