// Package worker consumes the job streams and drives sync execution.
package worker

import (
	"time"

	"github.com/goccy/go-json"

	"inbox_server/core/domain"

	"github.com/google/uuid"
)

// Message is one unit of work flowing through the pool. It mirrors
// domain.SyncJob plus pool-side retry bookkeeping.
type Message struct {
	ID          string          `json:"id"`
	Type        domain.JobType  `json:"type"`
	WorkspaceID string          `json:"workspace_id"`
	AccountID   string          `json:"account_id"`
	Priority    domain.Priority `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Retries     int             `json:"retries"`
}

// NewMessage creates a message with a fresh id.
func NewMessage(jobType domain.JobType, workspaceID, accountID string) *Message {
	return &Message{
		ID:          uuid.New().String(),
		Type:        jobType,
		WorkspaceID: workspaceID,
		AccountID:   accountID,
		Priority:    domain.PriorityNormal,
		CreatedAt:   time.Now(),
	}
}

// DecodeMessage parses a stream payload into a Message.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	return &msg, nil
}

// IsPriority checks if the message should go to the priority queue.
func (m *Message) IsPriority() bool {
	return m.Priority >= domain.PriorityHigh
}

// ParsePayload decodes the typed payload of a message.
func ParsePayload[T any](msg *Message) (*T, error) {
	var payload T
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
