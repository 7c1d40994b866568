package out

import (
	"context"

	"inbox_server/core/domain"
)

// RealtimePort pushes events to live client listeners.
type RealtimePort interface {
	// Subscribe registers a listener channel for a user.
	Subscribe(userID string) <-chan *domain.RealtimeEvent

	// Unsubscribe removes a listener channel.
	Unsubscribe(userID string, ch <-chan *domain.RealtimeEvent)

	// Push sends an event to one user's listeners. Best-effort.
	Push(ctx context.Context, userID string, event *domain.RealtimeEvent) error

	// Broadcast sends an event to every connected listener.
	Broadcast(ctx context.Context, event *domain.RealtimeEvent) error

	ConnectedCount() int
	IsConnected(userID string) bool
}
