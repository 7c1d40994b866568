package domain

import "time"

// =============================================================================
// Work queue projection
// =============================================================================

// DefaultSLAHours is the reply SLA used for the overdue flag.
const DefaultSLAHours = 24

// WorkQueueFlags is a pure read-side projection over a conversation's
// messages. It is recomputed on every read; messages are immutable once
// written, so no caching is needed.
type WorkQueueFlags struct {
	LastInboundAt  *time.Time `json:"last_inbound_at,omitempty"`
	LastOutboundAt *time.Time `json:"last_outbound_at,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	PendingReply   bool       `json:"pending_reply"`
	Overdue        bool       `json:"overdue"`
	IdleDays       int        `json:"idle_days"`
}

// DeriveWorkQueue computes the operational flags for one conversation
// from its messages. slaHours <= 0 falls back to DefaultSLAHours.
func DeriveWorkQueue(messages []Message, now time.Time, slaHours int) WorkQueueFlags {
	if slaHours <= 0 {
		slaHours = DefaultSLAHours
	}

	var flags WorkQueueFlags
	for i := range messages {
		m := &messages[i]
		ts := m.CreatedAt
		if ts.IsZero() {
			continue
		}
		if m.IsFromLead {
			if flags.LastInboundAt == nil || ts.After(*flags.LastInboundAt) {
				t := ts
				flags.LastInboundAt = &t
			}
		} else {
			if flags.LastOutboundAt == nil || ts.After(*flags.LastOutboundAt) {
				t := ts
				flags.LastOutboundAt = &t
			}
		}
	}

	flags.PendingReply = flags.LastInboundAt != nil &&
		(flags.LastOutboundAt == nil || flags.LastInboundAt.After(*flags.LastOutboundAt))

	switch {
	case flags.LastInboundAt != nil && flags.LastOutboundAt != nil:
		if flags.LastInboundAt.After(*flags.LastOutboundAt) {
			flags.LastActivityAt = flags.LastInboundAt
		} else {
			flags.LastActivityAt = flags.LastOutboundAt
		}
	case flags.LastInboundAt != nil:
		flags.LastActivityAt = flags.LastInboundAt
	case flags.LastOutboundAt != nil:
		flags.LastActivityAt = flags.LastOutboundAt
	}

	if flags.LastActivityAt != nil {
		idle := now.Sub(*flags.LastActivityAt)
		if idle > 0 {
			flags.IdleDays = int(idle.Hours() / 24)
		}
	}

	if flags.PendingReply && now.Sub(*flags.LastInboundAt) > time.Duration(slaHours)*time.Hour {
		flags.Overdue = true
	}

	return flags
}
