package domain

import "time"

// CallRecord is the durable history entry written once per terminal session.
type CallRecord struct {
	SessionID    SessionID  `json:"sessionId"`
	ChatID       ChatID     `json:"chatId"`
	Mode         Mode       `json:"mode"`
	InitiatorID  MemberID   `json:"initiatorId"`
	Participants []MemberID `json:"participants"`
	State        State      `json:"state"`
	Outcome      Outcome    `json:"outcome"`
	Reason       string     `json:"reason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
}

// Duration is zero for calls that never connected.
func (r CallRecord) Duration() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}
