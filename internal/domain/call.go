package domain

import (
	"slices"
	"time"
)

type State string

const (
	StateIdle       State = "idle"
	StateDialing    State = "dialing"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnding     State = "ending"
	StateEnded      State = "ended"
	StateDeclined   State = "declined"
	StateMissed     State = "missed"
	StateFailed     State = "failed"
)

// IsTerminal reports whether no further transition may leave s.
func (s State) IsTerminal() bool {
	switch s {
	case StateEnded, StateDeclined, StateMissed, StateFailed:
		return true
	}
	return false
}

// IsPending reports whether the call has not been answered yet.
func (s State) IsPending() bool {
	return s == StateDialing || s == StateRinging
}

var transitions = map[State][]State{
	StateIdle:       {StateDialing, StateRinging},
	StateDialing:    {StateConnecting, StateDeclined, StateMissed, StateFailed},
	StateRinging:    {StateConnecting, StateDeclined, StateMissed, StateFailed},
	StateConnecting: {StateConnected, StateEnding, StateFailed},
	StateConnected:  {StateEnding},
	StateEnding:     {StateEnded},
}

// CanTransition reports whether the machine may move from s to next.
func (s State) CanTransition(next State) bool {
	return slices.Contains(transitions[s], next)
}

type Mode string

const (
	ModeDirect  Mode = "direct"
	ModeRelayed Mode = "relayed"
)

// Outcome is the user-facing result of a finished call.
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeEnded    Outcome = "ended"
	OutcomeDeclined Outcome = "declined"
	OutcomeMissed   Outcome = "missed"
	OutcomeFailed   Outcome = "failed"
)

func (s State) Outcome() Outcome {
	switch s {
	case StateEnded:
		return OutcomeEnded
	case StateDeclined:
		return OutcomeDeclined
	case StateMissed:
		return OutcomeMissed
	case StateFailed:
		return OutcomeFailed
	}
	return OutcomeNone
}

// MediaFlags are the capability flags of one participant.
type MediaFlags struct {
	Video  bool `json:"video"`
	Screen bool `json:"screen"`
}

// CallSession is one call attempt. It is mutated only by the session actor;
// everything else works on copies returned by Clone.
type CallSession struct {
	ID             SessionID
	ChatID         ChatID
	Mode           Mode
	State          State
	Outgoing       bool
	InitiatorID    MemberID
	SelfID         MemberID
	ParticipantIDs []MemberID
	Invitees       []MemberID

	// Local flags; remote flags are kept per participant.
	IsVideoEnabled       bool
	IsScreenShareEnabled bool
	RemoteMedia          map[MemberID]MediaFlags

	CreatedAt     time.Time
	StartedAt     *time.Time
	EndedAt       *time.Time
	FailureReason string
}

// NewCallSession builds a session in its first non-idle state. The caller
// starts DIALING, everyone else RINGING.
func NewCallSession(id SessionID, chat ChatID, mode Mode, self, initiator MemberID, participants, invitees []MemberID, video bool, now time.Time) *CallSession {
	state := StateRinging
	if self == initiator {
		state = StateDialing
	}
	return &CallSession{
		ID:             id,
		ChatID:         chat,
		Mode:           mode,
		State:          state,
		Outgoing:       self == initiator,
		InitiatorID:    initiator,
		SelfID:         self,
		ParticipantIDs: slices.Clone(participants),
		Invitees:       slices.Clone(invitees),
		IsVideoEnabled: video,
		RemoteMedia:    make(map[MemberID]MediaFlags),
		CreatedAt:      now,
	}
}

func (c *CallSession) HasParticipant(id MemberID) bool {
	return slices.Contains(c.ParticipantIDs, id)
}

// AddParticipant grows the participant set. Only allowed while connected.
func (c *CallSession) AddParticipant(id MemberID) bool {
	if c.State != StateConnected || c.HasParticipant(id) {
		return false
	}
	c.ParticipantIDs = append(c.ParticipantIDs, id)
	return true
}

// MarkStarted sets StartedAt the first time the call connects.
func (c *CallSession) MarkStarted(now time.Time) {
	if c.StartedAt == nil {
		t := now
		c.StartedAt = &t
	}
}

// MarkEnded sets EndedAt exactly once and reports whether it did.
func (c *CallSession) MarkEnded(now time.Time) bool {
	if c.EndedAt != nil {
		return false
	}
	t := now
	c.EndedAt = &t
	return true
}

func (c *CallSession) Clone() *CallSession {
	if c == nil {
		return nil
	}
	cp := *c
	cp.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	cp.Invitees = slices.Clone(c.Invitees)
	cp.RemoteMedia = make(map[MemberID]MediaFlags, len(c.RemoteMedia))
	for k, v := range c.RemoteMedia {
		cp.RemoteMedia[k] = v
	}
	if c.StartedAt != nil {
		t := *c.StartedAt
		cp.StartedAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// Record projects a terminal session into its history record.
func (c *CallSession) Record() CallRecord {
	rec := CallRecord{
		SessionID:    c.ID,
		ChatID:       c.ChatID,
		Mode:         c.Mode,
		InitiatorID:  c.InitiatorID,
		Participants: slices.Clone(c.ParticipantIDs),
		State:        c.State,
		Outcome:      c.State.Outcome(),
		Reason:       c.FailureReason,
		CreatedAt:    c.CreatedAt,
	}
	if c.StartedAt != nil {
		t := *c.StartedAt
		rec.StartedAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		rec.EndedAt = &t
	}
	return rec
}
