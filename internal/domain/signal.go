package domain

import (
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	MsgOffer        MessageType = "offer"
	MsgAnswer       MessageType = "answer"
	MsgICECandidate MessageType = "ice-candidate"
	MsgCallAction   MessageType = "call-action"
	MsgCallUpdate   MessageType = "call-update"

	// control frames, never routed to sessions
	MsgPing  MessageType = "ping"
	MsgPong  MessageType = "pong"
	MsgError MessageType = "error"
)

// CallMessageTypes are the types a session subscribes to.
var CallMessageTypes = []MessageType{MsgOffer, MsgAnswer, MsgICECandidate, MsgCallAction, MsgCallUpdate}

func (t MessageType) IsCall() bool {
	switch t {
	case MsgOffer, MsgAnswer, MsgICECandidate, MsgCallAction, MsgCallUpdate:
		return true
	}
	return false
}

// Envelope is the signaling wire frame. TargetID empty means every other
// connected member of the chat.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID SessionID       `json:"sessionId,omitempty"`
	ChatID    ChatID          `json:"chatId,omitempty"`
	SenderID  MemberID        `json:"senderId,omitempty"`
	TargetID  MemberID        `json:"targetId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type SDPPayload struct {
	SDP string `json:"sdp"`
}

type ICEPayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type Action string

const (
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
	ActionHangup  Action = "hangup"
	ActionCancel  Action = "cancel"
)

type ActionPayload struct {
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
}

type UpdateKind string

const (
	UpdateInvite UpdateKind = "invite"
	UpdateMedia  UpdateKind = "media"
	UpdateLeft   UpdateKind = "left"
)

type UpdatePayload struct {
	Kind         UpdateKind `json:"kind"`
	Mode         Mode       `json:"mode,omitempty"`
	Participants []MemberID `json:"participants,omitempty"`
	Video        bool       `json:"video"`
	Screen       bool       `json:"screen"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope marshals payload into a frame. A nil payload leaves Payload empty.
func NewEnvelope(t MessageType, sid SessionID, chat ChatID, sender, target MemberID, payload any) (Envelope, error) {
	env := Envelope{Type: t, SessionID: sid, ChatID: chat, SenderID: sender, TargetID: target}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: bad payload: %w", e.Type, err)
	}
	return nil
}
