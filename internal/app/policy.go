package app

import (
	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what the signaling hub does with a connection whose send
// queue is full.
type Policy interface {
	OnBackPressure(room core.ChatRoom, member core.MemberSession) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(room core.ChatRoom, member core.MemberSession) BackpressureAction {
	return KickMember
}

// DefaultRelayThreshold is the largest chat served in DIRECT mode.
const DefaultRelayThreshold = 2

// CallPolicy fixes the mode of a new session and what happens to an
// incoming call while another one is live.
type CallPolicy struct {
	// RelayThreshold: chats with more members than this use RELAYED mode.
	RelayThreshold int
}

func NewCallPolicy(threshold int) CallPolicy {
	if threshold < 2 {
		threshold = DefaultRelayThreshold
	}
	return CallPolicy{RelayThreshold: threshold}
}

func (p CallPolicy) ModeFor(chat domain.Chat) domain.Mode {
	if len(chat.Members) > p.RelayThreshold {
		return domain.ModeRelayed
	}
	return domain.ModeDirect
}

// BusyReason is sent with the automatic decline of a second incoming call.
const BusyReason = "busy"

// OnBusy always auto-declines; incoming calls are never queued.
func (p CallPolicy) OnBusy() (domain.Action, string) {
	return domain.ActionDecline, BusyReason
}
