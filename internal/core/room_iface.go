package core

import "github.com/dkeye/callcore/internal/domain"

// PublishResult reports delivery stats/backpressure to the hub.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID          domain.MemberID `json:"id"`
	Name        string          `json:"name"`
	Connections int             `json:"connections"`
}

// ChatRoom is the set of connected members of one chat.
// It owns the membership set but never touches transport resources.
type ChatRoom interface {
	ChatID() domain.ChatID
	MemberCount() int
	MembersSnapshot() []MemberDTO

	AddMember(ms MemberSession)
	RemoveMember(id ConnID)
	// Broadcast sends data to every connection except from. A non-empty
	// target narrows delivery to that member's connections.
	Broadcast(from ConnID, target domain.MemberID, data Frame) PublishResult
}

type ChatRoomInfo struct {
	ChatID      domain.ChatID `json:"chatId"`
	MemberCount int           `json:"connections"`
}

type ChatRoomManager interface {
	GetOrCreate(id domain.ChatID) ChatRoom
	Get(id domain.ChatID) (ChatRoom, bool)
	List() []ChatRoomInfo
	StopRoom(id domain.ChatID)
}
