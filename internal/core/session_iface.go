package core

import "github.com/dkeye/callcore/internal/domain"

// ConnID identifies one authenticated signaling connection on the server.
type ConnID string

// MemberSession binds a chat member to its signaling endpoint.
// This is what a chat room stores and fans out to.
type MemberSession interface {
	ConnID() ConnID
	Member() domain.Member
	Signal() SignalConnection
}
