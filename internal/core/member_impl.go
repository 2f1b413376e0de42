package core

import "github.com/dkeye/callcore/internal/domain"

// memberSession implements MemberSession by pairing member meta + transport.
type memberSession struct {
	id     ConnID
	member domain.Member
	conn   SignalConnection
}

func NewMemberSession(id ConnID, member domain.Member, conn SignalConnection) MemberSession {
	return &memberSession{id: id, member: member, conn: conn}
}

func (m *memberSession) ConnID() ConnID           { return m.id }
func (m *memberSession) Member() domain.Member    { return m.member }
func (m *memberSession) Signal() SignalConnection { return m.conn }
