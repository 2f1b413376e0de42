package core

import (
	"sync"

	"github.com/dkeye/callcore/internal/domain"
	"github.com/rs/zerolog/log"
)

// chatRoom is a threadsafe in-memory chat room.
// It never closes adapter-owned resources.
type chatRoom struct {
	id       domain.ChatID
	mu       sync.RWMutex
	byConn   map[ConnID]MemberSession
	byMember map[domain.MemberID]map[ConnID]struct{}
}

func NewChatRoom(id domain.ChatID) ChatRoom {
	return &chatRoom{
		id:       id,
		byConn:   make(map[ConnID]MemberSession),
		byMember: make(map[domain.MemberID]map[ConnID]struct{}),
	}
}

func (r *chatRoom) ChatID() domain.ChatID { return r.id }

func (r *chatRoom) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

func (r *chatRoom) AddMember(ms MemberSession) {
	mid := ms.Member().ID
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[ms.ConnID()] = ms
	conns, ok := r.byMember[mid]
	if !ok {
		conns = make(map[ConnID]struct{})
		r.byMember[mid] = conns
	}
	conns[ms.ConnID()] = struct{}{}
	log.Info().Str("module", "core.room").Str("chat", string(r.id)).Str("conn", string(ms.ConnID())).Str("member", string(mid)).Msg("member added")
}

func (r *chatRoom) RemoveMember(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.byConn[id]
	if !ok {
		return
	}
	mid := ms.Member().ID
	delete(r.byConn, id)
	if conns, ok := r.byMember[mid]; ok {
		delete(conns, id)
		if len(conns) == 0 {
			delete(r.byMember, mid)
		}
	}
	log.Info().Str("module", "core.room").Str("chat", string(r.id)).Str("conn", string(id)).Msg("member removed")
}

func (r *chatRoom) Broadcast(from ConnID, target domain.MemberID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for id, m := range r.byConn {
		if id == from {
			continue
		}
		if target != "" && m.Member().ID != target {
			continue
		}
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("chat", string(r.id)).Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *chatRoom) MembersSnapshot() []MemberDTO {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MemberDTO, 0, len(r.byMember))
	seen := make(map[domain.MemberID]bool, len(r.byMember))
	for _, ms := range r.byConn {
		m := ms.Member()
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, MemberDTO{ID: m.ID, Name: m.Name, Connections: len(r.byMember[m.ID])})
	}
	return out
}
