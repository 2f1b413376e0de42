package app

import (
	"context"
	"sync"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/rs/zerolog/log"
)

type connEntry struct {
	Session core.MemberSession
	Chats   []domain.ChatID
	Cancel  context.CancelFunc
}

// Conns is the server-side registry of live signaling connections.
type Conns struct {
	mu       sync.RWMutex
	conns    map[core.ConnID]*connEntry
	byMember map[domain.MemberID]map[core.ConnID]struct{}
}

func NewConns() *Conns {
	return &Conns{
		conns:    make(map[core.ConnID]*connEntry),
		byMember: make(map[domain.MemberID]map[core.ConnID]struct{}),
	}
}

func (r *Conns) Bind(sess core.MemberSession, chats []domain.ChatID, cancel context.CancelFunc) {
	id := sess.ConnID()
	mid := sess.Member().ID
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = &connEntry{Session: sess, Chats: chats, Cancel: cancel}
	set, ok := r.byMember[mid]
	if !ok {
		set = make(map[core.ConnID]struct{})
		r.byMember[mid] = set
	}
	set[id] = struct{}{}
	log.Info().Str("module", "app.conns").Str("conn", string(id)).Str("member", string(mid)).Int("chats", len(chats)).Msg("bound connection")
}

func (r *Conns) Get(id core.ConnID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[id]; ok {
		return e.Session, true
	}
	return nil, false
}

// ChatsOf returns the chats the connection was joined to at bind time.
func (r *Conns) ChatsOf(id core.ConnID) []domain.ChatID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[id]; ok {
		return append([]domain.ChatID(nil), e.Chats...)
	}
	return nil
}

// Online reports whether the member has at least one live connection.
func (r *Conns) Online(mid domain.MemberID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byMember[mid]) > 0
}

func (r *Conns) Unbind(id core.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return
	}
	mid := e.Session.Member().ID
	delete(r.conns, id)
	if set, ok := r.byMember[mid]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byMember, mid)
		}
	}
	log.Info().Str("module", "app.conns").Str("conn", string(id)).Msg("unbind connection")
}

// Cancel stops the pumps of a connection; the adapter then unbinds it.
func (r *Conns) Cancel(id core.ConnID) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.conns").Str("conn", string(id)).Msg("canceled connection")
	return true
}

// All returns every live connection id.
func (r *Conns) All() []core.ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.ConnID, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}
