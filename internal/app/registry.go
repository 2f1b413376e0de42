package app

import (
	"sync"
	"time"

	"github.com/dkeye/callcore/internal/domain"
	"github.com/dkeye/callcore/internal/pkg/cache"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	ChatID   domain.ChatID
	Outgoing bool
	Created  time.Time
}

// Registry tracks the call sessions of one client process and enforces that
// at most one of them is non-terminal. Ended ids are kept as tombstones so
// late signaling never resurrects them.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[domain.SessionID]*sessionEntry
	tombstones *cache.Expiring[domain.SessionID, domain.State]
}

func NewRegistry(tombstoneTTL time.Duration) *Registry {
	return &Registry{
		sessions:   make(map[domain.SessionID]*sessionEntry),
		tombstones: cache.New[domain.SessionID, domain.State](tombstoneTTL),
	}
}

// Reserve admits a new session. It fails with ErrAlreadyInCall while another
// session is live and with ErrSessionEnded for a tombstoned id.
func (r *Registry) Reserve(sid domain.SessionID, chat domain.ChatID, outgoing bool) error {
	if _, ended := r.tombstones.Get(sid); ended {
		return domain.ErrSessionEnded
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) > 0 {
		log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("chat", string(chat)).Msg("rejected, already in call")
		return domain.ErrAlreadyInCall
	}
	r.sessions[sid] = &sessionEntry{ChatID: chat, Outgoing: outgoing, Created: time.Now()}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("chat", string(chat)).Bool("outgoing", outgoing).Msg("reserved session")
	return nil
}

// Release frees the slot held by sid and remembers its final state. The
// first final state recorded for an id sticks.
func (r *Registry) Release(sid domain.SessionID, final domain.State) {
	r.mu.Lock()
	_, ok := r.sessions[sid]
	delete(r.sessions, sid)
	r.mu.Unlock()
	r.tombstones.Add(sid, final)
	if ok {
		log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("state", string(final)).Msg("released session")
	}
}

// Active returns the live session, if any.
func (r *Registry) Active() (domain.SessionID, domain.ChatID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sid, e := range r.sessions {
		return sid, e.ChatID, true
	}
	return "", "", false
}

func (r *Registry) Has(sid domain.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sid]
	return ok
}

// Ended reports the final state of a recently ended session.
func (r *Registry) Ended(sid domain.SessionID) (domain.State, bool) {
	return r.tombstones.Get(sid)
}
