package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/callcore/internal/domain"
)

var ErrChatNotFound = errors.New("chat not found")

// StaticDirectory serves a fixed chat/member table, seeded from config.
type StaticDirectory struct {
	mu    sync.RWMutex
	chats map[domain.ChatID]domain.Chat
}

func NewStaticDirectory(chats []domain.Chat) (*StaticDirectory, error) {
	d := &StaticDirectory{chats: make(map[domain.ChatID]domain.Chat, len(chats))}
	for _, c := range chats {
		if err := d.Put(c); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Put adds or replaces a chat.
func (d *StaticDirectory) Put(c domain.Chat) error {
	if err := domain.ValidateChatID(c.ID); err != nil {
		return fmt.Errorf("chat %q: %w", c.ID, err)
	}
	for _, m := range c.Members {
		if err := domain.ValidateMemberID(m.ID); err != nil {
			return fmt.Errorf("chat %q member %q: %w", c.ID, m.ID, err)
		}
	}
	c.Members = slices.Clone(c.Members)
	d.mu.Lock()
	d.chats[c.ID] = c
	d.mu.Unlock()
	return nil
}

func (d *StaticDirectory) Chat(_ context.Context, id domain.ChatID) (domain.Chat, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.chats[id]
	if !ok {
		return domain.Chat{}, fmt.Errorf("%w: %s", ErrChatNotFound, id)
	}
	c.Members = slices.Clone(c.Members)
	return c, nil
}

func (d *StaticDirectory) ChatsOf(_ context.Context, member domain.MemberID) ([]domain.ChatID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []domain.ChatID
	for id, c := range d.chats {
		if c.Has(member) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Member finds a member record in any chat.
func (d *StaticDirectory) Member(id domain.MemberID) (domain.Member, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.chats {
		for _, m := range c.Members {
			if m.ID == id {
				return m, true
			}
		}
	}
	return domain.Member{}, false
}
