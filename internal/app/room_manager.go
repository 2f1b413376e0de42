package app

import (
	"sync"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
)

type ChatRoomManagerImpl struct {
	mu    sync.RWMutex
	rooms map[domain.ChatID]core.ChatRoom
}

func NewChatRoomManager() core.ChatRoomManager {
	return &ChatRoomManagerImpl{rooms: make(map[domain.ChatID]core.ChatRoom)}
}

func (f *ChatRoomManagerImpl) GetOrCreate(id domain.ChatID) core.ChatRoom {
	f.mu.RLock()
	room, ok := f.rooms[id]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[id]; ok {
		return room
	}
	room = core.NewChatRoom(id)
	f.rooms[id] = room
	return room
}

func (f *ChatRoomManagerImpl) Get(id domain.ChatID) (core.ChatRoom, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[id]
	return room, ok
}

func (f *ChatRoomManagerImpl) List() []core.ChatRoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.ChatRoomInfo, 0, len(f.rooms))
	for id, r := range f.rooms {
		out = append(out, core.ChatRoomInfo{ChatID: id, MemberCount: r.MemberCount()})
	}
	return out
}

func (f *ChatRoomManagerImpl) StopRoom(id domain.ChatID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, id)
}
