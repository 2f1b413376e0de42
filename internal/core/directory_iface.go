package core

//go:generate mockgen -source=directory_iface.go -destination=mock/directory_mock.go -package=mock

import (
	"context"

	"github.com/dkeye/callcore/internal/domain"
)

// Directory resolves chats to their current members. Read-only.
type Directory interface {
	Chat(ctx context.Context, id domain.ChatID) (domain.Chat, error)
	ChatsOf(ctx context.Context, member domain.MemberID) ([]domain.ChatID, error)
}

// HistorySink receives one record per terminal call session.
type HistorySink interface {
	Save(ctx context.Context, rec domain.CallRecord) error
}

type HistoryReader interface {
	List(ctx context.Context, chat domain.ChatID, limit int) ([]domain.CallRecord, error)
}
