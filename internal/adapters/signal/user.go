package signal

import (
	"context"
	"fmt"

	"github.com/dkeye/callcore/internal/domain"
)

// resolveMember looks up the member record and every chat it belongs to.
// A member of no chat cannot signal anyone and is rejected.
func (ctl *SignalWSController) resolveMember(ctx context.Context, mid domain.MemberID) (domain.Member, []domain.ChatID, error) {
	if err := domain.ValidateMemberID(mid); err != nil {
		return domain.Member{}, nil, fmt.Errorf("member id: %w", err)
	}
	chats, err := ctl.Directory.ChatsOf(ctx, mid)
	if err != nil {
		return domain.Member{}, nil, err
	}
	if len(chats) == 0 {
		return domain.Member{}, nil, fmt.Errorf("%w: %s", domain.ErrNotMember, mid)
	}
	chat, err := ctl.Directory.Chat(ctx, chats[0])
	if err != nil {
		return domain.Member{}, nil, err
	}
	for _, m := range chat.Members {
		if m.ID == mid {
			return m, chats, nil
		}
	}
	return domain.Member{ID: mid, Name: string(mid)}, chats, nil
}
