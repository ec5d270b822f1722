package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/ports/out"
)

type participantKey struct {
	conversationID uint64
	userID         uint64
}

// ConversationRepository 进程内会话与读游标
type ConversationRepository struct {
	mu            sync.RWMutex
	conversations map[uint64]*entity.Conversation
	lastRead      map[participantKey]time.Time
}

var _ out.ConversationRepository = (*ConversationRepository)(nil)

func NewConversationRepository() *ConversationRepository {
	return &ConversationRepository{
		conversations: make(map[uint64]*entity.Conversation),
		lastRead:      make(map[participantKey]time.Time),
	}
}

// Put 写入或替换会话，开发和测试用
func (r *ConversationRepository) Put(conv *entity.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *conv
	cp.ParticipantIDs = append([]uint64(nil), conv.ParticipantIDs...)
	r.conversations[conv.ID] = &cp
}

func (r *ConversationRepository) Get(ctx context.Context, conversationID uint64) (*entity.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	cp := *conv
	cp.ParticipantIDs = append([]uint64(nil), conv.ParticipantIDs...)
	return &cp, nil
}

func (r *ConversationRepository) IsParticipant(ctx context.Context, conversationID, userID uint64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[conversationID]
	if !ok {
		return false, nil
	}
	return conv.HasParticipant(userID), nil
}

func (r *ConversationRepository) ListParticipantIDs(ctx context.Context, conversationID uint64) ([]uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[conversationID]
	if !ok {
		return []uint64{}, nil
	}
	return append([]uint64(nil), conv.ParticipantIDs...), nil
}

func (r *ConversationRepository) ListConversationIDs(ctx context.Context, userID uint64) ([]uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uint64, 0)
	for id, conv := range r.conversations {
		if conv.HasParticipant(userID) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *ConversationRepository) UpdateLastRead(ctx context.Context, conversationID, userID uint64, readAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := participantKey{conversationID, userID}
	if cur, ok := r.lastRead[key]; ok && !readAt.After(cur) {
		return nil
	}
	r.lastRead[key] = readAt
	return nil
}

func (r *ConversationRepository) GetParticipant(ctx context.Context, conversationID, userID uint64) (*entity.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[conversationID]
	if !ok || !conv.HasParticipant(userID) {
		return nil, nil
	}
	p := &entity.Participant{ConversationID: conversationID, UserID: userID}
	if t, ok := r.lastRead[participantKey{conversationID, userID}]; ok {
		p.LastReadAt = &t
	}
	return p, nil
}
