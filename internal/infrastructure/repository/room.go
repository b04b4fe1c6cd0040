package repository

import (
	"context"
	"sync"

	"github.com/hilthontt/monopoly/internal/domain"
)

type roomRepository struct {
	members []domain.RoomMember // insertion order
	mu      *sync.RWMutex
}

func NewRoomRepository() domain.RoomRepository {
	return &roomRepository{
		members: make([]domain.RoomMember, 0, 64),
		mu:      &sync.RWMutex{},
	}
}

func (r *roomRepository) Create(ctx context.Context, member *domain.RoomMember) error {
	if member == nil || member.ID == "" || member.RoomID == "" {
		return domain.ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.members {
		if m.ID == member.ID {
			return domain.ErrInvalidInput
		}
	}

	r.members = append(r.members, *member)
	return nil
}

func (r *roomRepository) ListByRoom(ctx context.Context, roomID string) ([]domain.RoomMember, error) {
	return r.filter(func(m domain.RoomMember) bool { return m.RoomID == roomID }), nil
}

func (r *roomRepository) ListByClient(ctx context.Context, clientID string) ([]domain.RoomMember, error) {
	return r.filter(func(m domain.RoomMember) bool { return m.ClientID == clientID }), nil
}

func (r *roomRepository) ListByAddress(ctx context.Context, address string) ([]domain.RoomMember, error) {
	return r.filter(func(m domain.RoomMember) bool { return m.Address == address }), nil
}

func (r *roomRepository) ListAll(ctx context.Context) ([]domain.RoomMember, error) {
	return r.filter(func(domain.RoomMember) bool { return true }), nil
}

func (r *roomRepository) DeleteByClient(ctx context.Context, clientID string) (int, error) {
	if clientID == "" {
		return 0, domain.ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.members[:0]
	removed := 0
	for _, m := range r.members {
		if m.ClientID == clientID {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	r.members = kept

	return removed, nil
}

// filter returns a copy so callers cannot mutate stored rows.
func (r *roomRepository) filter(keep func(domain.RoomMember) bool) []domain.RoomMember {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.RoomMember, 0)
	for _, m := range r.members {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}
