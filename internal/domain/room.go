package domain

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAddressRequired = errors.New("address is required")
	ErrRoomIDRequired  = errors.New("room id is required")
	ErrAlreadyInRoom   = errors.New("already in room")
	ErrNotInRoom       = errors.New("not in any room")
	ErrRoomNotFound    = errors.New("room not found")
	ErrMemberNotFound  = errors.New("member not found")
	ErrInvalidInput    = errors.New("invalid input")
)

// RoomMember is one (room, client) pairing. The creator row's CreatedAt is
// the room's creation time and joiners copy it.
type RoomMember struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Address   string    `json:"address"`
	ClientID  string    `json:"clientId"`
	IsCreator bool      `json:"isCreator"`
	CreatedAt time.Time `json:"createdAt"`
}

func NewCreator(roomID, clientID, address string) *RoomMember {
	return &RoomMember{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Address:   address,
		ClientID:  clientID,
		IsCreator: true,
		CreatedAt: time.Now().UTC(),
	}
}

func NewJoiner(creator RoomMember, clientID, address string) *RoomMember {
	return &RoomMember{
		ID:        uuid.NewString(),
		RoomID:    creator.RoomID,
		Address:   address,
		ClientID:  clientID,
		IsCreator: false,
		CreatedAt: creator.CreatedAt,
	}
}

type Member struct {
	ClientID  string `json:"clientId"`
	Address   string `json:"address"`
	IsCreator bool   `json:"isCreator"`
}

// Room is the snapshot handed to clients.
type Room struct {
	RoomID    string    `json:"roomId"`
	Members   []Member  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

func (r *Room) Creator() (Member, bool) {
	for _, m := range r.Members {
		if m.IsCreator {
			return m, true
		}
	}
	return Member{}, false
}

func (r *Room) Addresses() []string {
	addrs := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		addrs = append(addrs, m.Address)
	}
	return addrs
}

// GroupRooms folds membership rows (already in insertion order) into room
// snapshots, newest room first.
func GroupRooms(rows []RoomMember) []Room {
	index := make(map[string]int)
	rooms := make([]Room, 0)

	for _, row := range rows {
		i, ok := index[row.RoomID]
		if !ok {
			i = len(rooms)
			index[row.RoomID] = i
			rooms = append(rooms, Room{RoomID: row.RoomID, CreatedAt: row.CreatedAt})
		}
		rooms[i].Members = append(rooms[i].Members, Member{
			ClientID:  row.ClientID,
			Address:   row.Address,
			IsCreator: row.IsCreator,
		})
		if row.IsCreator {
			rooms[i].CreatedAt = row.CreatedAt
		}
	}

	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
	return rooms
}

type RoomRepository interface {
	Create(ctx context.Context, member *RoomMember) error
	// ListByRoom returns the room's rows in join order.
	ListByRoom(ctx context.Context, roomID string) ([]RoomMember, error)
	ListByClient(ctx context.Context, clientID string) ([]RoomMember, error)
	ListByAddress(ctx context.Context, address string) ([]RoomMember, error)
	// ListAll returns every row in insertion order.
	ListAll(ctx context.Context) ([]RoomMember, error)
	DeleteByClient(ctx context.Context, clientID string) (int, error)
}
