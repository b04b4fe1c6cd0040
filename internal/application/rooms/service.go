package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hilthontt/monopoly/internal/domain"
	"github.com/hilthontt/monopoly/internal/infrastructure/events"
	"github.com/hilthontt/monopoly/internal/infrastructure/logging"
)

// Failure reasons reported to clients.
const (
	ReasonAddressRequired = "AddressRequired"
	ReasonRoomIDRequired  = "RoomIdRequired"
	ReasonAlreadyInRoom   = "AlreadyInRoom"
	ReasonNotInRoom       = "NotInRoom"
	ReasonRoomNotFound    = "RoomNotFound"
)

var reasonErrors = map[string]error{
	ReasonAddressRequired: domain.ErrAddressRequired,
	ReasonRoomIDRequired:  domain.ErrRoomIDRequired,
	ReasonAlreadyInRoom:   domain.ErrAlreadyInRoom,
	ReasonNotInRoom:       domain.ErrNotInRoom,
	ReasonRoomNotFound:    domain.ErrRoomNotFound,
}

// Result is the outcome of a membership operation: either a failure reason
// or the resulting room snapshot.
type Result struct {
	Success bool         `json:"success"`
	Reason  string       `json:"reason,omitempty"`
	Room    *domain.Room `json:"room,omitempty"`
}

// Err maps a failed result to its domain sentinel.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if err, ok := reasonErrors[r.Reason]; ok {
		return err
	}
	return domain.ErrInvalidInput
}

func failed(reason string) Result {
	return Result{Success: false, Reason: reason}
}

func succeeded(room domain.Room) Result {
	return Result{Success: true, Room: &room}
}

// Service owns room membership. Check-then-insert sequences run under one
// mutex so concurrent requests cannot break exclusivity.
type Service struct {
	repo      domain.RoomRepository
	publisher events.Publisher
	logger    logging.Logger
	mu        sync.Mutex
}

func NewService(repo domain.RoomRepository, publisher events.Publisher, logger logging.Logger) *Service {
	if publisher == nil {
		publisher = events.NewNopPublisher()
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
	}
}

// CreateRoom makes the caller the creator of a new room. An empty roomID is
// replaced with a generated one.
func (s *Service) CreateRoom(ctx context.Context, roomID, clientID, address string) (Result, error) {
	if address == "" {
		return failed(ReasonAddressRequired), nil
	}
	if roomID == "" {
		roomID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	busy, err := s.hasMembership(ctx, clientID, address)
	if err != nil {
		return Result{}, err
	}
	if busy {
		return failed(ReasonAlreadyInRoom), nil
	}

	existing, err := s.repo.ListByRoom(ctx, roomID)
	if err != nil {
		return Result{}, fmt.Errorf("list room %s: %w", roomID, err)
	}
	if len(existing) > 0 {
		return failed(ReasonAlreadyInRoom), nil
	}

	creator := domain.NewCreator(roomID, clientID, address)
	if err := s.repo.Create(ctx, creator); err != nil {
		return Result{}, fmt.Errorf("create room %s: %w", roomID, err)
	}

	room := domain.GroupRooms([]domain.RoomMember{*creator})[0]
	s.logger.Info(logging.Room, logging.Membership, "room created", map[logging.ExtraKey]any{
		logging.RoomID:   roomID,
		logging.ClientID: clientID,
		logging.Address:  address,
	})
	s.publish(ctx, domain.EventRoomCreated, room)

	return succeeded(room), nil
}

func (s *Service) JoinRoom(ctx context.Context, roomID, clientID, address string) (Result, error) {
	if roomID == "" {
		return failed(ReasonRoomIDRequired), nil
	}
	if address == "" {
		return failed(ReasonAddressRequired), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	members, err := s.repo.ListByRoom(ctx, roomID)
	if err != nil {
		return Result{}, fmt.Errorf("list room %s: %w", roomID, err)
	}

	var creator *domain.RoomMember
	for i := range members {
		if members[i].ClientID == clientID || members[i].Address == address {
			return failed(ReasonAlreadyInRoom), nil
		}
		if members[i].IsCreator {
			creator = &members[i]
		}
	}
	if creator == nil {
		return failed(ReasonRoomNotFound), nil
	}

	// a membership in another room would break exclusivity
	busy, err := s.hasMembership(ctx, clientID, address)
	if err != nil {
		return Result{}, err
	}
	if busy {
		return failed(ReasonAlreadyInRoom), nil
	}

	joiner := domain.NewJoiner(*creator, clientID, address)
	if err := s.repo.Create(ctx, joiner); err != nil {
		return Result{}, fmt.Errorf("join room %s: %w", roomID, err)
	}

	room := domain.GroupRooms(append(members, *joiner))[0]
	s.logger.Info(logging.Room, logging.Membership, "user joined room", map[logging.ExtraKey]any{
		logging.RoomID:   roomID,
		logging.ClientID: clientID,
		logging.Address:  address,
		logging.Count:    len(room.Members),
	})
	s.publish(ctx, domain.EventUserJoined, room)

	return succeeded(room), nil
}

// LeaveRoom removes every membership row of the client and returns the room
// as it was before the removal.
func (s *Service) LeaveRoom(ctx context.Context, clientID string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.repo.ListByClient(ctx, clientID)
	if err != nil {
		return Result{}, fmt.Errorf("list memberships: %w", err)
	}
	if len(rows) == 0 {
		return failed(ReasonNotInRoom), nil
	}

	prior, err := s.repo.ListByRoom(ctx, rows[0].RoomID)
	if err != nil {
		return Result{}, fmt.Errorf("list room %s: %w", rows[0].RoomID, err)
	}
	if len(prior) == 0 {
		prior = rows
	}

	if _, err := s.repo.DeleteByClient(ctx, clientID); err != nil {
		return Result{}, fmt.Errorf("leave room: %w", err)
	}

	room := domain.GroupRooms(prior)[0]
	s.logger.Info(logging.Room, logging.Membership, "user left room", map[logging.ExtraKey]any{
		logging.RoomID:   room.RoomID,
		logging.ClientID: clientID,
	})
	s.publish(ctx, domain.EventUserLeft, room)

	return succeeded(room), nil
}

// ListRooms returns every room, newest first, members in join order.
func (s *Service) ListRooms(ctx context.Context) ([]domain.Room, error) {
	rows, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return domain.GroupRooms(rows), nil
}

func (s *Service) Room(ctx context.Context, roomID string) (*domain.Room, error) {
	if roomID == "" {
		return nil, domain.ErrRoomIDRequired
	}
	rows, err := s.repo.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list room %s: %w", roomID, err)
	}
	if len(rows) == 0 {
		return nil, domain.ErrRoomNotFound
	}
	room := domain.GroupRooms(rows)[0]
	return &room, nil
}

// MembershipOf returns the client's membership row.
func (s *Service) MembershipOf(ctx context.Context, clientID string) (*domain.RoomMember, error) {
	rows, err := s.repo.ListByClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	if len(rows) == 0 {
		return nil, domain.ErrNotInRoom
	}
	return &rows[0], nil
}

func (s *Service) hasMembership(ctx context.Context, clientID, address string) (bool, error) {
	byClient, err := s.repo.ListByClient(ctx, clientID)
	if err != nil {
		return false, fmt.Errorf("list memberships by client: %w", err)
	}
	if len(byClient) > 0 {
		return true, nil
	}
	byAddress, err := s.repo.ListByAddress(ctx, address)
	if err != nil {
		return false, fmt.Errorf("list memberships by address: %w", err)
	}
	return len(byAddress) > 0, nil
}

func (s *Service) publish(ctx context.Context, event string, room domain.Room) {
	if err := s.publisher.PublishRoomEvent(ctx, event, room); err != nil {
		s.logger.Warn(logging.RabbitMQ, logging.ExternalService, "failed to publish room event", map[logging.ExtraKey]any{
			logging.RoomID:       room.RoomID,
			logging.Action:       event,
			logging.ErrorMessage: err.Error(),
		})
	}
}

// IsMembershipError reports whether err is a client-facing membership
// failure rather than a storage fault.
func IsMembershipError(err error) bool {
	for _, sentinel := range reasonErrors {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
