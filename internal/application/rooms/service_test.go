package rooms

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hilthontt/monopoly/internal/domain"
	"github.com/hilthontt/monopoly/internal/infrastructure/logging"
	"github.com/hilthontt/monopoly/internal/infrastructure/repository"
)

func newTestService() *Service {
	return NewService(repository.NewRoomRepository(), nil, logging.NewNop())
}

func mustSucceed(t *testing.T) func(Result, error) *domain.Room {
	return func(res Result, err error) *domain.Room {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Success {
			t.Fatalf("result failed with reason %q", res.Reason)
		}
		return res.Room
	}
}

func TestCreateJoinListScenario(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	room := mustSucceed(t)(svc.CreateRoom(ctx, "room-1", "c1", "A1"))
	if len(room.Members) != 1 || !room.Members[0].IsCreator {
		t.Fatalf("created room = %+v", room)
	}

	joined := mustSucceed(t)(svc.JoinRoom(ctx, "room-1", "c2", "A2"))
	if !joined.CreatedAt.Equal(room.CreatedAt) {
		t.Fatalf("joined createdAt = %v, want %v", joined.CreatedAt, room.CreatedAt)
	}

	rooms, err := svc.ListRooms(ctx)
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(rooms) != 1 {
		t.Fatalf("rooms = %d, want 1", len(rooms))
	}
	members := rooms[0].Members
	if len(members) != 2 || members[0].Address != "A1" || members[1].Address != "A2" {
		t.Fatalf("members = %+v, want A1 then A2", members)
	}
	if !members[0].IsCreator || members[1].IsCreator {
		t.Fatalf("creator flags = %v/%v, want true/false", members[0].IsCreator, members[1].IsCreator)
	}

	prior := mustSucceed(t)(svc.LeaveRoom(ctx, "c1"))
	if len(prior.Members) != 2 {
		t.Fatalf("prior snapshot members = %d, want 2", len(prior.Members))
	}
	remaining, err := svc.Room(ctx, "room-1")
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	if len(remaining.Members) != 1 || remaining.Members[0].Address != "A2" {
		t.Fatalf("remaining = %+v, want only A2", remaining.Members)
	}
}

func TestCreateRoomFailures(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	mustSucceed(t)(svc.CreateRoom(ctx, "room-1", "c1", "A1"))

	cases := []struct {
		name     string
		roomID   string
		clientID string
		address  string
		reason   string
	}{
		{"missing address", "room-2", "c2", "", ReasonAddressRequired},
		{"client already member", "room-2", "c1", "A9", ReasonAlreadyInRoom},
		{"address already member", "room-2", "c9", "A1", ReasonAlreadyInRoom},
		{"room id taken", "room-1", "c3", "A3", ReasonAlreadyInRoom},
	}
	for _, tc := range cases {
		res, err := svc.CreateRoom(ctx, tc.roomID, tc.clientID, tc.address)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if res.Success || res.Reason != tc.reason {
			t.Fatalf("%s: result = %+v, want reason %q", tc.name, res, tc.reason)
		}
	}
}

func TestCreateRoomGeneratesID(t *testing.T) {
	room := mustSucceed(t)(newTestService().CreateRoom(context.Background(), "", "c1", "A1"))
	if room.RoomID == "" {
		t.Fatal("room id is empty")
	}
}

func TestJoinRoomFailures(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	mustSucceed(t)(svc.CreateRoom(ctx, "room-1", "c1", "A1"))
	mustSucceed(t)(svc.CreateRoom(ctx, "room-2", "c2", "A2"))

	cases := []struct {
		name     string
		roomID   string
		clientID string
		address  string
		reason   string
	}{
		{"missing room id", "", "c3", "A3", ReasonRoomIDRequired},
		{"missing address", "room-1", "c3", "", ReasonAddressRequired},
		{"same client", "room-1", "c1", "A3", ReasonAlreadyInRoom},
		{"same address", "room-1", "c3", "A1", ReasonAlreadyInRoom},
		{"member of another room", "room-1", "c2", "A2", ReasonAlreadyInRoom},
		{"unknown room", "room-9", "c3", "A3", ReasonRoomNotFound},
	}
	for _, tc := range cases {
		res, err := svc.JoinRoom(ctx, tc.roomID, tc.clientID, tc.address)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if res.Success || res.Reason != tc.reason {
			t.Fatalf("%s: result = %+v, want reason %q", tc.name, res, tc.reason)
		}
		if !errors.Is(res.Err(), reasonErrors[tc.reason]) {
			t.Fatalf("%s: Err() = %v", tc.name, res.Err())
		}
	}
}

func TestLeaveRoomNotInRoom(t *testing.T) {
	res, err := newTestService().LeaveRoom(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.Reason != ReasonNotInRoom {
		t.Fatalf("result = %+v, want NotInRoom", res)
	}
}

func TestConcurrentJoinsKeepExclusivity(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	mustSucceed(t)(svc.CreateRoom(ctx, "room-1", "c1", "A1"))
	mustSucceed(t)(svc.CreateRoom(ctx, "room-2", "c2", "A2"))

	var wg sync.WaitGroup
	for _, roomID := range []string{"room-1", "room-2", "room-1", "room-2"} {
		wg.Add(1)
		go func(roomID string) {
			defer wg.Done()
			if _, err := svc.JoinRoom(ctx, roomID, "c3", "A3"); err != nil {
				t.Errorf("join: %v", err)
			}
		}(roomID)
	}
	wg.Wait()

	rooms, err := svc.ListRooms(ctx)
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	count := 0
	for _, room := range rooms {
		for _, m := range room.Members {
			if m.Address == "A3" {
				count++
			}
		}
	}
	if count != 1 {
		t.Fatalf("memberships for A3 = %d, want 1", count)
	}
}

func TestMembershipOf(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	mustSucceed(t)(svc.CreateRoom(ctx, "room-1", "c1", "A1"))

	m, err := svc.MembershipOf(ctx, "c1")
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	if m.RoomID != "room-1" {
		t.Fatalf("room id = %q, want room-1", m.RoomID)
	}
	if _, err := svc.MembershipOf(ctx, "c2"); !errors.Is(err, domain.ErrNotInRoom) {
		t.Fatalf("err = %v, want ErrNotInRoom", err)
	}
}
