package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hilthontt/monopoly/internal/domain"
	memory "github.com/hilthontt/monopoly/internal/infrastructure/repository"
	"github.com/hilthontt/monopoly/internal/persistence/db"
)

type stores struct {
	history domain.HistoryRepository
	rooms   domain.RoomRepository
}

// eachStore runs fn against the sqlite and in-memory implementations.
func eachStore(t *testing.T, fn func(t *testing.T, s stores)) {
	t.Run("sqlite", func(t *testing.T) {
		sqlDB, err := db.Open(filepath.Join(t.TempDir(), "monopoly.db"))
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() {
			if err := sqlDB.Close(); err != nil {
				t.Fatalf("close store: %v", err)
			}
		})
		fn(t, stores{history: NewHistoryRepository(sqlDB), rooms: NewRoomRepository(sqlDB)})
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, stores{history: memory.NewHistoryRepository(), rooms: memory.NewRoomRepository()})
	})
}

func record(txDigest string, seq int64, action domain.Action, ts int64) domain.HistoryRecord {
	return domain.HistoryRecord{
		ID:           domain.HistoryID(txDigest, seq),
		RoomID:       "room-1",
		GameObjectID: "0xgame",
		Address:      "0xalice",
		ClientID:     "client-1",
		Action:       action,
		ActionData:   `{"dice":"3"}`,
		EventSeq:     seq,
		TxDigest:     txDigest,
		Timestamp:    ts,
	}
}

func TestHistoryAppendRejectsDuplicateID(t *testing.T) {
	eachStore(t, func(t *testing.T, s stores) {
		ctx := context.Background()
		rec := record("tx1", 0, domain.ActionRollDice, 1000)

		if err := s.history.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
		err := s.history.Append(ctx, rec)
		if !errors.Is(err, domain.ErrDuplicateHistory) {
			t.Fatalf("second append err = %v, want ErrDuplicateHistory", err)
		}

		created, err := domain.AppendOnce(ctx, s.history, rec)
		if err != nil {
			t.Fatalf("append once: %v", err)
		}
		if created {
			t.Fatal("append once created = true, want false")
		}

		all, err := s.history.FindAll(ctx, domain.HistoryFilter{})
		if err != nil {
			t.Fatalf("find all: %v", err)
		}
		if len(all) != 1 {
			t.Fatalf("records = %d, want 1", len(all))
		}
		if all[0] != rec {
			t.Fatalf("stored = %+v, want %+v", all[0], rec)
		}
	})
}

func TestHistoryFindLatestOrdersByTimestampThenSeq(t *testing.T) {
	eachStore(t, func(t *testing.T, s stores) {
		ctx := context.Background()
		for _, rec := range []domain.HistoryRecord{
			record("tx2", 1, domain.ActionRollDice, 2000),
			record("tx2", 3, domain.ActionRollDice, 2000),
			record("tx1", 9, domain.ActionRollDice, 1000),
			record("tx3", 0, domain.ActionChangeTurn, 5000),
		} {
			if err := s.history.Append(ctx, rec); err != nil {
				t.Fatalf("append %s: %v", rec.ID, err)
			}
		}

		latest, err := s.history.FindLatest(ctx, domain.HistoryFilter{Action: domain.ActionRollDice})
		if err != nil {
			t.Fatalf("find latest: %v", err)
		}
		if latest.ID != "tx2-3" {
			t.Fatalf("latest id = %q, want %q", latest.ID, "tx2-3")
		}

		all, err := s.history.FindAll(ctx, domain.HistoryFilter{Action: domain.ActionRollDice})
		if err != nil {
			t.Fatalf("find all: %v", err)
		}
		want := []string{"tx1-9", "tx2-1", "tx2-3"}
		if len(all) != len(want) {
			t.Fatalf("records = %d, want %d", len(all), len(want))
		}
		for i, id := range want {
			if all[i].ID != id {
				t.Fatalf("all[%d].ID = %q, want %q", i, all[i].ID, id)
			}
		}
	})
}

func TestHistoryFindLatestNotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s stores) {
		_, err := s.history.FindLatest(context.Background(), domain.HistoryFilter{Action: domain.ActionGameClosed})
		if !errors.Is(err, domain.ErrHistoryNotFound) {
			t.Fatalf("err = %v, want ErrHistoryNotFound", err)
		}
	})
}

func TestHistoryFilterFields(t *testing.T) {
	eachStore(t, func(t *testing.T, s stores) {
		ctx := context.Background()
		a := record("tx1", 0, domain.ActionMove, 1000)
		b := record("tx2", 0, domain.ActionPay, 2000)
		b.RoomID = "room-2"
		b.Address = "0xbob"
		c := record("tx3", 0, domain.ActionBuy, 3000)
		for _, rec := range []domain.HistoryRecord{a, b, c} {
			if err := s.history.Append(ctx, rec); err != nil {
				t.Fatalf("append: %v", err)
			}
		}

		cases := []struct {
			name   string
			filter domain.HistoryFilter
			want   int
		}{
			{"room", domain.HistoryFilter{RoomID: "room-1"}, 2},
			{"address", domain.HistoryFilter{Address: "0xbob"}, 1},
			{"actions", domain.HistoryFilter{Actions: []domain.Action{domain.ActionMove, domain.ActionBuy}}, 2},
			{"since", domain.HistoryFilter{Since: time.UnixMilli(2000)}, 2},
			{"until", domain.HistoryFilter{Until: time.UnixMilli(1500)}, 1},
			{"game", domain.HistoryFilter{GameObjectID: "0xother"}, 0},
		}
		for _, tc := range cases {
			got, err := s.history.FindAll(ctx, tc.filter)
			if err != nil {
				t.Fatalf("%s: find all: %v", tc.name, err)
			}
			if len(got) != tc.want {
				t.Fatalf("%s: records = %d, want %d", tc.name, len(got), tc.want)
			}
		}
	})
}

func TestRoomMembersKeepJoinOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, s stores) {
		ctx := context.Background()
		creator := domain.NewCreator("room-1", "c1", "0xa")
		creator.CreatedAt = creator.CreatedAt.Truncate(time.Millisecond)
		joiner := domain.NewJoiner(*creator, "c2", "0xb")
		other := domain.NewCreator("room-2", "c3", "0xc")

		for _, m := range []*domain.RoomMember{creator, other, joiner} {
			if err := s.rooms.Create(ctx, m); err != nil {
				t.Fatalf("create %s: %v", m.ClientID, err)
			}
		}

		members, err := s.rooms.ListByRoom(ctx, "room-1")
		if err != nil {
			t.Fatalf("list by room: %v", err)
		}
		if len(members) != 2 || members[0].ClientID != "c1" || members[1].ClientID != "c2" {
			t.Fatalf("members = %+v, want c1 then c2", members)
		}
		if !members[0].IsCreator || members[1].IsCreator {
			t.Fatalf("creator flags = %v/%v, want true/false", members[0].IsCreator, members[1].IsCreator)
		}
		if !members[1].CreatedAt.Equal(creator.CreatedAt) {
			t.Fatalf("joiner createdAt = %v, want %v", members[1].CreatedAt, creator.CreatedAt)
		}

		byAddr, err := s.rooms.ListByAddress(ctx, "0xc")
		if err != nil {
			t.Fatalf("list by address: %v", err)
		}
		if len(byAddr) != 1 || byAddr[0].RoomID != "room-2" {
			t.Fatalf("by address = %+v, want room-2", byAddr)
		}

		all, err := s.rooms.ListAll(ctx)
		if err != nil {
			t.Fatalf("list all: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("all = %d, want 3", len(all))
		}
	})
}

func TestRoomDeleteByClient(t *testing.T) {
	eachStore(t, func(t *testing.T, s stores) {
		ctx := context.Background()
		creator := domain.NewCreator("room-1", "c1", "0xa")
		if err := s.rooms.Create(ctx, creator); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.rooms.Create(ctx, domain.NewJoiner(*creator, "c2", "0xb")); err != nil {
			t.Fatalf("join: %v", err)
		}

		n, err := s.rooms.DeleteByClient(ctx, "c2")
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		if n != 1 {
			t.Fatalf("deleted = %d, want 1", n)
		}
		n, err = s.rooms.DeleteByClient(ctx, "c2")
		if err != nil {
			t.Fatalf("delete again: %v", err)
		}
		if n != 0 {
			t.Fatalf("deleted again = %d, want 0", n)
		}

		left, err := s.rooms.ListByClient(ctx, "c1")
		if err != nil {
			t.Fatalf("list by client: %v", err)
		}
		if len(left) != 1 {
			t.Fatalf("remaining = %d, want 1", len(left))
		}
	})
}

func TestRoomCreateRejectsInvalidMember(t *testing.T) {
	eachStore(t, func(t *testing.T, s stores) {
		err := s.rooms.Create(context.Background(), &domain.RoomMember{})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("err = %v, want ErrInvalidInput", err)
		}
	})
}
