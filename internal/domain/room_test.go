package domain

import (
	"reflect"
	"testing"
	"time"
)

func TestGroupRoomsNewestFirst(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []RoomMember{
		{RoomID: "old", ClientID: "c1", Address: "A", IsCreator: true, CreatedAt: base},
		{RoomID: "tie-1", ClientID: "c2", Address: "B", IsCreator: true, CreatedAt: base.Add(time.Minute)},
		{RoomID: "old", ClientID: "c3", Address: "C", CreatedAt: base.Add(3 * time.Minute)},
		{RoomID: "new", ClientID: "c4", Address: "D", IsCreator: true, CreatedAt: base.Add(2 * time.Minute)},
		{RoomID: "tie-2", ClientID: "c5", Address: "E", IsCreator: true, CreatedAt: base.Add(time.Minute)},
	}

	rooms := GroupRooms(rows)

	got := make([]string, 0, len(rooms))
	for _, r := range rooms {
		got = append(got, r.RoomID)
	}
	if want := []string{"new", "tie-1", "tie-2", "old"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("rooms = %v, want %v", got, want)
	}
	if addrs := rooms[3].Addresses(); !reflect.DeepEqual(addrs, []string{"A", "C"}) {
		t.Fatalf("old room members = %v, want [A C]", addrs)
	}
}
