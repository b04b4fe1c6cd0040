package ws

import "sync"

// RoomManager tracks which connections are subscribed to which room. A
// client is subscribed to at most one room.
type RoomManager struct {
	rooms    map[string]map[string]*Client // roomID → clientID → client
	memberOf map[string]string             // clientID → roomID
	mu       sync.RWMutex
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms:    make(map[string]map[string]*Client),
		memberOf: make(map[string]string),
	}
}

func (rm *RoomManager) Subscribe(cl *Client, roomID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.removeLocked(cl.ID)
	room, ok := rm.rooms[roomID]
	if !ok {
		room = make(map[string]*Client)
		rm.rooms[roomID] = room
	}
	room[cl.ID] = cl
	rm.memberOf[cl.ID] = roomID
}

func (rm *RoomManager) Unsubscribe(cl *Client) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.removeLocked(cl.ID)
}

func (rm *RoomManager) removeLocked(clientID string) {
	roomID, ok := rm.memberOf[clientID]
	if !ok {
		return
	}
	delete(rm.memberOf, clientID)
	if room, ok := rm.rooms[roomID]; ok {
		delete(room, clientID)
		if len(room) == 0 {
			delete(rm.rooms, roomID)
		}
	}
}

// RoomOf returns the room the client is subscribed to.
func (rm *RoomManager) RoomOf(clientID string) (string, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	roomID, ok := rm.memberOf[clientID]
	return roomID, ok
}

// Clients returns a snapshot of the room's subscribers.
func (rm *RoomManager) Clients(roomID string) []*Client {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	room := rm.rooms[roomID]
	out := make([]*Client, 0, len(room))
	for _, cl := range room {
		out = append(out, cl)
	}
	return out
}
