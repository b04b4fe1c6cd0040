package ws

import (
	"encoding/json"

	"github.com/hilthontt/monopoly/internal/domain"
)

// Message is the outbound envelope.
type Message struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId,omitempty"`
	Data   any    `json:"data"`

	all bool
}

// Inbound is a command sent by a client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type CreateRoomPayload struct {
	Address string `json:"address"`
	RoomID  string `json:"roomId,omitempty"`
}

type JoinRoomPayload struct {
	Address string `json:"address"`
	RoomID  string `json:"roomId"`
}

type GameStatePayload struct {
	RoomID string `json:"roomId"`
}

type RoomsPayload struct {
	Rooms []domain.Room `json:"rooms"`
}

type RoomCreatedPayload struct {
	RoomID string `json:"roomId"`
}

type UserJoinedPayload struct {
	Address string      `json:"address"`
	Room    domain.Room `json:"room"`
}

type UserLeftPayload struct {
	Address string      `json:"address"`
	Room    domain.Room `json:"room"`
}

func NewMessage(roomID, event string, data any) *Message {
	return &Message{Type: event, RoomID: roomID, Data: data}
}

func NewError(roomID, message string) *Message {
	return &Message{
		Type:   domain.EventError,
		RoomID: roomID,
		Data:   domain.ErrorPayload{Message: message},
	}
}
