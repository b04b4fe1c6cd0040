package domain

// Push event names sent to subscribed clients.
const (
	EventRooms          = "rooms"
	EventRoomCreated    = "roomCreated"
	EventUserJoined     = "userJoined"
	EventUserLeft       = "userLeft"
	EventGameStarted    = "gameStarted"
	EventGameState      = "gameState"
	EventMove           = "Move"
	EventActionRequest  = "ActionRequest"
	EventPayHouseToll   = "PayHouseToll"
	EventBuy            = "Buy"
	EventChangeTurn     = "ChangeTurn"
	EventBalanceUpdated = "BalanceUpdated"
	EventGameClosed     = "GameClosed"
	EventError          = "error"
)

// Broadcaster pushes room-scoped notifications. Delivery is fire-and-forget;
// which connections belong to a room is decided by the transport.
type Broadcaster interface {
	Broadcast(roomID, event string, payload any)
	BroadcastAll(event string, payload any)
}

type MovePayload struct {
	Player   string `json:"player"`
	Position uint64 `json:"position"`
	Step     uint64 `json:"step"`
}

type ActionRequestPayload struct {
	Player    string    `json:"player"`
	RequestID string    `json:"requestId,omitempty"`
	HouseCell HouseCell `json:"houseCell"`
}

type PayHouseTollPayload struct {
	Player     string    `json:"player"`
	HouseCell  HouseCell `json:"houseCell"`
	PaidAmount uint64    `json:"paidAmount"`
	Payee      string    `json:"payee"`
	Level      uint64    `json:"level"`
}

type BuyPayload struct {
	Player    string    `json:"player"`
	Purchased bool      `json:"purchased"`
	HouseCell HouseCell `json:"houseCell"`
}

type ChangeTurnPayload struct {
	Player string `json:"player"`
}

type BalanceUpdatedPayload struct {
	Player  string `json:"player"`
	Balance uint64 `json:"balance"`
}

type GameClosedPayload struct {
	Game    string   `json:"game"`
	Winners []string `json:"winners"`
}

type GameStartedPayload struct {
	Game    string   `json:"game"`
	Players []string `json:"players"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
