package domain

import "errors"

const (
	DefaultBoardSize  = 20
	DefaultRoundLimit = 10
)

var (
	ErrGameNotFound          = errors.New("game not found")
	ErrGameClosed            = errors.New("game already closed")
	ErrCellNotFound          = errors.New("house cell not found")
	ErrActionRequestNotFound = errors.New("action request not found")
	ErrNotCreator            = errors.New("only the room creator can start the game")
	ErrNotEnoughPlayers      = errors.New("at least two players are required")
	ErrGameAlreadyStarted    = errors.New("game already started")
	ErrPlayerNotInGame       = errors.New("player is not part of the game")
	ErrInvalidBoardSize      = errors.New("board size must be positive")
)

// TurnAction is the follow-up the engine asks the ledger to execute after a
// move.
type TurnAction string

const (
	DoNothing    TurnAction = "DO_NOTHING"
	BuyOrUpgrade TurnAction = "BUY_OR_UPGRADE"
	Pay          TurnAction = "PAY"
)

type RoomInfo struct {
	RoomID    string `json:"roomId"`
	GameID    string `json:"gameId"`
	GameState string `json:"gameState"`
}

type PlayerState struct {
	Address  string `json:"address"`
	Balance  uint64 `json:"balance"`
	Position uint64 `json:"position"`
}

type HouseCell struct {
	ID        string   `json:"id"`
	Owner     *string  `json:"owner,omitempty"`
	Level     *uint64  `json:"level,omitempty"`
	Position  uint64   `json:"position"`
	BuyPrice  []uint64 `json:"buyPrice,omitempty"`
	SellPrice []uint64 `json:"sellPrice,omitempty"`
	RentPrice []uint64 `json:"rentPrice,omitempty"`
}

func (c HouseCell) Purchasable() bool {
	return c.BuyPrice != nil
}

func (c HouseCell) HasOwner() bool {
	return c.Owner != nil && *c.Owner != ""
}

func (c HouseCell) OwnedBy(address string) bool {
	return c.HasOwner() && *c.Owner == address
}

// Classify returns the follow-up action for a player landing on the cell.
func (c HouseCell) Classify(mover string) TurnAction {
	switch {
	case !c.Purchasable():
		return DoNothing
	case !c.HasOwner(), c.OwnedBy(mover):
		return BuyOrUpgrade
	default:
		return Pay
	}
}

// DerivedGameState is computed on demand and never stored.
type DerivedGameState struct {
	RoomInfo     RoomInfo      `json:"roomInfo"`
	PlayersState []PlayerState `json:"playersState"`
	HouseCell    []HouseCell   `json:"houseCell"`
}

// NextPosition moves a player around a board of boardSize cells.
func NextPosition(current, dice, boardSize uint64) uint64 {
	return (current + dice) % boardSize
}

// NextPlayer returns the player after current in join order, wrapping at the
// end. The second result is false when current is not a player.
func NextPlayer(players []string, current string) (string, bool) {
	for i, p := range players {
		if p == current {
			return players[(i+1)%len(players)], true
		}
	}
	return "", false
}
