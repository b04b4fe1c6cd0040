package domain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrDuplicateHistory = errors.New("history record already exists")
	ErrHistoryNotFound  = errors.New("history record not found")
	ErrUnknownAction    = errors.New("unknown history action")
)

type Action string

const (
	ActionStartGame      Action = "startGame"
	ActionMove           Action = "move"
	ActionFulfillAction  Action = "fulfillAction"
	ActionBuy            Action = "buy"
	ActionPay            Action = "pay"
	ActionChance         Action = "chance"
	ActionJail           Action = "jail"
	ActionRollDice       Action = "rollDice"
	ActionChangeTurn     Action = "changeTurn"
	ActionBalanceUpdated Action = "balanceUpdated"
	ActionGameClosed     Action = "gameClosed"
)

var actions = map[Action]struct{}{
	ActionStartGame:      {},
	ActionMove:           {},
	ActionFulfillAction:  {},
	ActionBuy:            {},
	ActionPay:            {},
	ActionChance:         {},
	ActionJail:           {},
	ActionRollDice:       {},
	ActionChangeTurn:     {},
	ActionBalanceUpdated: {},
	ActionGameClosed:     {},
}

func ParseAction(raw string) (Action, error) {
	a := Action(raw)
	if _, ok := actions[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
	}
	return a, nil
}

// HistoryRecord is one ingested ledger event. Records are immutable: they are
// appended once and never updated or deleted.
type HistoryRecord struct {
	ID           string `json:"id"`
	RoomID       string `json:"roomId"`
	GameObjectID string `json:"gameObjectId"`
	Address      string `json:"address"`
	ClientID     string `json:"clientId"`
	Action       Action `json:"action"`
	ActionData   string `json:"actionData"`
	EventSeq     int64  `json:"eventSeq"`
	TxDigest     string `json:"txDigest"`
	Timestamp    int64  `json:"timestamp"`
}

func (r HistoryRecord) Time() time.Time {
	return time.UnixMilli(r.Timestamp).UTC()
}

// HistoryID builds the dedup key of a record. The optional subject suffix is
// used when one ledger event fans out into one record per address.
func HistoryID(txDigest string, eventSeq int64, subject ...string) string {
	id := txDigest + "-" + strconv.FormatInt(eventSeq, 10)
	for _, s := range subject {
		if s != "" {
			id += "-" + s
		}
	}
	return id
}

// HistoryFilter narrows history queries. Zero-valued fields are ignored.
type HistoryFilter struct {
	ID           string
	Action       Action
	Actions      []Action
	RoomID       string
	GameObjectID string
	Address      string
	Since        time.Time
	Until        time.Time
}

func (f HistoryFilter) Match(r HistoryRecord) bool {
	if f.ID != "" && r.ID != f.ID {
		return false
	}
	if f.Action != "" && r.Action != f.Action {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == r.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.RoomID != "" && r.RoomID != f.RoomID {
		return false
	}
	if f.GameObjectID != "" && r.GameObjectID != f.GameObjectID {
		return false
	}
	if f.Address != "" && r.Address != f.Address {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp < f.Since.UnixMilli() {
		return false
	}
	if !f.Until.IsZero() && r.Timestamp > f.Until.UnixMilli() {
		return false
	}
	return true
}

type HistoryRepository interface {
	// Append stores a new record and returns ErrDuplicateHistory when the id
	// was already written.
	Append(ctx context.Context, record HistoryRecord) error
	// FindLatest returns the newest matching record by timestamp.
	FindLatest(ctx context.Context, filter HistoryFilter) (*HistoryRecord, error)
	// FindAll returns matching records oldest first.
	FindAll(ctx context.Context, filter HistoryFilter) ([]HistoryRecord, error)
}

// AppendOnce appends record and reports whether it was new. A duplicate id is
// not an error: re-ingesting the same ledger event is a no-op.
func AppendOnce(ctx context.Context, repo HistoryRepository, record HistoryRecord) (bool, error) {
	err := repo.Append(ctx, record)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrDuplicateHistory):
		return false, nil
	default:
		return false, err
	}
}
