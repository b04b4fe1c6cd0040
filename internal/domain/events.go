package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Ledger event kinds, keyed by the struct name at the end of the fully
// qualified event type.
const (
	KindGameCreated    = "GameCreatedEvent"
	KindRollDice       = "RollDiceEvent"
	KindTurnChanged    = "TurnChangedEvent"
	KindBuyDecision    = "BuyDecisionEvent"
	KindBalanceUpdated = "BalanceUpdatedEvent"
	KindGameClosed     = "GameClosedEvent"
	KindActionRequest  = "ActionRequestEvent"
	KindTollPaid       = "TollPaidEvent"
	KindSettleBuy      = "SettleBuyEvent"
)

// EventKind extracts the struct name from "<package>::<module>::<Struct>".
// Generic parameters, if any, are stripped.
func EventKind(eventType string) string {
	if i := strings.IndexByte(eventType, '<'); i >= 0 {
		eventType = eventType[:i]
	}
	if i := strings.LastIndex(eventType, "::"); i >= 0 {
		return eventType[i+2:]
	}
	return eventType
}

// U64 decodes ledger integers, which arrive either as JSON numbers or as
// decimal strings.
type U64 uint64

func (u *U64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*u = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("decode u64 %q: %w", s, err)
	}
	*u = U64(v)
	return nil
}

func (u U64) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(u), 10))
}

type GameCreated struct {
	Game    string   `json:"game"`
	Players []string `json:"players"`
}

type RollDice struct {
	Game   string `json:"game"`
	Player string `json:"player"`
	Dice   U64    `json:"dice"`
}

type TurnChanged struct {
	Game   string `json:"game"`
	Player string `json:"player"`
}

type BuyDecision struct {
	Game      string `json:"game"`
	Player    string `json:"player"`
	Position  U64    `json:"position"`
	RequestID string `json:"request_id"`
	BuyOrNot  bool   `json:"buy_or_not"`
}

type BalanceUpdated struct {
	Game    string `json:"game"`
	Player  string `json:"player"`
	Balance U64    `json:"balance"`
}

type GameClosed struct {
	Game    string   `json:"game"`
	Winners []string `json:"winners"`
}

type ActionRequest struct {
	Game      string `json:"game"`
	RequestID string `json:"request_id"`
	Player    string `json:"player"`
	Position  U64    `json:"position"`
	Action    string `json:"action"`
}

type TollPaid struct {
	Game     string `json:"game"`
	Payer    string `json:"payer"`
	Payee    string `json:"payee"`
	Amount   U64    `json:"amount"`
	Level    U64    `json:"level"`
	Position U64    `json:"position"`
}

type SettleBuy struct {
	Game     string `json:"game"`
	Player   string `json:"player"`
	Position U64    `json:"position"`
	Level    U64    `json:"level"`
	BuyOrNot bool   `json:"buy_or_not"`
}

// MoveRecord is the payload stored in move history records.
type MoveRecord struct {
	Player   string     `json:"player"`
	From     uint64     `json:"from"`
	Position uint64     `json:"position"`
	Step     uint64     `json:"step"`
	Action   TurnAction `json:"action"`
}

// BuySettlement is the payload stored in buy history records. Unmatched
// records answer no known action request and were never settled.
type BuySettlement struct {
	Decision     BuyDecision `json:"decision"`
	Settlement   *SettleBuy  `json:"settlement,omitempty"`
	SettleDigest string      `json:"settleDigest"`
	Unmatched    bool        `json:"unmatched,omitempty"`
}
