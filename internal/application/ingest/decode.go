package ingest

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hilthontt/monopoly/internal/domain"
	"github.com/hilthontt/monopoly/internal/infrastructure/ledger"
)

var ErrUnknownEventKind = errors.New("unknown event kind")

// Decode maps a ledger event onto its payload type, selected by the struct
// name at the end of the event type.
func Decode(ev ledger.Event) (any, error) {
	switch kind := ev.Kind(); kind {
	case domain.KindGameCreated:
		return decodeAs[domain.GameCreated](kind, ev.ParsedJSON)
	case domain.KindRollDice:
		return decodeAs[domain.RollDice](kind, ev.ParsedJSON)
	case domain.KindTurnChanged:
		return decodeAs[domain.TurnChanged](kind, ev.ParsedJSON)
	case domain.KindBuyDecision:
		return decodeAs[domain.BuyDecision](kind, ev.ParsedJSON)
	case domain.KindBalanceUpdated:
		return decodeAs[domain.BalanceUpdated](kind, ev.ParsedJSON)
	case domain.KindGameClosed:
		return decodeAs[domain.GameClosed](kind, ev.ParsedJSON)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventKind, ev.Type)
	}
}

func decodeAs[T any](kind string, raw json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return v, nil
}

// subjectOf returns the game object and the player address an event is
// about. Either may be empty.
func subjectOf(payload any) (game, address string) {
	switch ev := payload.(type) {
	case domain.GameCreated:
		return ev.Game, ""
	case domain.RollDice:
		return ev.Game, ev.Player
	case domain.TurnChanged:
		return ev.Game, ev.Player
	case domain.BuyDecision:
		return ev.Game, ev.Player
	case domain.BalanceUpdated:
		return ev.Game, ev.Player
	case domain.GameClosed:
		if len(ev.Winners) > 0 {
			return ev.Game, ev.Winners[0]
		}
		return ev.Game, ""
	}
	return "", ""
}
