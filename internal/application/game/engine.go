package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hilthontt/monopoly/internal/domain"
	"github.com/hilthontt/monopoly/internal/infrastructure/events"
	"github.com/hilthontt/monopoly/internal/infrastructure/ledger"
	"github.com/hilthontt/monopoly/internal/infrastructure/logging"
)

// Module functions invoked through the executor.
const (
	FnCreateGame    = "create_game"
	FnExecuteAction = "execute_action"
	FnSettleBuy     = "settle_buy"
	FnCloseGame     = "close_game"
)

// RoomDirectory is the slice of the room registry the engine needs.
type RoomDirectory interface {
	Room(ctx context.Context, roomID string) (*domain.Room, error)
	MembershipOf(ctx context.Context, clientID string) (*domain.RoomMember, error)
}

type EngineConfig struct {
	Signer     string
	BoardSize  uint64
	RoundLimit int
}

// Engine reacts to newly ingested events: it moves players, asks the ledger
// to execute follow-up actions, records the outcome and notifies the room.
type Engine struct {
	history     domain.HistoryRepository
	gateway     ledger.Gateway
	projector   *Projector
	rooms       RoomDirectory
	broadcaster domain.Broadcaster
	publisher   events.Publisher
	logger      logging.Logger

	signer     string
	boardSize  uint64
	roundLimit int

	mu      sync.Mutex
	closing map[string]struct{} // games with a close submitted or in flight
}

func NewEngine(
	cfg EngineConfig,
	history domain.HistoryRepository,
	gateway ledger.Gateway,
	projector *Projector,
	rooms RoomDirectory,
	broadcaster domain.Broadcaster,
	publisher events.Publisher,
	logger logging.Logger,
) *Engine {
	if cfg.BoardSize == 0 {
		cfg.BoardSize = domain.DefaultBoardSize
	}
	if cfg.RoundLimit <= 0 {
		cfg.RoundLimit = domain.DefaultRoundLimit
	}
	if publisher == nil {
		publisher = events.NewNopPublisher()
	}
	return &Engine{
		history:     history,
		gateway:     gateway,
		projector:   projector,
		rooms:       rooms,
		broadcaster: broadcaster,
		publisher:   publisher,
		logger:      logger,
		signer:      cfg.Signer,
		boardSize:   cfg.BoardSize,
		roundLimit:  cfg.RoundLimit,
		closing:     make(map[string]struct{}),
	}
}

// HandleRoll moves the roller, records the move and resolves the cell the
// player landed on. The roll record is written last, once resolution is
// complete, so a failed ledger call leaves the roll to be retried.
func (e *Engine) HandleRoll(ctx context.Context, roll domain.HistoryRecord, ev domain.RollDice) error {
	done, err := e.exists(ctx, roll.ID)
	if err != nil || done {
		return err
	}

	move, cell, err := e.recordMove(ctx, roll, ev)
	if err != nil {
		return err
	}
	if move.Action == domain.DoNothing {
		_, err := e.append(ctx, roll)
		return err
	}

	if cell == nil {
		if cell, err = e.projector.Cell(ctx, ev.Game, move.Position); err != nil {
			return fmt.Errorf("read cell %d of %s: %w", move.Position, ev.Game, err)
		}
	}

	result, err := e.gateway.SubmitAction(ctx, e.signer, ledger.ActionPayload{
		Function:  FnExecuteAction,
		Arguments: []any{ev.Game, ev.Player, strconv.FormatUint(move.Position, 10), string(move.Action)},
	})
	if err != nil {
		e.logger.Error(logging.Game, logging.TurnResolution, "failed to execute turn action", map[logging.ExtraKey]any{
			logging.RoomID:       roll.RoomID,
			logging.GameID:       ev.Game,
			logging.Action:       string(move.Action),
			logging.ErrorMessage: err.Error(),
		})
		return err
	}

	var recordErr error
	switch move.Action {
	case domain.BuyOrUpgrade:
		recordErr = e.recordActionRequests(ctx, roll, *cell, result)
	case domain.Pay:
		recordErr = e.recordTolls(ctx, roll, *cell, result)
	}
	// the action was submitted; a retry would submit it twice
	if _, err := e.append(ctx, roll); err != nil {
		return errors.Join(recordErr, err)
	}
	return recordErr
}

// recordMove returns the move of this roll, writing and announcing it on the
// first attempt. A move left by an earlier failed attempt is reused as is;
// the cell is only returned when it was read here.
func (e *Engine) recordMove(ctx context.Context, roll domain.HistoryRecord, ev domain.RollDice) (domain.MoveRecord, *domain.HouseCell, error) {
	id := roll.ID + "-" + ev.Player
	existing, err := e.history.FindLatest(ctx, domain.HistoryFilter{ID: id})
	switch {
	case err == nil:
		var move domain.MoveRecord
		if err := json.Unmarshal([]byte(existing.ActionData), &move); err != nil {
			return move, nil, fmt.Errorf("decode move %s: %w", id, err)
		}
		return move, nil, nil
	case !errors.Is(err, domain.ErrHistoryNotFound):
		return domain.MoveRecord{}, nil, fmt.Errorf("find move %s: %w", id, err)
	}

	from, err := e.lastPosition(ctx, ev.Game, ev.Player)
	if err != nil {
		return domain.MoveRecord{}, nil, err
	}
	dice := uint64(ev.Dice)
	to := domain.NextPosition(from, dice, e.boardSize)

	cell, err := e.projector.Cell(ctx, ev.Game, to)
	if err != nil {
		return domain.MoveRecord{}, nil, fmt.Errorf("read cell %d of %s: %w", to, ev.Game, err)
	}
	move := domain.MoveRecord{
		Player:   ev.Player,
		From:     from,
		Position: to,
		Step:     dice,
		Action:   cell.Classify(ev.Player),
	}
	data, err := json.Marshal(move)
	if err != nil {
		return move, nil, fmt.Errorf("marshal move: %w", err)
	}

	created, err := e.append(ctx, domain.HistoryRecord{
		ID:           id,
		RoomID:       roll.RoomID,
		GameObjectID: ev.Game,
		Address:      ev.Player,
		ClientID:     roll.ClientID,
		Action:       domain.ActionMove,
		ActionData:   string(data),
		EventSeq:     roll.EventSeq,
		TxDigest:     roll.TxDigest,
		Timestamp:    roll.Timestamp,
	})
	if err != nil {
		return move, nil, err
	}
	if created {
		e.broadcaster.Broadcast(roll.RoomID, domain.EventMove, domain.MovePayload{
			Player:   ev.Player,
			Position: to,
			Step:     dice,
		})
		e.logger.Info(logging.Game, logging.TurnResolution, "player moved", map[logging.ExtraKey]any{
			logging.RoomID:  roll.RoomID,
			logging.GameID:  ev.Game,
			logging.Address: ev.Player,
			logging.Action:  string(move.Action),
		})
	}
	return move, cell, nil
}

func (e *Engine) recordActionRequests(ctx context.Context, roll domain.HistoryRecord, cell domain.HouseCell, result ledger.SubmitResult) error {
	var errs []error
	for _, ev := range result.EventsOfKind(domain.KindActionRequest) {
		var req domain.ActionRequest
		if err := json.Unmarshal(ev.ParsedJSON, &req); err != nil {
			errs = append(errs, fmt.Errorf("decode %s: %w", domain.KindActionRequest, err))
			continue
		}

		created, err := e.append(ctx, subRecord(roll, result, ev, req.Player, domain.ActionFulfillAction))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if created {
			e.broadcaster.Broadcast(roll.RoomID, domain.EventActionRequest, domain.ActionRequestPayload{
				Player:    req.Player,
				RequestID: req.RequestID,
				HouseCell: cell,
			})
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) recordTolls(ctx context.Context, roll domain.HistoryRecord, cell domain.HouseCell, result ledger.SubmitResult) error {
	var errs []error
	for _, ev := range result.EventsOfKind(domain.KindTollPaid) {
		var toll domain.TollPaid
		if err := json.Unmarshal(ev.ParsedJSON, &toll); err != nil {
			errs = append(errs, fmt.Errorf("decode %s: %w", domain.KindTollPaid, err))
			continue
		}

		created, err := e.append(ctx, subRecord(roll, result, ev, toll.Payer, domain.ActionPay))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if created {
			e.broadcaster.Broadcast(roll.RoomID, domain.EventPayHouseToll, domain.PayHouseTollPayload{
				Player:     toll.Payer,
				HouseCell:  cell,
				PaidAmount: uint64(toll.Amount),
				Payee:      toll.Payee,
				Level:      uint64(toll.Level),
			})
		}
	}
	return errors.Join(errs...)
}

// HandleBuyDecision settles a player's answer to an earlier action request.
func (e *Engine) HandleBuyDecision(ctx context.Context, src domain.HistoryRecord, ev domain.BuyDecision) error {
	settlement := domain.BuySettlement{Decision: ev}

	request, err := e.findActionRequest(ctx, ev.Game, ev.RequestID)
	switch {
	case errors.Is(err, domain.ErrActionRequestNotFound):
		e.logger.Warn(logging.Game, logging.Settlement, "buy decision without matching action request", map[logging.ExtraKey]any{
			logging.RoomID:  src.RoomID,
			logging.GameID:  ev.Game,
			logging.EventID: ev.RequestID,
		})
		// still recorded so the cursor moves past it
		settlement.Unmatched = true
		_, err := e.appendBuy(ctx, src, settlement)
		return err
	case err != nil:
		return err
	}

	result, err := e.gateway.SubmitAction(ctx, e.signer, ledger.ActionPayload{
		Function:  FnSettleBuy,
		Arguments: []any{ev.Game, ev.Player, ev.RequestID, ev.BuyOrNot},
	})
	if err != nil {
		e.logger.Error(logging.Game, logging.Settlement, "failed to settle buy decision", map[logging.ExtraKey]any{
			logging.RoomID:       src.RoomID,
			logging.GameID:       ev.Game,
			logging.EventID:      ev.RequestID,
			logging.ErrorMessage: err.Error(),
		})
		return err
	}

	settlement.SettleDigest = result.Digest
	for _, se := range result.EventsOfKind(domain.KindSettleBuy) {
		var settled domain.SettleBuy
		if err := json.Unmarshal(se.ParsedJSON, &settled); err == nil {
			settlement.Settlement = &settled
			break
		}
	}

	created, err := e.appendBuy(ctx, src, settlement)
	if err != nil || !created {
		return err
	}

	position := uint64(ev.Position)
	if position == 0 {
		position = uint64(request.Position)
	}
	cell, err := e.projector.Cell(ctx, ev.Game, position)
	if err != nil {
		return fmt.Errorf("read settled cell: %w", err)
	}

	purchased := ev.BuyOrNot
	if settlement.Settlement != nil {
		purchased = settlement.Settlement.BuyOrNot
	}
	e.broadcaster.Broadcast(src.RoomID, domain.EventBuy, domain.BuyPayload{
		Player:    ev.Player,
		Purchased: purchased,
		HouseCell: *cell,
	})
	return nil
}

func (e *Engine) appendBuy(ctx context.Context, src domain.HistoryRecord, settlement domain.BuySettlement) (bool, error) {
	data, err := json.Marshal(settlement)
	if err != nil {
		return false, fmt.Errorf("marshal buy settlement: %w", err)
	}
	rec := src
	rec.Action = domain.ActionBuy
	rec.ActionData = string(data)
	return e.append(ctx, rec)
}

func (e *Engine) findActionRequest(ctx context.Context, gameID, requestID string) (*domain.ActionRequest, error) {
	records, err := e.history.FindAll(ctx, domain.HistoryFilter{Action: domain.ActionFulfillAction, GameObjectID: gameID})
	if err != nil {
		return nil, fmt.Errorf("find action requests: %w", err)
	}
	for i := len(records) - 1; i >= 0; i-- {
		var req domain.ActionRequest
		if err := json.Unmarshal([]byte(records[i].ActionData), &req); err != nil {
			continue
		}
		if req.RequestID == requestID {
			return &req, nil
		}
	}
	return nil, domain.ErrActionRequestNotFound
}

// HandleTurnChanged announces the next player and closes the game once the
// round limit is reached.
func (e *Engine) HandleTurnChanged(ctx context.Context, rec domain.HistoryRecord, ev domain.TurnChanged) error {
	info, err := e.projector.GameByObject(ctx, ev.Game)
	if err != nil {
		return err
	}
	next, ok := domain.NextPlayer(info.Players, ev.Player)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPlayerNotInGame, ev.Player)
	}

	e.broadcaster.Broadcast(rec.RoomID, domain.EventChangeTurn, domain.ChangeTurnPayload{Player: next})

	return e.maybeClose(ctx, rec.RoomID, ev.Game)
}

func (e *Engine) maybeClose(ctx context.Context, roomID, gameID string) error {
	turns, err := e.history.FindAll(ctx, domain.HistoryFilter{Action: domain.ActionChangeTurn, GameObjectID: gameID})
	if err != nil {
		return fmt.Errorf("count turns: %w", err)
	}
	counts := make(map[string]int)
	reached := false
	for _, t := range turns {
		counts[t.Address]++
		if counts[t.Address] >= e.roundLimit {
			reached = true
		}
	}
	if !reached {
		return nil
	}

	closed, err := e.projector.Closed(ctx, gameID)
	if err != nil || closed {
		return err
	}

	e.mu.Lock()
	if _, inFlight := e.closing[gameID]; inFlight {
		e.mu.Unlock()
		return nil
	}
	e.closing[gameID] = struct{}{}
	e.mu.Unlock()

	_, err = e.gateway.SubmitAction(ctx, e.signer, ledger.ActionPayload{
		Function:  FnCloseGame,
		Arguments: []any{gameID},
	})
	if err != nil {
		// allow the next turn change to try again
		e.mu.Lock()
		delete(e.closing, gameID)
		e.mu.Unlock()
		e.logger.Error(logging.Game, logging.Closure, "failed to close game", map[logging.ExtraKey]any{
			logging.RoomID:       roomID,
			logging.GameID:       gameID,
			logging.ErrorMessage: err.Error(),
		})
		return err
	}

	e.logger.Info(logging.Game, logging.Closure, "round limit reached, game close submitted", map[logging.ExtraKey]any{
		logging.RoomID: roomID,
		logging.GameID: gameID,
		logging.Count:  e.roundLimit,
	})
	return nil
}

func (e *Engine) HandleGameClosed(ctx context.Context, rec domain.HistoryRecord, ev domain.GameClosed) error {
	e.mu.Lock()
	delete(e.closing, ev.Game)
	e.mu.Unlock()

	e.broadcaster.Broadcast(rec.RoomID, domain.EventGameClosed, domain.GameClosedPayload{
		Game:    ev.Game,
		Winners: ev.Winners,
	})
	return nil
}

func (e *Engine) HandleBalanceUpdated(ctx context.Context, rec domain.HistoryRecord, ev domain.BalanceUpdated) error {
	e.broadcaster.Broadcast(rec.RoomID, domain.EventBalanceUpdated, domain.BalanceUpdatedPayload{
		Player:  ev.Player,
		Balance: uint64(ev.Balance),
	})
	return nil
}

// StartGame creates the ledger game for the caller's room. Only the creator
// may start, and only with at least two members.
func (e *Engine) StartGame(ctx context.Context, clientID string) (*domain.GameStartedPayload, error) {
	member, err := e.rooms.MembershipOf(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !member.IsCreator {
		return nil, domain.ErrNotCreator
	}
	room, err := e.rooms.Room(ctx, member.RoomID)
	if err != nil {
		return nil, err
	}
	if len(room.Members) < 2 {
		return nil, domain.ErrNotEnoughPlayers
	}

	if current, err := e.projector.Game(ctx, room.RoomID); err == nil {
		closed, err := e.projector.Closed(ctx, current.GameID)
		if err != nil {
			return nil, err
		}
		if !closed {
			return nil, domain.ErrGameAlreadyStarted
		}
	} else if !errors.Is(err, domain.ErrGameNotFound) {
		return nil, err
	}

	players := room.Addresses()
	result, err := e.gateway.SubmitAction(ctx, e.signer, ledger.ActionPayload{
		Function:  FnCreateGame,
		Arguments: []any{players},
	})
	if err != nil {
		return nil, err
	}

	createdEvents := result.EventsOfKind(domain.KindGameCreated)
	if len(createdEvents) == 0 {
		return nil, fmt.Errorf("%w: no %s in %s", ledger.ErrExternalCall, domain.KindGameCreated, result.Digest)
	}
	ev := createdEvents[0]
	var created domain.GameCreated
	if err := json.Unmarshal(ev.ParsedJSON, &created); err != nil {
		return nil, fmt.Errorf("decode %s: %w", domain.KindGameCreated, err)
	}
	if len(created.Players) == 0 {
		created.Players = players
	}
	data, err := json.Marshal(created)
	if err != nil {
		return nil, fmt.Errorf("marshal game: %w", err)
	}

	clients := make(map[string]string, len(room.Members))
	for _, m := range room.Members {
		clients[m.Address] = m.ClientID
	}

	ts := timestampOf(result, ev)
	txDigest := ev.ID.TxDigest
	if txDigest == "" {
		txDigest = result.Digest
	}
	for _, addr := range created.Players {
		_, err := e.append(ctx, domain.HistoryRecord{
			ID:           domain.HistoryID(txDigest, ev.ID.EventSeq, addr),
			RoomID:       room.RoomID,
			GameObjectID: created.Game,
			Address:      addr,
			ClientID:     clients[addr],
			Action:       domain.ActionStartGame,
			ActionData:   string(data),
			EventSeq:     ev.ID.EventSeq,
			TxDigest:     txDigest,
			Timestamp:    ts,
		})
		if err != nil {
			return nil, err
		}
	}

	payload := &domain.GameStartedPayload{Game: created.Game, Players: created.Players}
	e.broadcaster.Broadcast(room.RoomID, domain.EventGameStarted, payload)

	e.logger.Info(logging.Game, logging.TurnResolution, "game started", map[logging.ExtraKey]any{
		logging.RoomID: room.RoomID,
		logging.GameID: created.Game,
		logging.Count:  len(created.Players),
	})
	return payload, nil
}

// lastPosition is the player's position after their latest recorded move,
// or 0 before the first move.
func (e *Engine) lastPosition(ctx context.Context, gameID, player string) (uint64, error) {
	rec, err := e.history.FindLatest(ctx, domain.HistoryFilter{
		Action:       domain.ActionMove,
		GameObjectID: gameID,
		Address:      player,
	})
	if errors.Is(err, domain.ErrHistoryNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find last move: %w", err)
	}
	var move domain.MoveRecord
	if err := json.Unmarshal([]byte(rec.ActionData), &move); err != nil {
		return 0, fmt.Errorf("decode move %s: %w", rec.ID, err)
	}
	return move.Position, nil
}

func (e *Engine) exists(ctx context.Context, id string) (bool, error) {
	_, err := e.history.FindLatest(ctx, domain.HistoryFilter{ID: id})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrHistoryNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("find record %s: %w", id, err)
	}
}

func (e *Engine) append(ctx context.Context, rec domain.HistoryRecord) (bool, error) {
	created, err := domain.AppendOnce(ctx, e.history, rec)
	if err != nil {
		return false, fmt.Errorf("append %s record: %w", rec.Action, err)
	}
	if created {
		if err := e.publisher.PublishHistory(ctx, rec); err != nil {
			e.logger.Warn(logging.RabbitMQ, logging.ExternalService, "failed to publish history record", map[logging.ExtraKey]any{
				logging.EventID:      rec.ID,
				logging.ErrorMessage: err.Error(),
			})
		}
	}
	return created, nil
}

// subRecord builds the record of an event emitted by a submission made while
// resolving parent.
func subRecord(parent domain.HistoryRecord, result ledger.SubmitResult, ev ledger.Event, address string, action domain.Action) domain.HistoryRecord {
	txDigest := ev.ID.TxDigest
	if txDigest == "" {
		txDigest = result.Digest
	}
	return domain.HistoryRecord{
		ID:           domain.HistoryID(txDigest, ev.ID.EventSeq),
		RoomID:       parent.RoomID,
		GameObjectID: parent.GameObjectID,
		Address:      address,
		ClientID:     parent.ClientID,
		Action:       action,
		ActionData:   string(ev.ParsedJSON),
		EventSeq:     ev.ID.EventSeq,
		TxDigest:     txDigest,
		Timestamp:    timestampOf(result, ev),
	}
}

func timestampOf(result ledger.SubmitResult, ev ledger.Event) int64 {
	switch {
	case ev.TimestampMs > 0:
		return ev.TimestampMs
	case result.TimestampMs > 0:
		return result.TimestampMs
	default:
		return time.Now().UTC().UnixMilli()
	}
}
