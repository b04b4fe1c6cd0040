package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/hilthontt/monopoly/internal/domain"
	"github.com/hilthontt/monopoly/internal/infrastructure/ledger"
	"github.com/hilthontt/monopoly/internal/infrastructure/logging"
)

// Game state labels reported in RoomInfo.
const (
	StatePlaying = "playing"
	StateClosed  = "closed"
)

// Info identifies the game currently bound to a room.
type Info struct {
	RoomID    string
	GameID    string
	Players   []string // join order
	StartedAt int64
}

// Projector derives game state from history plus live ledger reads. It never
// writes.
type Projector struct {
	history   domain.HistoryRepository
	gateway   ledger.Gateway
	boardSize uint64
	logger    logging.Logger
}

func NewProjector(history domain.HistoryRepository, gateway ledger.Gateway, boardSize uint64, logger logging.Logger) *Projector {
	if boardSize == 0 {
		boardSize = domain.DefaultBoardSize
	}
	return &Projector{
		history:   history,
		gateway:   gateway,
		boardSize: boardSize,
		logger:    logger,
	}
}

// Game returns the most recent game started in the room.
func (p *Projector) Game(ctx context.Context, roomID string) (*Info, error) {
	records, err := p.history.FindAll(ctx, domain.HistoryFilter{Action: domain.ActionStartGame, RoomID: roomID})
	if err != nil {
		return nil, fmt.Errorf("find startGame records: %w", err)
	}
	if len(records) == 0 {
		return nil, domain.ErrGameNotFound
	}
	return infoFromStartRecords(roomID, records), nil
}

// GameByObject resolves the room of a ledger game object.
func (p *Projector) GameByObject(ctx context.Context, gameID string) (*Info, error) {
	records, err := p.history.FindAll(ctx, domain.HistoryFilter{Action: domain.ActionStartGame, GameObjectID: gameID})
	if err != nil {
		return nil, fmt.Errorf("find startGame records: %w", err)
	}
	if len(records) == 0 {
		return nil, domain.ErrGameNotFound
	}
	return infoFromStartRecords(records[0].RoomID, records), nil
}

// infoFromStartRecords folds the fan-out records of the latest game. The
// player order comes from the creation payload; record order is the
// fallback.
func infoFromStartRecords(roomID string, records []domain.HistoryRecord) *Info {
	latest := records[len(records)-1]
	info := &Info{RoomID: roomID, GameID: latest.GameObjectID, StartedAt: latest.Timestamp}

	var created domain.GameCreated
	if err := json.Unmarshal([]byte(latest.ActionData), &created); err == nil && len(created.Players) > 0 {
		info.Players = created.Players
		return info
	}
	for _, r := range records {
		if r.GameObjectID == info.GameID {
			info.Players = append(info.Players, r.Address)
		}
	}
	return info
}

func (p *Projector) Players(ctx context.Context, roomID string) ([]string, error) {
	info, err := p.Game(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return info.Players, nil
}

// Closed reports whether a gameClosed record exists for the game.
func (p *Projector) Closed(ctx context.Context, gameID string) (bool, error) {
	_, err := p.history.FindLatest(ctx, domain.HistoryFilter{Action: domain.ActionGameClosed, GameObjectID: gameID})
	if errors.Is(err, domain.ErrHistoryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find gameClosed record: %w", err)
	}
	return true, nil
}

func (p *Projector) Project(ctx context.Context, roomID string) (*domain.DerivedGameState, error) {
	info, err := p.Game(ctx, roomID)
	if err != nil {
		return nil, err
	}

	gameObj, err := p.readGame(ctx, info.GameID)
	if err != nil {
		return nil, err
	}

	state := StatePlaying
	closed, err := p.Closed(ctx, info.GameID)
	if err != nil {
		return nil, err
	}
	if closed {
		state = StateClosed
	}

	positions := gameObj.U64Map("positions")
	balances := gameObj.U64Map("balances")
	players := make([]domain.PlayerState, 0, len(info.Players))
	for _, addr := range info.Players {
		players = append(players, domain.PlayerState{
			Address:  addr,
			Balance:  balances[addr],
			Position: positions[addr],
		})
	}

	cells, err := p.readCells(ctx, gameObj)
	if err != nil {
		return nil, err
	}

	p.logger.Debug(logging.Game, logging.Projection, "projected game state", map[logging.ExtraKey]any{
		logging.RoomID: roomID,
		logging.GameID: info.GameID,
		logging.Count:  len(cells),
	})

	return &domain.DerivedGameState{
		RoomInfo: domain.RoomInfo{
			RoomID:    roomID,
			GameID:    info.GameID,
			GameState: state,
		},
		PlayersState: players,
		HouseCell:    cells,
	}, nil
}

// Cell reads the cell at position on the game's board.
func (p *Projector) Cell(ctx context.Context, gameID string, position uint64) (*domain.HouseCell, error) {
	gameObj, err := p.readGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	ids := gameObj.Strings("cells")
	if position >= uint64(len(ids)) {
		return nil, fmt.Errorf("%w: position %d", domain.ErrCellNotFound, position)
	}

	objs, err := p.gateway.MultiGet(ctx, []string{ids[position]})
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrCellNotFound, ids[position])
	}
	cell := cellFromObject(objs[0], position)
	return &cell, nil
}

func (p *Projector) readGame(ctx context.Context, gameID string) (ledger.Object, error) {
	objs, err := p.gateway.MultiGet(ctx, []string{gameID})
	if err != nil {
		return ledger.Object{}, err
	}
	for _, o := range objs {
		if o.ObjectID == gameID {
			return o, nil
		}
	}
	return ledger.Object{}, fmt.Errorf("%w: %s", domain.ErrGameNotFound, gameID)
}

func (p *Projector) readCells(ctx context.Context, gameObj ledger.Object) ([]domain.HouseCell, error) {
	ids := gameObj.Strings("cells")
	if uint64(len(ids)) > p.boardSize {
		ids = ids[:p.boardSize]
	}
	if len(ids) == 0 {
		return []domain.HouseCell{}, nil
	}

	objs, err := p.gateway.MultiGet(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]ledger.Object, len(objs))
	for _, o := range objs {
		byID[o.ObjectID] = o
	}

	cells := make([]domain.HouseCell, 0, len(ids))
	for i, id := range ids {
		o, ok := byID[id]
		if !ok {
			p.logger.Warn(logging.Game, logging.Projection, "cell object missing", map[logging.ExtraKey]any{
				logging.EventID: id,
			})
			continue
		}
		cells = append(cells, cellFromObject(o, uint64(i)))
	}
	sort.SliceStable(cells, func(i, j int) bool { return cells[i].Position < cells[j].Position })
	return cells, nil
}

// cellFromObject maps a cell object. Cells without a buy_price field are
// neutral.
func cellFromObject(o ledger.Object, index uint64) domain.HouseCell {
	cell := domain.HouseCell{
		ID:        o.ObjectID,
		Position:  index,
		BuyPrice:  o.U64s("buy_price"),
		SellPrice: o.U64s("sell_price"),
		RentPrice: o.U64s("rent_price"),
	}
	if pos, ok := o.U64("position"); ok {
		cell.Position = pos
	}
	if owner, ok := o.String("owner"); ok && owner != "" {
		cell.Owner = &owner
	}
	if level, ok := o.U64("level"); ok {
		cell.Level = &level
	}
	return cell
}
