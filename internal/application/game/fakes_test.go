package game

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/hilthontt/monopoly/internal/application/rooms"
	"github.com/hilthontt/monopoly/internal/domain"
	"github.com/hilthontt/monopoly/internal/infrastructure/ledger"
	"github.com/hilthontt/monopoly/internal/infrastructure/logging"
	"github.com/hilthontt/monopoly/internal/infrastructure/repository"
)

type fakeGateway struct {
	mu       sync.Mutex
	objects  map[string]ledger.Object
	submits  []ledger.ActionPayload
	submitFn func(ledger.ActionPayload) (ledger.SubmitResult, error)
	readErr  error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{objects: make(map[string]ledger.Object)}
}

func (g *fakeGateway) QueryEvents(context.Context, string, *ledger.Cursor) (ledger.EventPage, error) {
	return ledger.EventPage{}, nil
}

func (g *fakeGateway) QueryOwnedObjects(context.Context, string, string, *string) (ledger.ObjectPage, error) {
	return ledger.ObjectPage{}, nil
}

func (g *fakeGateway) MultiGet(_ context.Context, ids []string) ([]ledger.Object, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.readErr != nil {
		return nil, g.readErr
	}
	out := make([]ledger.Object, 0, len(ids))
	for _, id := range ids {
		if o, ok := g.objects[id]; ok {
			out = append(out, o)
		}
	}
	return out, nil
}

func (g *fakeGateway) SubmitAction(_ context.Context, _ string, payload ledger.ActionPayload) (ledger.SubmitResult, error) {
	g.mu.Lock()
	g.submits = append(g.submits, payload)
	fn := g.submitFn
	g.mu.Unlock()
	if fn == nil {
		return ledger.SubmitResult{Digest: "tx-submit"}, nil
	}
	return fn(payload)
}

func (g *fakeGateway) failReads(err error) {
	g.mu.Lock()
	g.readErr = err
	g.mu.Unlock()
}

func (g *fakeGateway) submitted(function string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, p := range g.submits {
		if p.Function == function {
			n++
		}
	}
	return n
}

func (g *fakeGateway) put(t *testing.T, id string, fields map[string]any) {
	t.Helper()
	raw := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal field %s: %v", k, err)
		}
		raw[k] = b
	}
	g.mu.Lock()
	g.objects[id] = ledger.Object{ObjectID: id, Fields: raw}
	g.mu.Unlock()
}

type broadcast struct {
	roomID  string
	event   string
	payload any
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []broadcast
}

func (b *recordingBroadcaster) Broadcast(roomID, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, broadcast{roomID: roomID, event: event, payload: payload})
}

func (b *recordingBroadcaster) BroadcastAll(event string, payload any) {
	b.Broadcast("", event, payload)
}

func (b *recordingBroadcaster) events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.sent))
	for _, s := range b.sent {
		out = append(out, s.event)
	}
	return out
}

func (b *recordingBroadcaster) last(event string) (broadcast, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.sent) - 1; i >= 0; i-- {
		if b.sent[i].event == event {
			return b.sent[i], true
		}
	}
	return broadcast{}, false
}

type harness struct {
	history   domain.HistoryRepository
	gw        *fakeGateway
	bc        *recordingBroadcaster
	rooms     *rooms.Service
	projector *Projector
	engine    *Engine
}

func newHarness(t *testing.T, roundLimit int) *harness {
	t.Helper()
	h := &harness{
		history: repository.NewHistoryRepository(),
		gw:      newFakeGateway(),
		bc:      &recordingBroadcaster{},
		rooms:   rooms.NewService(repository.NewRoomRepository(), nil, logging.NewNop()),
	}
	h.projector = NewProjector(h.history, h.gw, domain.DefaultBoardSize, logging.NewNop())
	h.engine = NewEngine(EngineConfig{Signer: "admin", RoundLimit: roundLimit},
		h.history, h.gw, h.projector, h.rooms, h.bc, nil, logging.NewNop())
	return h
}

const (
	testRoom = "room-1"
	testGame = "0xgame"
)

func cellID(i int) string {
	return fmt.Sprintf("0xcell%d", i)
}

// seedGame writes the startGame fan-out and a 20-cell board of neutral cells.
func (h *harness) seedGame(t *testing.T, players ...string) {
	t.Helper()
	data, err := json.Marshal(domain.GameCreated{Game: testGame, Players: players})
	if err != nil {
		t.Fatalf("marshal game: %v", err)
	}
	for _, p := range players {
		err := h.history.Append(context.Background(), domain.HistoryRecord{
			ID:           domain.HistoryID("tx-start", 0, p),
			RoomID:       testRoom,
			GameObjectID: testGame,
			Address:      p,
			ClientID:     "client-" + p,
			Action:       domain.ActionStartGame,
			ActionData:   string(data),
			TxDigest:     "tx-start",
			Timestamp:    1,
		})
		if err != nil {
			t.Fatalf("seed startGame: %v", err)
		}
	}

	cells := make([]string, domain.DefaultBoardSize)
	for i := range cells {
		cells[i] = cellID(i)
		h.gw.put(t, cells[i], map[string]any{"position": fmt.Sprint(i)})
	}
	positions := map[string]any{"contents": []any{}}
	balances := map[string]any{"contents": []any{}}
	for _, p := range players {
		positions["contents"] = append(positions["contents"].([]any), map[string]any{"key": p, "value": "0"})
		balances["contents"] = append(balances["contents"].([]any), map[string]any{"key": p, "value": "1500"})
	}
	h.gw.put(t, testGame, map[string]any{"cells": cells, "positions": positions, "balances": balances})
}

// putCell replaces the cell at position with a purchasable one.
func (h *harness) putCell(t *testing.T, position int, owner string, buy, rent []string) {
	t.Helper()
	fields := map[string]any{
		"position":   fmt.Sprint(position),
		"buy_price":  buy,
		"sell_price": []string{},
		"rent_price": rent,
		"level":      nil,
		"owner":      nil,
	}
	if owner != "" {
		fields["owner"] = owner
		fields["level"] = "1"
	}
	h.gw.put(t, cellID(position), fields)
}

// rollRecord builds an ingested roll; the engine writes it once resolved.
func (h *harness) rollRecord(t *testing.T, seq int64, player string, dice uint64) (domain.HistoryRecord, domain.RollDice) {
	t.Helper()
	ev := domain.RollDice{Game: testGame, Player: player, Dice: domain.U64(dice)}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal roll: %v", err)
	}
	rec := domain.HistoryRecord{
		ID:           domain.HistoryID("tx-roll", seq),
		RoomID:       testRoom,
		GameObjectID: testGame,
		Address:      player,
		ClientID:     "client-" + player,
		Action:       domain.ActionRollDice,
		ActionData:   string(data),
		EventSeq:     seq,
		TxDigest:     "tx-roll",
		Timestamp:    100 + seq,
	}
	return rec, ev
}

func event(kind string, digest string, seq int64, payload any) ledger.Event {
	raw, _ := json.Marshal(payload)
	return ledger.Event{
		ID:          ledger.Cursor{TxDigest: digest, EventSeq: seq},
		Type:        "0xpkg::monopoly::" + kind,
		ParsedJSON:  raw,
		TimestampMs: 500 + seq,
	}
}
