package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/hilthontt/monopoly/internal/application/game"
	"github.com/hilthontt/monopoly/internal/application/rooms"
	"github.com/hilthontt/monopoly/internal/domain"
	"github.com/hilthontt/monopoly/internal/infrastructure/configs"
	"github.com/hilthontt/monopoly/internal/infrastructure/ledger"
	"github.com/hilthontt/monopoly/internal/infrastructure/logging"
	"github.com/hilthontt/monopoly/internal/infrastructure/repository"
)

const (
	testRoom = "room-1"
	testGame = "0xgame"
)

// fakeLedger serves a fixed event log per event type and honors cursors
// unless ignoreCursor is set.
type fakeLedger struct {
	mu           sync.Mutex
	log          map[string][]ledger.Event
	ignoreCursor bool
	queries      int
	objects      map[string]ledger.Object
	submits      int
	submitFn     func(ledger.ActionPayload) (ledger.SubmitResult, error)
}

func (f *fakeLedger) QueryEvents(_ context.Context, eventType string, cursor *ledger.Cursor) (ledger.EventPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	all := f.log[eventType]
	start := 0
	if cursor != nil && !f.ignoreCursor {
		for i, ev := range all {
			if ev.ID == *cursor {
				start = i + 1
				break
			}
		}
	}
	return ledger.EventPage{Data: append([]ledger.Event(nil), all[start:]...)}, nil
}

func (f *fakeLedger) QueryOwnedObjects(context.Context, string, string, *string) (ledger.ObjectPage, error) {
	return ledger.ObjectPage{}, nil
}

func (f *fakeLedger) MultiGet(_ context.Context, ids []string) ([]ledger.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ledger.Object
	for _, id := range ids {
		if o, ok := f.objects[id]; ok {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeLedger) SubmitAction(_ context.Context, _ string, payload ledger.ActionPayload) (ledger.SubmitResult, error) {
	f.mu.Lock()
	f.submits++
	fn := f.submitFn
	f.mu.Unlock()
	if fn == nil {
		return ledger.SubmitResult{}, errors.New("not supported")
	}
	return fn(payload)
}

func (f *fakeLedger) put(t *testing.T, id string, fields map[string]any) {
	t.Helper()
	raw := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal field %s: %v", k, err)
		}
		raw[k] = b
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string]ledger.Object)
	}
	f.objects[id] = ledger.Object{ObjectID: id, Fields: raw}
}

func (f *fakeLedger) add(kind string, evs ...ledger.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log[eventType(kind)] = append(f.log[eventType(kind)], evs...)
}

type recordingHandler struct {
	mu        sync.Mutex
	history   domain.HistoryRepository
	calls     []string
	block     chan struct{}
	entered   chan struct{}
	failRolls int
}

func (h *recordingHandler) record(id string) {
	if h.entered != nil {
		h.entered <- struct{}{}
		<-h.block
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, id)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func (h *recordingHandler) HandleRoll(ctx context.Context, rec domain.HistoryRecord, _ domain.RollDice) error {
	h.record(rec.ID)
	h.mu.Lock()
	fail := h.failRolls > 0
	if fail {
		h.failRolls--
	}
	h.mu.Unlock()
	if fail {
		return ledger.ErrExternalCall
	}
	return h.history.Append(ctx, rec)
}

func (h *recordingHandler) HandleTurnChanged(_ context.Context, rec domain.HistoryRecord, _ domain.TurnChanged) error {
	h.record(rec.ID)
	return nil
}

func (h *recordingHandler) HandleBuyDecision(ctx context.Context, src domain.HistoryRecord, _ domain.BuyDecision) error {
	h.record(src.ID)
	return h.history.Append(ctx, src)
}

func (h *recordingHandler) HandleBalanceUpdated(_ context.Context, rec domain.HistoryRecord, _ domain.BalanceUpdated) error {
	h.record(rec.ID)
	return nil
}

func (h *recordingHandler) HandleGameClosed(_ context.Context, rec domain.HistoryRecord, _ domain.GameClosed) error {
	h.record(rec.ID)
	return nil
}

func eventType(kind string) string {
	return "0xpkg::monopoly::" + kind
}

func event(t *testing.T, kind, digest string, seq int64, payload any) ledger.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return ledger.Event{
		ID:          ledger.Cursor{TxDigest: digest, EventSeq: seq},
		Type:        eventType(kind),
		ParsedJSON:  raw,
		TimestampMs: 1000 + seq,
	}
}

type fixture struct {
	history  domain.HistoryRepository
	ledger   *fakeLedger
	handler  *recordingHandler
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	history := repository.NewHistoryRepository()
	f := &fixture{
		history: history,
		ledger:  &fakeLedger{log: make(map[string][]ledger.Event)},
		handler: &recordingHandler{history: history},
	}
	f.pipeline = NewPipeline(configs.IngestConfig{RunTimeout: time.Second}, eventType,
		f.history, f.ledger, f.handler, nil, logging.NewNop(), nil)

	for _, p := range []string{"A", "B"} {
		err := history.Append(context.Background(), domain.HistoryRecord{
			ID:           domain.HistoryID("tx-start", 0, p),
			RoomID:       testRoom,
			GameObjectID: testGame,
			Address:      p,
			ClientID:     "client-" + p,
			Action:       domain.ActionStartGame,
			TxDigest:     "tx-start",
			Timestamp:    1,
		})
		if err != nil {
			t.Fatalf("seed startGame: %v", err)
		}
	}
	return f
}

func roll(player string) domain.RollDice {
	return domain.RollDice{Game: testGame, Player: player, Dice: 4}
}

func TestRunIngestsEachEventOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.add(domain.KindRollDice,
		event(t, domain.KindRollDice, "tx-1", 0, roll("A")),
		event(t, domain.KindRollDice, "tx-2", 0, roll("B")),
	)

	stats, err := f.pipeline.RunOnce(ctx, domain.ActionRollDice)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Ingested != 2 {
		t.Fatalf("ingested = %d, want 2", stats.Ingested)
	}

	f.ledger.add(domain.KindRollDice, event(t, domain.KindRollDice, "tx-3", 1, roll("A")))
	stats, err = f.pipeline.RunOnce(ctx, domain.ActionRollDice)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.Fetched != 1 || stats.Ingested != 1 {
		t.Fatalf("second run stats = %+v, want one new event", stats)
	}

	rec, err := f.history.FindLatest(ctx, domain.HistoryFilter{Action: domain.ActionRollDice})
	if err != nil {
		t.Fatalf("find latest: %v", err)
	}
	if rec.ID != "tx-3-1" || rec.RoomID != testRoom || rec.ClientID != "client-A" || rec.Timestamp != 1001 {
		t.Fatalf("latest = %+v", rec)
	}
	if n := f.handler.count(); n != 3 {
		t.Fatalf("dispatches = %d, want 3", n)
	}
}

func TestRunToleratesRedeliveredEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.ignoreCursor = true
	f.ledger.add(domain.KindTurnChanged,
		event(t, domain.KindTurnChanged, "tx-1", 0, domain.TurnChanged{Game: testGame, Player: "A"}),
		event(t, domain.KindTurnChanged, "tx-1", 1, domain.TurnChanged{Game: testGame, Player: "B"}),
	)

	for i := 0; i < 3; i++ {
		if _, err := f.pipeline.RunOnce(ctx, domain.ActionChangeTurn); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	records, err := f.history.FindAll(ctx, domain.HistoryFilter{Action: domain.ActionChangeTurn})
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if n := f.handler.count(); n != 2 {
		t.Fatalf("dispatches = %d, want 2", n)
	}
}

func TestRunDropsUnattributableEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.add(domain.KindRollDice,
		event(t, domain.KindRollDice, "tx-1", 0, domain.RollDice{Game: "0xother", Player: "Z", Dice: 3}),
	)

	stats, err := f.pipeline.RunOnce(ctx, domain.ActionRollDice)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Dropped != 1 || stats.Ingested != 0 {
		t.Fatalf("stats = %+v, want one dropped", stats)
	}
	if _, err := f.history.FindLatest(ctx, domain.HistoryFilter{Action: domain.ActionRollDice}); !errors.Is(err, domain.ErrHistoryNotFound) {
		t.Fatalf("err = %v, want ErrHistoryNotFound", err)
	}
	if n := f.handler.count(); n != 0 {
		t.Fatalf("dispatches = %d, want 0", n)
	}
}

func TestRunContinuesPastBadEvent(t *testing.T) {
	f := newFixture(t)
	bad := event(t, domain.KindBalanceUpdated, "tx-1", 0, nil)
	bad.ParsedJSON = json.RawMessage(`{"player": 7}`)
	f.ledger.add(domain.KindBalanceUpdated,
		bad,
		event(t, domain.KindBalanceUpdated, "tx-1", 1, domain.BalanceUpdated{Game: testGame, Player: "B", Balance: 1450}),
	)

	stats, err := f.pipeline.RunOnce(context.Background(), domain.ActionBalanceUpdated)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Failed != 1 || stats.Ingested != 1 {
		t.Fatalf("stats = %+v, want one failed and one ingested", stats)
	}
}

func TestGameClosedAttributedToWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.add(domain.KindGameClosed,
		event(t, domain.KindGameClosed, "tx-close", 0, domain.GameClosed{Game: testGame, Winners: []string{"B", "A"}}),
	)

	if _, err := f.pipeline.RunOnce(ctx, domain.ActionGameClosed); err != nil {
		t.Fatalf("run: %v", err)
	}
	rec, err := f.history.FindLatest(ctx, domain.HistoryFilter{Action: domain.ActionGameClosed})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if rec.Address != "B" || rec.GameObjectID != testGame {
		t.Fatalf("record = %+v, want winner B", rec)
	}
}

func TestBuyDecisionSettledOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.ignoreCursor = true
	f.ledger.add(domain.KindBuyDecision,
		event(t, domain.KindBuyDecision, "tx-buy", 2, domain.BuyDecision{Game: testGame, Player: "A", RequestID: "r1", BuyOrNot: true}),
	)

	for i := 0; i < 2; i++ {
		if _, err := f.pipeline.RunOnce(ctx, domain.ActionBuy); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if n := f.handler.count(); n != 1 {
		t.Fatalf("buy decisions handled = %d, want 1", n)
	}
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.handler.block = make(chan struct{})
	f.handler.entered = make(chan struct{})
	f.ledger.add(domain.KindRollDice, event(t, domain.KindRollDice, "tx-1", 0, roll("A")))

	done := make(chan error, 1)
	go func() {
		_, err := f.pipeline.RunOnce(ctx, domain.ActionRollDice)
		done <- err
	}()
	<-f.handler.entered

	if _, err := f.pipeline.RunOnce(ctx, domain.ActionRollDice); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}
	// other tasks are independent
	if _, err := f.pipeline.RunOnce(ctx, domain.ActionChangeTurn); err != nil {
		t.Fatalf("changeTurn run: %v", err)
	}

	close(f.handler.block)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestFailedRollIsRetriedNextRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.handler.failRolls = 1
	f.ledger.add(domain.KindRollDice,
		event(t, domain.KindRollDice, "tx-1", 0, roll("A")),
		event(t, domain.KindRollDice, "tx-2", 0, roll("B")),
	)

	stats, err := f.pipeline.RunOnce(ctx, domain.ActionRollDice)
	if !errors.Is(err, ledger.ErrExternalCall) {
		t.Fatalf("err = %v, want ErrExternalCall", err)
	}
	if stats.Failed != 1 || stats.Ingested != 0 {
		t.Fatalf("first run stats = %+v, want one failure and nothing ingested", stats)
	}
	if n := f.handler.count(); n != 1 {
		t.Fatalf("dispatches = %d, want 1 (batch stops at the failure)", n)
	}

	stats, err = f.pipeline.RunOnce(ctx, domain.ActionRollDice)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.Fetched != 2 || stats.Ingested != 2 {
		t.Fatalf("second run stats = %+v, want both rolls ingested", stats)
	}

	stats, err = f.pipeline.RunOnce(ctx, domain.ActionRollDice)
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if stats.Fetched != 0 {
		t.Fatalf("third run fetched = %d, want 0", stats.Fetched)
	}
	if got, want := f.handler.calls, []string{"tx-1-0", "tx-1-0", "tx-2-0"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBroadcaster) Broadcast(_, event string, _ any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBroadcaster) BroadcastAll(event string, payload any) {
	b.Broadcast("", event, payload)
}

func TestTurnActionRetriedAfterExecutorFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	bc := &recordingBroadcaster{}
	projector := game.NewProjector(f.history, f.ledger, domain.DefaultBoardSize, logging.NewNop())
	engine := game.NewEngine(game.EngineConfig{Signer: "admin"}, f.history, f.ledger, projector,
		rooms.NewService(repository.NewRoomRepository(), nil, logging.NewNop()), bc, nil, logging.NewNop())
	f.pipeline = NewPipeline(configs.IngestConfig{RunTimeout: time.Second}, eventType,
		f.history, f.ledger, engine, nil, logging.NewNop(), nil)

	cells := make([]string, domain.DefaultBoardSize)
	for i := range cells {
		cells[i] = fmt.Sprintf("0xcell%d", i)
		f.ledger.put(t, cells[i], map[string]any{"position": fmt.Sprint(i)})
	}
	f.ledger.put(t, cells[4], map[string]any{
		"position": "4", "buy_price": []string{"100"}, "sell_price": []string{}, "rent_price": []string{"10"},
		"owner": nil, "level": nil,
	})
	f.ledger.put(t, testGame, map[string]any{"cells": cells})

	f.ledger.submitFn = func(ledger.ActionPayload) (ledger.SubmitResult, error) {
		return ledger.SubmitResult{}, ledger.ErrExternalCall
	}
	f.ledger.add(domain.KindRollDice, event(t, domain.KindRollDice, "tx-1", 0, roll("A")))

	if _, err := f.pipeline.RunOnce(ctx, domain.ActionRollDice); !errors.Is(err, ledger.ErrExternalCall) {
		t.Fatalf("first run err = %v, want ErrExternalCall", err)
	}

	raw, _ := json.Marshal(map[string]any{
		"game": testGame, "request_id": "req-1", "player": "A", "position": "4", "action": "BUY_OR_UPGRADE",
	})
	f.ledger.submitFn = func(ledger.ActionPayload) (ledger.SubmitResult, error) {
		return ledger.SubmitResult{
			Digest: "tx-exec",
			Events: []ledger.Event{{
				ID:          ledger.Cursor{TxDigest: "tx-exec", EventSeq: 0},
				Type:        eventType(domain.KindActionRequest),
				ParsedJSON:  raw,
				TimestampMs: 2000,
			}},
		}, nil
	}
	stats, err := f.pipeline.RunOnce(ctx, domain.ActionRollDice)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.Ingested != 1 {
		t.Fatalf("second run stats = %+v, want the roll ingested", stats)
	}
	if stats, err = f.pipeline.RunOnce(ctx, domain.ActionRollDice); err != nil || stats.Fetched != 0 {
		t.Fatalf("third run stats = %+v err = %v, want nothing fetched", stats, err)
	}

	if f.ledger.submits != 2 {
		t.Fatalf("submits = %d, want 2", f.ledger.submits)
	}
	if want := []string{domain.EventMove, domain.EventActionRequest}; !reflect.DeepEqual(bc.events, want) {
		t.Fatalf("broadcasts = %v, want %v", bc.events, want)
	}
	requests, err := f.history.FindAll(ctx, domain.HistoryFilter{Action: domain.ActionFulfillAction})
	if err != nil {
		t.Fatalf("find fulfillAction: %v", err)
	}
	if len(requests) != 1 || requests[0].ID != "tx-exec-0" {
		t.Fatalf("fulfillAction records = %+v", requests)
	}
}

func TestRunOnceUnknownAction(t *testing.T) {
	f := newFixture(t)
	if _, err := f.pipeline.RunOnce(context.Background(), domain.ActionMove); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("err = %v, want ErrUnknownTask", err)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.pipeline = NewPipeline(configs.IngestConfig{
		RunTimeout: time.Second,
		Intervals:  map[string]time.Duration{"rollDice": 5 * time.Millisecond},
	}, eventType, f.history, f.ledger, f.handler, nil, logging.NewNop(), nil)
	f.ledger.add(domain.KindRollDice, event(t, domain.KindRollDice, "tx-1", 0, roll("A")))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		f.pipeline.Start(ctx)
		close(stopped)
	}()

	deadline := time.After(2 * time.Second)
	for f.handler.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("rollDice task never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
