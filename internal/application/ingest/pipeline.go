package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hilthontt/monopoly/internal/domain"
	"github.com/hilthontt/monopoly/internal/infrastructure/configs"
	"github.com/hilthontt/monopoly/internal/infrastructure/events"
	"github.com/hilthontt/monopoly/internal/infrastructure/ledger"
	"github.com/hilthontt/monopoly/internal/infrastructure/logging"
	"github.com/hilthontt/monopoly/internal/infrastructure/metrics"
	"github.com/hilthontt/monopoly/internal/infrastructure/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrUnknownTask   = errors.New("no ingest task for action")
	ErrRunInProgress = errors.New("ingest run already in progress")

	errUnattributable = errors.New("event cannot be attributed to a room")
)

// resolveError marks an event whose handler failed before its record was
// written. Later events of the batch wait so the cursor stays before it.
type resolveError struct {
	err error
}

func (e *resolveError) Error() string { return e.err.Error() }

func (e *resolveError) Unwrap() error { return e.err }

// Handler reacts to newly ingested events.
type Handler interface {
	// HandleRoll writes the roll record itself, once the turn is resolved.
	HandleRoll(ctx context.Context, rec domain.HistoryRecord, ev domain.RollDice) error
	HandleTurnChanged(ctx context.Context, rec domain.HistoryRecord, ev domain.TurnChanged) error
	// HandleBuyDecision writes the buy record itself, once the settlement
	// outcome is known.
	HandleBuyDecision(ctx context.Context, src domain.HistoryRecord, ev domain.BuyDecision) error
	HandleBalanceUpdated(ctx context.Context, rec domain.HistoryRecord, ev domain.BalanceUpdated) error
	HandleGameClosed(ctx context.Context, rec domain.HistoryRecord, ev domain.GameClosed) error
}

// EventTypeFunc qualifies an event struct name with the package and module.
type EventTypeFunc func(kind string) string

type Pipeline struct {
	history   domain.HistoryRepository
	gateway   ledger.Gateway
	handler   Handler
	publisher events.Publisher
	eventType EventTypeFunc

	tasks      map[domain.Action]*Task
	runTimeout time.Duration

	logger  logging.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewPipeline(
	cfg configs.IngestConfig,
	eventType EventTypeFunc,
	history domain.HistoryRepository,
	gateway ledger.Gateway,
	handler Handler,
	publisher events.Publisher,
	logger logging.Logger,
	m *metrics.Metrics,
) *Pipeline {
	if publisher == nil {
		publisher = events.NewNopPublisher()
	}
	runTimeout := cfg.RunTimeout
	if runTimeout <= 0 {
		runTimeout = 30 * time.Second
	}
	tasks := make(map[domain.Action]*Task, len(trackedKinds))
	for _, tk := range trackedKinds {
		tasks[tk.action] = &Task{
			Action:   tk.action,
			Kind:     tk.kind,
			Interval: cfg.Interval(string(tk.action)),
		}
	}
	return &Pipeline{
		history:    history,
		gateway:    gateway,
		handler:    handler,
		publisher:  publisher,
		eventType:  eventType,
		tasks:      tasks,
		runTimeout: runTimeout,
		logger:     logger,
		metrics:    m,
		tracer:     tracing.GetTracer("monopoly/ingest"),
	}
}

// Tasks lists the tracked tasks in polling order.
func (p *Pipeline) Tasks() []*Task {
	out := make([]*Task, 0, len(trackedKinds))
	for _, tk := range trackedKinds {
		out = append(out, p.tasks[tk.action])
	}
	return out
}

// Start runs every task on its own ticker until ctx is cancelled, then
// waits for in-flight runs to return.
func (p *Pipeline) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range p.Tasks() {
		wg.Add(1)
		go func(t *Task) {
			defer wg.Done()
			p.loop(ctx, t, &wg)
		}(t)
	}

	p.logger.Info(logging.Ingest, logging.Startup, "ingest pipeline started", map[logging.ExtraKey]any{
		logging.Count: len(p.tasks),
	})
	wg.Wait()
	p.logger.Info(logging.Ingest, logging.Shutdown, "ingest pipeline stopped", nil)
}

func (p *Pipeline) loop(ctx context.Context, t *Task, runs *sync.WaitGroup) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runs.Add(1)
			go func() {
				defer runs.Done()
				// failures are logged inside run; the next tick retries
				_, _ = p.run(ctx, t)
			}()
		}
	}
}

// RunOnce runs the task for action synchronously.
func (p *Pipeline) RunOnce(ctx context.Context, action domain.Action) (Stats, error) {
	t, ok := p.tasks[action]
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrUnknownTask, action)
	}
	return p.run(ctx, t)
}

func (p *Pipeline) run(ctx context.Context, t *Task) (Stats, error) {
	action := string(t.Action)
	if !t.running.TryLock() {
		p.metrics.RunSkipped(action)
		p.logger.Warn(logging.Ingest, logging.TaskRun, "previous run still active, skipping", map[logging.ExtraKey]any{
			logging.Action: action,
		})
		return Stats{}, ErrRunInProgress
	}
	defer t.running.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.runTimeout)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, "ingest."+action, trace.WithAttributes(
		attribute.String("ingest.action", action),
		attribute.String("ingest.kind", t.Kind),
	))
	defer span.End()

	start := time.Now()
	stats, err := p.ingest(ctx, t)
	p.metrics.ObserveRun(action, start, err)

	span.SetAttributes(
		attribute.Int("ingest.fetched", stats.Fetched),
		attribute.Int("ingest.ingested", stats.Ingested),
		attribute.Int("ingest.dropped", stats.Dropped),
		attribute.Int("ingest.failed", stats.Failed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error(logging.Ingest, logging.TaskRun, "ingest run failed", map[logging.ExtraKey]any{
			logging.Action:       action,
			logging.ErrorMessage: err.Error(),
		})
		return stats, err
	}

	if stats.Fetched > 0 {
		p.logger.Info(logging.Ingest, logging.TaskRun, "ingest run finished", map[logging.ExtraKey]any{
			logging.Action:   action,
			logging.Count:    stats.Ingested,
			logging.Duration: time.Since(start).String(),
		})
	}
	return stats, nil
}

// ingest drains every event after the latest stored record and applies them
// in ledger order. Events fetched before a drain error are still applied. A
// failed resolution stops the batch; it is retried on the next run.
func (p *Pipeline) ingest(ctx context.Context, t *Task) (Stats, error) {
	var stats Stats

	cursor, err := p.cursor(ctx, t.Action)
	if err != nil {
		return stats, err
	}

	fetched, drainErr := ledger.DrainEvents(ctx, p.gateway, p.eventType(t.Kind), cursor)
	stats.Fetched = len(fetched)

	action := string(t.Action)
	var resolveErr *resolveError
	for _, ev := range fetched {
		created, err := p.apply(ctx, t, ev)
		id := domain.HistoryID(ev.ID.TxDigest, ev.ID.EventSeq)
		fields := map[logging.ExtraKey]any{
			logging.Action:  action,
			logging.EventID: id,
		}
		if errors.As(err, &resolveErr) {
			stats.Failed++
			p.metrics.EventFailed(action)
			fields[logging.ErrorMessage] = err.Error()
			p.logger.Error(logging.Ingest, logging.EventApply, "failed to resolve event, retrying next run", fields)
			return stats, errors.Join(fmt.Errorf("resolve %s: %w", id, err), drainErr)
		}
		switch {
		case errors.Is(err, errUnattributable):
			stats.Dropped++
			p.metrics.EventDropped(action)
			p.logger.Warn(logging.Ingest, logging.EventDrop, "dropping unattributable event", fields)
		case err != nil:
			stats.Failed++
			p.metrics.EventFailed(action)
			fields[logging.ErrorMessage] = err.Error()
			p.logger.Error(logging.Ingest, logging.EventApply, "failed to apply event", fields)
		case created:
			stats.Ingested++
			p.metrics.EventIngested(action)
		default:
			stats.Duplicates++
		}
	}

	if drainErr != nil {
		return stats, fmt.Errorf("drain %s events: %w", t.Kind, drainErr)
	}
	return stats, nil
}

func (p *Pipeline) cursor(ctx context.Context, action domain.Action) (*ledger.Cursor, error) {
	latest, err := p.history.FindLatest(ctx, domain.HistoryFilter{Action: action})
	if errors.Is(err, domain.ErrHistoryNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s cursor: %w", action, err)
	}
	return &ledger.Cursor{TxDigest: latest.TxDigest, EventSeq: latest.EventSeq}, nil
}

// apply stores one event and, only when it is new, hands it to the handler.
func (p *Pipeline) apply(ctx context.Context, t *Task, ev ledger.Event) (bool, error) {
	payload, err := Decode(ev)
	if err != nil {
		return false, err
	}

	game, address := subjectOf(payload)
	owner, err := p.correlate(ctx, game, address)
	if err != nil {
		return false, err
	}

	ts := ev.TimestampMs
	if ts == 0 {
		ts = time.Now().UTC().UnixMilli()
	}
	if game == "" {
		game = owner.GameObjectID
	}
	rec := domain.HistoryRecord{
		ID:           domain.HistoryID(ev.ID.TxDigest, ev.ID.EventSeq),
		RoomID:       owner.RoomID,
		GameObjectID: game,
		Address:      address,
		ClientID:     owner.ClientID,
		Action:       t.Action,
		ActionData:   string(ev.ParsedJSON),
		EventSeq:     ev.ID.EventSeq,
		TxDigest:     ev.ID.TxDigest,
		Timestamp:    ts,
	}

	switch ev := payload.(type) {
	case domain.RollDice:
		return p.applyResolved(ctx, rec, func(ctx context.Context) error {
			return p.handler.HandleRoll(ctx, rec, ev)
		})
	case domain.BuyDecision:
		return p.applyResolved(ctx, rec, func(ctx context.Context) error {
			return p.handler.HandleBuyDecision(ctx, rec, ev)
		})
	}

	created, err := domain.AppendOnce(ctx, p.history, rec)
	if err != nil || !created {
		return false, err
	}
	if err := p.publisher.PublishHistory(ctx, rec); err != nil {
		p.logger.Warn(logging.RabbitMQ, logging.ExternalService, "failed to publish history record", map[logging.ExtraKey]any{
			logging.EventID:      rec.ID,
			logging.ErrorMessage: err.Error(),
		})
	}
	return true, p.dispatch(ctx, rec, payload)
}

// applyResolved hands events whose record the handler writes after
// resolving them. Events already recorded are skipped; resolving twice would
// submit a second transaction.
func (p *Pipeline) applyResolved(ctx context.Context, rec domain.HistoryRecord, resolve func(context.Context) error) (bool, error) {
	_, err := p.history.FindLatest(ctx, domain.HistoryFilter{ID: rec.ID})
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, domain.ErrHistoryNotFound):
		return false, fmt.Errorf("check %s record: %w", rec.Action, err)
	}
	if err := resolve(ctx); err != nil {
		return false, &resolveError{err: err}
	}
	return true, nil
}

func (p *Pipeline) dispatch(ctx context.Context, rec domain.HistoryRecord, payload any) error {
	switch ev := payload.(type) {
	case domain.TurnChanged:
		return p.handler.HandleTurnChanged(ctx, rec, ev)
	case domain.BalanceUpdated:
		return p.handler.HandleBalanceUpdated(ctx, rec, ev)
	case domain.GameClosed:
		return p.handler.HandleGameClosed(ctx, rec, ev)
	}
	return nil
}

// correlate finds the startGame record that binds the event's game or
// player to a room.
func (p *Pipeline) correlate(ctx context.Context, game, address string) (*domain.HistoryRecord, error) {
	if game == "" && address == "" {
		return nil, errUnattributable
	}
	owner, err := p.history.FindLatest(ctx, domain.HistoryFilter{
		Action:       domain.ActionStartGame,
		GameObjectID: game,
		Address:      address,
	})
	if errors.Is(err, domain.ErrHistoryNotFound) {
		return nil, fmt.Errorf("%w: game %q address %q", errUnattributable, game, address)
	}
	if err != nil {
		return nil, fmt.Errorf("find startGame record: %w", err)
	}
	return owner, nil
}
