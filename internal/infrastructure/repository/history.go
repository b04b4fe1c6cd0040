package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/hilthontt/monopoly/internal/domain"
)

// historyRepository keeps the append-only log in memory. Records are kept in
// insertion order; ids are indexed for dedup.
type historyRepository struct {
	records []domain.HistoryRecord
	ids     map[string]struct{}
	mu      *sync.RWMutex
}

func NewHistoryRepository() domain.HistoryRepository {
	return &historyRepository{
		records: make([]domain.HistoryRecord, 0, 256),
		ids:     make(map[string]struct{}),
		mu:      &sync.RWMutex{},
	}
}

func (r *historyRepository) Append(ctx context.Context, record domain.HistoryRecord) error {
	if record.ID == "" || record.Action == "" {
		return domain.ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ids[record.ID]; exists {
		return domain.ErrDuplicateHistory
	}

	r.ids[record.ID] = struct{}{}
	r.records = append(r.records, record)

	return nil
}

func (r *historyRepository) FindLatest(ctx context.Context, filter domain.HistoryFilter) (*domain.HistoryRecord, error) {
	matched, err := r.FindAll(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, domain.ErrHistoryNotFound
	}

	latest := matched[len(matched)-1]
	return &latest, nil
}

func (r *historyRepository) FindAll(ctx context.Context, filter domain.HistoryFilter) ([]domain.HistoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	matched := make([]domain.HistoryRecord, 0)
	for _, rec := range r.records {
		if filter.Match(rec) {
			matched = append(matched, rec)
		}
	}
	r.mu.RUnlock()

	// stable keeps insertion order for equal keys
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Timestamp != matched[j].Timestamp {
			return matched[i].Timestamp < matched[j].Timestamp
		}
		return matched[i].EventSeq < matched[j].EventSeq
	})

	return matched, nil
}
