package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hilthontt/monopoly/internal/domain"
	"github.com/hilthontt/monopoly/internal/persistence/db"
)

const historyColumns = `id, room_id, game_object_id, address, client_id, action, action_data, event_seq, tx_digest, timestamp`

type historyRepository struct {
	db *sql.DB
}

func NewHistoryRepository(sqlDB *sql.DB) domain.HistoryRepository {
	return &historyRepository{db: sqlDB}
}

func (r *historyRepository) Append(ctx context.Context, record domain.HistoryRecord) error {
	if record.ID == "" || record.Action == "" {
		return domain.ErrInvalidInput
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO history (`+historyColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.RoomID,
		record.GameObjectID,
		record.Address,
		record.ClientID,
		string(record.Action),
		record.ActionData,
		record.EventSeq,
		record.TxDigest,
		record.Timestamp,
	)
	if err != nil {
		if db.IsConstraintError(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateHistory, record.ID)
		}
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (r *historyRepository) FindLatest(ctx context.Context, filter domain.HistoryFilter) (*domain.HistoryRecord, error) {
	where, args := historyWhere(filter)
	row := r.db.QueryRowContext(ctx,
		`SELECT `+historyColumns+` FROM history`+where+
			` ORDER BY timestamp DESC, event_seq DESC, rowid DESC LIMIT 1`,
		args...,
	)

	record, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrHistoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find latest history: %w", err)
	}
	return &record, nil
}

func (r *historyRepository) FindAll(ctx context.Context, filter domain.HistoryFilter) ([]domain.HistoryRecord, error) {
	where, args := historyWhere(filter)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+historyColumns+` FROM history`+where+
			` ORDER BY timestamp ASC, event_seq ASC, rowid ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("find history: %w", err)
	}
	defer rows.Close()

	records := make([]domain.HistoryRecord, 0)
	for rows.Next() {
		record, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistory(row rowScanner) (domain.HistoryRecord, error) {
	var (
		record domain.HistoryRecord
		action string
	)
	err := row.Scan(
		&record.ID,
		&record.RoomID,
		&record.GameObjectID,
		&record.Address,
		&record.ClientID,
		&action,
		&record.ActionData,
		&record.EventSeq,
		&record.TxDigest,
		&record.Timestamp,
	)
	record.Action = domain.Action(action)
	return record, err
}

func historyWhere(filter domain.HistoryFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.ID != "" {
		clauses = append(clauses, "id = ?")
		args = append(args, filter.ID)
	}
	if filter.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, string(filter.Action))
	}
	if len(filter.Actions) > 0 {
		marks := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			marks[i] = "?"
			args = append(args, string(a))
		}
		clauses = append(clauses, "action IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.RoomID != "" {
		clauses = append(clauses, "room_id = ?")
		args = append(args, filter.RoomID)
	}
	if filter.GameObjectID != "" {
		clauses = append(clauses, "game_object_id = ?")
		args = append(args, filter.GameObjectID)
	}
	if filter.Address != "" {
		clauses = append(clauses, "address = ?")
		args = append(args, filter.Address)
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, filter.Since.UnixMilli())
	}
	if !filter.Until.IsZero() {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, filter.Until.UnixMilli())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
