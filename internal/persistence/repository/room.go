package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hilthontt/monopoly/internal/domain"
	"github.com/hilthontt/monopoly/internal/persistence/db"
)

const roomColumns = `id, room_id, address, client_id, is_creator, created_at`

type roomRepository struct {
	db *sql.DB
}

func NewRoomRepository(sqlDB *sql.DB) domain.RoomRepository {
	return &roomRepository{db: sqlDB}
}

func (r *roomRepository) Create(ctx context.Context, member *domain.RoomMember) error {
	if member == nil || member.ID == "" || member.RoomID == "" {
		return domain.ErrInvalidInput
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO room_members (`+roomColumns+`)
VALUES (?, ?, ?, ?, ?, ?)`,
		member.ID,
		member.RoomID,
		member.Address,
		member.ClientID,
		member.IsCreator,
		member.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		if db.IsConstraintError(err) {
			return fmt.Errorf("%w: duplicate member id %s", domain.ErrInvalidInput, member.ID)
		}
		return fmt.Errorf("create room member: %w", err)
	}
	return nil
}

func (r *roomRepository) ListByRoom(ctx context.Context, roomID string) ([]domain.RoomMember, error) {
	return r.list(ctx, " WHERE room_id = ?", roomID)
}

func (r *roomRepository) ListByClient(ctx context.Context, clientID string) ([]domain.RoomMember, error) {
	return r.list(ctx, " WHERE client_id = ?", clientID)
}

func (r *roomRepository) ListByAddress(ctx context.Context, address string) ([]domain.RoomMember, error) {
	return r.list(ctx, " WHERE address = ?", address)
}

func (r *roomRepository) ListAll(ctx context.Context) ([]domain.RoomMember, error) {
	return r.list(ctx, "")
}

func (r *roomRepository) DeleteByClient(ctx context.Context, clientID string) (int, error) {
	if clientID == "" {
		return 0, domain.ErrInvalidInput
	}

	res, err := r.db.ExecContext(ctx, `DELETE FROM room_members WHERE client_id = ?`, clientID)
	if err != nil {
		return 0, fmt.Errorf("delete room members: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete room members: %w", err)
	}
	return int(n), nil
}

func (r *roomRepository) list(ctx context.Context, where string, args ...any) ([]domain.RoomMember, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+roomColumns+` FROM room_members`+where+` ORDER BY rowid ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list room members: %w", err)
	}
	defer rows.Close()

	members := make([]domain.RoomMember, 0)
	for rows.Next() {
		var (
			m         domain.RoomMember
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Address, &m.ClientID, &m.IsCreator, &createdAt); err != nil {
			return nil, fmt.Errorf("scan room member: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room members: %w", err)
	}
	return members, nil
}
