// Package store implements the Persistence Gateway (spec §4.C): the
// engine's read-mostly view of rooms, members, and user status, backed by
// Postgres via the reference repo's own driver, jackc/pgx/v5. Row shapes
// are grounded on original_source/backend/realtime/models.py's Room and
// RoomMember models.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scythe504/doodleroom/internal/model"
)

// Gateway exposes the methods the engine calls on a blocking worker (spec
// §4.C: "all synchronous from the engine's viewpoint").
type Gateway struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool.
func New(pool *pgxpool.Pool) *Gateway {
	return &Gateway{pool: pool}
}

// Connect dials Postgres using a connection string, matching the reference
// repo's own pgx bootstrap idiom.
func Connect(ctx context.Context, dsn string) (*Gateway, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return New(pool), nil
}

func (g *Gateway) Close() {
	if g != nil && g.pool != nil {
		g.pool.Close()
	}
}

// GetActiveRoom fetches the room row by code if it is active.
func (g *Gateway) GetActiveRoom(ctx context.Context, code string) (*model.Room, error) {
	row := g.pool.QueryRow(ctx, `
		SELECT id, code, owner_id, created_at, is_active, is_private, password_hash, empty_since
		FROM rooms WHERE code = $1 AND is_active = true`, code)

	var r model.Room
	if err := row.Scan(&r.ID, &r.Code, &r.OwnerID, &r.CreatedAt, &r.IsActive, &r.IsPrivate, &r.PasswordHash, &r.EmptySince); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get active room: %w", err)
	}
	return &r, nil
}

// IsMemberActive reports whether (room, user) is an active membership row.
func (g *Gateway) IsMemberActive(ctx context.Context, roomID int64, userID string) (bool, error) {
	var active bool
	err := g.pool.QueryRow(ctx, `
		SELECT is_active FROM room_members WHERE room_id = $1 AND user_id = $2`, roomID, userID).Scan(&active)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: is member active: %w", err)
	}
	return active, nil
}

// ListActiveMembers returns every active member of room, ordered by
// joined_at ascending, joined against user profile fields (spec §4.C).
func (g *Gateway) ListActiveMembers(ctx context.Context, roomID int64) ([]model.PublicUser, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT u.id, u.display_name, u.avatar_url
		FROM room_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.room_id = $1 AND m.is_active = true
		ORDER BY m.joined_at ASC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("store: list active members: %w", err)
	}
	defer rows.Close()

	var out []model.PublicUser
	for rows.Next() {
		var u model.PublicUser
		if err := rows.Scan(&u.ID, &u.Name, &u.Avatar); err != nil {
			return nil, fmt.Errorf("store: scan member: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListActiveMemberIds is the id-only variant used by the engine's
// membership-count checks (spec §4.C "listActiveMemberIds").
func (g *Gateway) ListActiveMemberIds(ctx context.Context, code string) ([]string, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT m.user_id
		FROM room_members m
		JOIN rooms r ON r.id = m.room_id
		WHERE r.code = $1 AND m.is_active = true`, code)
	if err != nil {
		return nil, fmt.Errorf("store: list active member ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan member id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkMemberInactive flips a membership row inactive.
func (g *Gateway) MarkMemberInactive(ctx context.Context, roomID int64, userID string) error {
	_, err := g.pool.Exec(ctx, `
		UPDATE room_members SET is_active = false WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	if err != nil {
		return fmt.Errorf("store: mark member inactive: %w", err)
	}
	return nil
}

// SyncEmptySince sets or clears empty_since per invariant 6 ("empty_since
// is set iff the room has zero active members") and reports whether the
// room is now empty.
func (g *Gateway) SyncEmptySince(ctx context.Context, roomID int64) (bool, error) {
	var activeCount int
	if err := g.pool.QueryRow(ctx, `
		SELECT count(*) FROM room_members WHERE room_id = $1 AND is_active = true`, roomID).Scan(&activeCount); err != nil {
		return false, fmt.Errorf("store: count active members: %w", err)
	}

	if activeCount == 0 {
		if _, err := g.pool.Exec(ctx, `
			UPDATE rooms SET empty_since = now() WHERE id = $1 AND empty_since IS NULL`, roomID); err != nil {
			return false, fmt.Errorf("store: set empty_since: %w", err)
		}
		return true, nil
	}

	if _, err := g.pool.Exec(ctx, `
		UPDATE rooms SET empty_since = NULL WHERE id = $1 AND empty_since IS NOT NULL`, roomID); err != nil {
		return false, fmt.Errorf("store: clear empty_since: %w", err)
	}
	return false, nil
}

// IsUserAllowed reports whether a user may join: not banned, not
// soft-deleted, and has a non-empty display name (spec §4.C).
func (g *Gateway) IsUserAllowed(ctx context.Context, userID string) (bool, error) {
	var banned, deleted bool
	var name string
	err := g.pool.QueryRow(ctx, `
		SELECT is_banned, is_deleted, display_name FROM users WHERE id = $1`, userID).Scan(&banned, &deleted, &name)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: is user allowed: %w", err)
	}
	return !banned && !deleted && name != "", nil
}

// GetPublicUser returns the display fields safe to hand to the engine.
func (g *Gateway) GetPublicUser(ctx context.Context, userID string) (model.PublicUser, error) {
	var u model.PublicUser
	u.ID = userID
	err := g.pool.QueryRow(ctx, `
		SELECT display_name, avatar_url FROM users WHERE id = $1`, userID).Scan(&u.Name, &u.Avatar)
	if err == pgx.ErrNoRows {
		return model.PublicUser{}, fmt.Errorf("store: user %s not found", userID)
	}
	if err != nil {
		return model.PublicUser{}, fmt.Errorf("store: get public user: %w", err)
	}
	return u, nil
}

// RoomsSnapshot returns active rooms with their active-member counts,
// ordered by created_at descending, grounded on
// original_source/backend/realtime/lobby.py's rooms_snapshot().
func (g *Gateway) RoomsSnapshot(ctx context.Context, maxPlayers int) ([]model.RoomSummary, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT r.code, r.is_private,
		       count(m.user_id) FILTER (WHERE m.is_active = true) AS active_count
		FROM rooms r
		LEFT JOIN room_members m ON m.room_id = r.id
		WHERE r.is_active = true
		GROUP BY r.id
		ORDER BY r.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: rooms snapshot: %w", err)
	}
	defer rows.Close()

	var out []model.RoomSummary
	for rows.Next() {
		var s model.RoomSummary
		if err := rows.Scan(&s.Code, &s.IsPrivate, &s.ActiveCount); err != nil {
			return nil, fmt.Errorf("store: scan snapshot row: %w", err)
		}
		s.MaxPlayers = maxPlayers
		s.IsFull = s.ActiveCount >= maxPlayers
		out = append(out, s)
	}
	return out, rows.Err()
}
