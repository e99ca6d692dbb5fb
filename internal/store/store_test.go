package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const schema = `
CREATE TABLE users (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	avatar_url TEXT NOT NULL DEFAULT '',
	is_banned BOOLEAN NOT NULL DEFAULT false,
	is_deleted BOOLEAN NOT NULL DEFAULT false
);
CREATE TABLE rooms (
	id BIGSERIAL PRIMARY KEY,
	code TEXT UNIQUE NOT NULL,
	owner_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_active BOOLEAN NOT NULL DEFAULT true,
	is_private BOOLEAN NOT NULL DEFAULT false,
	password_hash TEXT NOT NULL DEFAULT '',
	empty_since TIMESTAMPTZ
);
CREATE TABLE room_members (
	room_id BIGINT NOT NULL REFERENCES rooms(id),
	user_id TEXT NOT NULL,
	joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_active BOOLEAN NOT NULL DEFAULT true,
	PRIMARY KEY (room_id, user_id)
);
`

// newTestGateway spins up a disposable Postgres container, grounded on the
// reference repo's own testcontainers-go/modules/postgres dependency
// (declared but never exercised by a checked-in test there).
func newTestGateway(t *testing.T) *Gateway {
	if testing.Short() {
		t.Skip("skipping testcontainers-backed test in -short mode")
	}
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("doodleroom"),
		postgres.WithUsername("doodleroom"),
		postgres.WithPassword("doodleroom"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, schema)
	require.NoError(t, err)

	return New(pool)
}

func seedRoom(t *testing.T, g *Gateway, code, ownerID string) int64 {
	t.Helper()
	var id int64
	err := g.pool.QueryRow(context.Background(), `
		INSERT INTO rooms (code, owner_id) VALUES ($1, $2) RETURNING id`, code, ownerID).Scan(&id)
	require.NoError(t, err)
	return id
}

func seedUser(t *testing.T, g *Gateway, id, name string) {
	t.Helper()
	_, err := g.pool.Exec(context.Background(), `
		INSERT INTO users (id, display_name) VALUES ($1, $2)`, id, name)
	require.NoError(t, err)
}

func seedMember(t *testing.T, g *Gateway, roomID int64, userID string) {
	t.Helper()
	_, err := g.pool.Exec(context.Background(), `
		INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)`, roomID, userID)
	require.NoError(t, err)
}

func TestGetActiveRoom(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	roomID := seedRoom(t, g, "ABCD", "owner1")

	room, err := g.GetActiveRoom(ctx, "ABCD")
	require.NoError(t, err)
	require.NotNil(t, room)
	require.Equal(t, roomID, room.ID)
	require.Equal(t, "ABCD", room.Code)

	missing, err := g.GetActiveRoom(ctx, "ZZZZ")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestListActiveMemberIds(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	roomID := seedRoom(t, g, "ABCD", "owner1")
	seedMember(t, g, roomID, "u1")
	seedMember(t, g, roomID, "u2")
	require.NoError(t, g.MarkMemberInactive(ctx, roomID, "u2"))

	ids, err := g.ListActiveMemberIds(ctx, "ABCD")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"u1"}, ids)
}

func TestSyncEmptySinceTogglesOnMembership(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	roomID := seedRoom(t, g, "ABCD", "owner1")
	seedMember(t, g, roomID, "u1")

	empty, err := g.SyncEmptySince(ctx, roomID)
	require.NoError(t, err)
	require.False(t, empty)

	require.NoError(t, g.MarkMemberInactive(ctx, roomID, "u1"))
	empty, err = g.SyncEmptySince(ctx, roomID)
	require.NoError(t, err)
	require.True(t, empty)
}

func TestIsUserAllowed(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	seedUser(t, g, "u1", "Alice")
	_, err := g.pool.Exec(ctx, `INSERT INTO users (id, display_name, is_banned) VALUES ($1, $2, true)`, "banned1", "Bob")
	require.NoError(t, err)

	allowed, err := g.IsUserAllowed(ctx, "u1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = g.IsUserAllowed(ctx, "banned1")
	require.NoError(t, err)
	require.False(t, allowed)

	allowed, err = g.IsUserAllowed(ctx, "missing")
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestRoomsSnapshot(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	roomID := seedRoom(t, g, "ABCD", "owner1")
	seedMember(t, g, roomID, "u1")
	seedMember(t, g, roomID, "u2")

	rooms, err := g.RoomsSnapshot(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	require.Equal(t, "ABCD", rooms[0].Code)
	require.Equal(t, 2, rooms[0].ActiveCount)
	require.True(t, rooms[0].IsFull)
}
