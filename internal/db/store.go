package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/gsrfinder/internal/model"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidRoom = errors.New("invalid room")
)

const (
	DefaultDisplayName = "GSR Finder"
	lastRoomCodeKey    = "last_room_code"
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// NextRoomCode allocates a room code strictly greater than every code handed
// out or stored before.
func (s *Store) NextRoomCode(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin room code tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var last int64
	err = tx.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = ?`, lastRoomCodeKey).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read last room code: %w", err)
	}
	var maxStored sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(room_code) FROM rooms`).Scan(&maxStored); err != nil {
		return 0, fmt.Errorf("read max room code: %w", err)
	}
	if maxStored.Valid && maxStored.Int64 > last {
		last = maxStored.Int64
	}
	next := last + 1
	if _, err := tx.ExecContext(ctx, `
INSERT INTO counters(name, value) VALUES (?, ?)
ON CONFLICT(name) DO UPDATE SET value=excluded.value
`, lastRoomCodeKey, next); err != nil {
		return 0, fmt.Errorf("store last room code: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit room code: %w", err)
	}
	return next, nil
}

func (s *Store) UpsertRoom(ctx context.Context, room model.Room) error {
	if room.RoomCode <= 0 {
		return fmt.Errorf("%w: room code must be positive, got %d", ErrInvalidRoom, room.RoomCode)
	}
	room.Location = strings.TrimSpace(room.Location)
	room.HostedAnchorID = strings.TrimSpace(room.HostedAnchorID)
	if room.DisplayName == "" {
		room.DisplayName = DefaultDisplayName
	}
	if room.UpdatedAt.IsZero() {
		room.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO rooms(room_code, location, display_name, hosted_anchor_id, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(room_code) DO UPDATE SET
	location=excluded.location,
	display_name=excluded.display_name,
	hosted_anchor_id=excluded.hosted_anchor_id,
	updated_at=excluded.updated_at
`, room.RoomCode, room.Location, room.DisplayName, room.HostedAnchorID, ts(room.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert room %d: %w", room.RoomCode, err)
	}
	return nil
}

func (s *Store) GetRoom(ctx context.Context, roomCode int64) (model.Room, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT room_code, location, display_name, hosted_anchor_id, updated_at
FROM rooms WHERE room_code = ?
`, roomCode)
	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Room{}, ErrNotFound
	}
	if err != nil {
		return model.Room{}, fmt.Errorf("get room %d: %w", roomCode, err)
	}
	return room, nil
}

// ListRooms returns rooms ordered by room code. An empty location lists all
// rooms.
func (s *Store) ListRooms(ctx context.Context, location string) ([]model.Room, error) {
	query := `
SELECT room_code, location, display_name, hosted_anchor_id, updated_at
FROM rooms`
	args := []any{}
	if location = strings.TrimSpace(location); location != "" {
		query += ` WHERE location = ?`
		args = append(args, location)
	}
	query += ` ORDER BY room_code ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := []model.Room{}
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteRoom(ctx context.Context, roomCode int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE room_code = ?`, roomCode)
	if err != nil {
		return fmt.Errorf("delete room %d: %w", roomCode, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete room rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	switch table {
	case "rooms", "counters":
	default:
		return 0, fmt.Errorf("unsupported table: %s", table)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func scanRoom(scanner interface{ Scan(dest ...any) error }) (model.Room, error) {
	var (
		room      model.Room
		updatedAt string
	)
	if err := scanner.Scan(&room.RoomCode, &room.Location, &room.DisplayName, &room.HostedAnchorID, &updatedAt); err != nil {
		return model.Room{}, err
	}
	parsed, err := parseTS(updatedAt)
	if err != nil {
		return model.Room{}, fmt.Errorf("parse updated_at: %w", err)
	}
	room.UpdatedAt = parsed
	return room, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
