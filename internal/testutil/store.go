package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/gsrfinder/internal/db"
	"github.com/g960059/gsrfinder/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "gsrfinder-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedRoom allocates a room code and stores cloudAnchorID for location.
func SeedRoom(t *testing.T, store *db.Store, ctx context.Context, location, cloudAnchorID string) model.Room {
	t.Helper()
	code, err := store.NextRoomCode(ctx)
	if err != nil {
		t.Fatalf("seed room code: %v", err)
	}
	room := model.Room{
		RoomCode:       code,
		Location:       location,
		DisplayName:    db.DefaultDisplayName,
		HostedAnchorID: cloudAnchorID,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := store.UpsertRoom(ctx, room); err != nil {
		t.Fatalf("seed room: %v", err)
	}
	return room
}
