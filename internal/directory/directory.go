// Package directory is the room directory: it allocates room codes, records
// which cloud anchor was hosted for a room, and streams those records to
// watchers.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/g960059/gsrfinder/internal/db"
	"github.com/g960059/gsrfinder/internal/model"
)

var (
	ErrNoListener    = errors.New("listener cannot be nil")
	ErrEmptyLocation = errors.New("location cannot be empty")
	ErrEmptyAnchorID = errors.New("cloud anchor id cannot be empty")
	ErrClosed        = errors.New("directory is closed")
)

// Listener receives rooms that carry a hosted anchor id. It runs on the
// subscription's own goroutine.
type Listener func(room model.Room)

type Directory struct {
	store  *db.Store
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	nextID int64
	subs   map[int64]*Subscription
	closed bool
}

func New(store *db.Store, clk clock.Clock, logger *zap.Logger) *Directory {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		store:  store,
		clock:  clk,
		logger: logger,
		subs:   map[int64]*Subscription{},
	}
}

func (d *Directory) NewRoomCode(ctx context.Context) (int64, error) {
	code, err := d.store.NextRoomCode(ctx)
	if err != nil {
		return 0, fmt.Errorf("new room code: %w", err)
	}
	d.logger.Debug("allocated room code", zap.Int64("room_code", code))
	return code, nil
}

// StoreAnchorID records cloudAnchorID for the room and notifies watchers.
func (d *Directory) StoreAnchorID(ctx context.Context, roomCode int64, location, cloudAnchorID string) (model.Room, error) {
	cloudAnchorID = strings.TrimSpace(cloudAnchorID)
	if cloudAnchorID == "" {
		return model.Room{}, ErrEmptyAnchorID
	}
	room := model.Room{
		RoomCode:       roomCode,
		Location:       strings.TrimSpace(location),
		DisplayName:    db.DefaultDisplayName,
		HostedAnchorID: cloudAnchorID,
		UpdatedAt:      d.clock.Now().UTC(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.UpsertRoom(ctx, room); err != nil {
		return model.Room{}, fmt.Errorf("store anchor id: %w", err)
	}
	for _, sub := range d.subs {
		if sub.matches(room) {
			sub.push(room)
		}
	}
	d.logger.Info("stored hosted anchor",
		zap.Int64("room_code", room.RoomCode),
		zap.String("location", room.Location),
		zap.String("cloud_anchor_id", cloudAnchorID),
	)
	return room, nil
}

func (d *Directory) Room(ctx context.Context, roomCode int64) (model.Room, error) {
	return d.store.GetRoom(ctx, roomCode)
}

// DeleteRoom removes the room record. Watchers are not notified; resolves
// already started for its anchor keep running.
func (d *Directory) DeleteRoom(ctx context.Context, roomCode int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.DeleteRoom(ctx, roomCode); err != nil {
		return err
	}
	d.logger.Info("deleted room", zap.Int64("room_code", roomCode))
	return nil
}

func (d *Directory) Rooms(ctx context.Context, location string) ([]model.Room, error) {
	return d.store.ListRooms(ctx, location)
}

// WatchRoom delivers the room's current record, if it has an anchor id, and
// every later update.
func (d *Directory) WatchRoom(ctx context.Context, roomCode int64, fn Listener) (*Subscription, error) {
	if fn == nil {
		return nil, ErrNoListener
	}
	return d.watch(ctx, &Subscription{roomCode: roomCode, fn: fn}, func() ([]model.Room, error) {
		room, err := d.store.GetRoom(ctx, roomCode)
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []model.Room{room}, nil
	})
}

// WatchLocation delivers every room stored for location, in room code
// order, and every later update to a room at that location.
func (d *Directory) WatchLocation(ctx context.Context, location string, fn Listener) (*Subscription, error) {
	if fn == nil {
		return nil, ErrNoListener
	}
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, ErrEmptyLocation
	}
	return d.watch(ctx, &Subscription{location: location, fn: fn}, func() ([]model.Room, error) {
		return d.store.ListRooms(ctx, location)
	})
}

func (d *Directory) watch(ctx context.Context, sub *Subscription, snapshot func() ([]model.Room, error)) (*Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	rooms, err := snapshot()
	if err != nil {
		return nil, fmt.Errorf("watch snapshot: %w", err)
	}
	d.nextID++
	sub.id = d.nextID
	sub.dir = d
	sub.logger = d.logger
	sub.wake = make(chan struct{}, 1)
	sub.done = make(chan struct{})
	d.subs[sub.id] = sub
	for _, room := range rooms {
		if sub.matches(room) {
			sub.push(room)
		}
	}
	go sub.run()
	return sub, nil
}

func (d *Directory) remove(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, id)
}

func (d *Directory) Watchers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Close cancels every subscription.
func (d *Directory) Close() {
	d.mu.Lock()
	d.closed = true
	subs := make([]*Subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		subs = append(subs, sub)
	}
	d.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}
