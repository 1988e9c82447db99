// Package hostresolve drives the user-level host and resolve flows on top of
// the cloud anchor coordinator and the room directory.
//
// Lock order is Controller, then Coordinator, then flow state. Listeners
// invoked by the Coordinator only take flow locks, so they never call back
// into the Controller. Directory writes triggered by a hosted anchor run on
// their own goroutine after the listener returns.
package hostresolve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"github.com/g960059/gsrfinder/internal/anchor"
	"github.com/g960059/gsrfinder/internal/anchorlist"
	"github.com/g960059/gsrfinder/internal/cloudanchor"
	"github.com/g960059/gsrfinder/internal/directory"
	"github.com/g960059/gsrfinder/internal/model"
)

var (
	ErrBusy          = errors.New("another host or resolve flow is active")
	ErrNotHosting    = errors.New("not in hosting mode")
	ErrAnchorPlaced  = errors.New("an anchor was already placed for this room")
	ErrEmptyLocation = errors.New("location cannot be empty")
	ErrInvalidRoom   = errors.New("room code must be positive")
)

const (
	msgOnHost           = "Requesting a room code..."
	msgRoomCodeReady    = "Room code %d is ready. Tap a surface to place the anchor."
	msgAnchorPlaced     = "Anchor placed. Hosting it in the cloud..."
	msgCloudIDShared    = "Cloud anchor shared in room %d."
	msgHostError        = "Error hosting the anchor: %s"
	msgDirectoryError   = "The room directory is unavailable."
	msgOnResolve        = "Looking for anchors at %s..."
	msgOnResolveRoom    = "Looking for the anchor in room %d..."
	msgResolveSuccess   = "Anchor resolved."
	msgResolveError     = "Error resolving the anchor in room %d: %s"
	msgResolveNoResult  = "Still looking. Move the device around the spot where the anchor was placed."
	msgHostInconsistent = "A second cloud anchor id was produced for room %d."
)

type Deps struct {
	Runtime     anchor.Runtime
	Coordinator *cloudanchor.Coordinator
	Directory   *directory.Directory
	Anchors     *anchorlist.List
	Notifier    Notifier
	Clock       clock.Clock
	Logger      *zap.Logger
	// Location is the room the host flow stores anchors under.
	Location string
}

// Status is a snapshot of the controller.
type Status struct {
	Mode     model.Mode
	RoomCode int64
	Location string
	Placed   bool
	Anchors  int
}

type Controller struct {
	runtime     anchor.Runtime
	coordinator *cloudanchor.Coordinator
	directory   *directory.Directory
	anchors     *anchorlist.List
	notifier    Notifier
	clock       clock.Clock
	logger      *zap.Logger

	mu           sync.Mutex
	mode         model.Mode
	hostLocation string
	host         *hostFlow
	resolve      *resolveFlow

	// writes tracks directory writes started by host flows.
	writes sync.WaitGroup
}

func New(deps Deps) *Controller {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Anchors == nil {
		deps.Anchors = anchorlist.New()
	}
	if deps.Notifier == nil {
		deps.Notifier = NewRing(DefaultRingSize)
	}
	return &Controller{
		runtime:      deps.Runtime,
		coordinator:  deps.Coordinator,
		directory:    deps.Directory,
		anchors:      deps.Anchors,
		notifier:     deps.Notifier,
		clock:        deps.Clock,
		logger:       deps.Logger,
		mode:         model.ModeNone,
		hostLocation: strings.TrimSpace(deps.Location),
	}
}

func (c *Controller) Anchors() *anchorlist.List {
	return c.anchors
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{Mode: c.mode, Anchors: c.anchors.Len()}
	switch {
	case c.host != nil:
		st.RoomCode, _, st.Placed = c.host.snapshot()
		st.Location = c.host.location
	case c.resolve != nil:
		st.Location = c.resolve.location
		st.RoomCode = c.resolve.roomCode
	}
	return st
}

// StartHost allocates a room code and enters hosting mode. location
// overrides the configured host location when non-empty.
func (c *Controller) StartHost(ctx context.Context, location string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != model.ModeNone || c.host != nil {
		return 0, ErrBusy
	}
	location = strings.TrimSpace(location)
	if location == "" {
		location = c.hostLocation
	}
	if location == "" {
		return 0, ErrEmptyLocation
	}
	flow := &hostFlow{ctrl: c, location: location}
	c.host = flow
	c.notify(model.MessageInfo, msgOnHost)

	code, err := c.directory.NewRoomCode(ctx)
	if err != nil {
		c.host = nil
		c.logger.Warn("room code allocation failed", zap.Error(err))
		c.notify(model.MessageError, msgDirectoryError)
		return 0, fmt.Errorf("start host: %w", err)
	}
	flow.onRoomCode(ctx, code)
	// Hosting only begins once the room code is known so the anchor id
	// always has somewhere to go.
	c.mode = model.ModeHosting
	c.logger.Info("hosting started", zap.Int64("room_code", code), zap.String("location", location))
	return code, nil
}

// PlaceAnchor creates a local anchor at pose and starts hosting it.
func (c *Controller) PlaceAnchor(pose mgl64.Mat4) (anchor.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != model.ModeHosting || c.host == nil {
		return "", ErrNotHosting
	}
	if !c.host.markPlaced() {
		return "", ErrAnchorPlaced
	}
	local, err := c.runtime.CreateAnchor(pose)
	if err != nil {
		c.host.unmarkPlaced()
		return "", fmt.Errorf("place anchor: %w", err)
	}
	if err := c.coordinator.HostAnchor(local, c.host); err != nil {
		c.host.unmarkPlaced()
		local.Detach()
		return "", fmt.Errorf("place anchor: %w", err)
	}
	c.anchors.Add(local)
	c.notify(model.MessageInfo, msgAnchorPlaced)
	return local.Handle(), nil
}

// StartResolve drops the anchors on screen and resolves every anchor hosted
// for location, including ones hosted later.
func (c *Controller) StartResolve(ctx context.Context, location string) error {
	location = strings.TrimSpace(location)
	if location == "" {
		return ErrEmptyLocation
	}
	flow := &resolveFlow{ctrl: c, location: location, rooms: map[int64]string{}}
	return c.startResolve(flow, func() (*directory.Subscription, error) {
		return c.directory.WatchLocation(ctx, location, flow.onRoom)
	}, fmt.Sprintf(msgOnResolve, location))
}

// StartResolveRoom resolves the anchor hosted in one room, waiting for it
// if the room has no anchor yet.
func (c *Controller) StartResolveRoom(ctx context.Context, roomCode int64) error {
	if roomCode <= 0 {
		return ErrInvalidRoom
	}
	flow := &resolveFlow{ctrl: c, roomCode: roomCode, rooms: map[int64]string{}}
	return c.startResolve(flow, func() (*directory.Subscription, error) {
		return c.directory.WatchRoom(ctx, roomCode, flow.onRoom)
	}, fmt.Sprintf(msgOnResolveRoom, roomCode))
}

func (c *Controller) startResolve(flow *resolveFlow, watch func() (*directory.Subscription, error), msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != model.ModeNone || c.host != nil {
		return ErrBusy
	}
	c.anchors.Clear()

	sub, err := watch()
	if err != nil {
		c.logger.Warn("watch rooms failed",
			zap.String("location", flow.location),
			zap.Int64("room_code", flow.roomCode),
			zap.Error(err),
		)
		c.notify(model.MessageError, msgDirectoryError)
		return fmt.Errorf("start resolve: %w", err)
	}
	flow.sub = sub
	c.resolve = flow
	c.mode = model.ModeResolving
	c.notify(model.MessageInfo, msg)
	c.logger.Info("resolving started", zap.String("location", flow.location), zap.Int64("room_code", flow.roomCode))
	return nil
}

// Reset abandons the active flow, detaches every anchor and returns to
// ModeNone. Resolves already started on the coordinator still complete but
// their results are dropped.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolve != nil {
		c.resolve.cancel()
		c.resolve = nil
	}
	if c.host != nil {
		c.host.cancel()
		if n := c.coordinator.DetachHosts(c.host); n > 0 {
			c.logger.Debug("detached in-flight hosted anchors", zap.Int("count", n))
		}
		c.host = nil
	}
	c.anchors.Clear()
	c.notifier.Dismiss()
	c.coordinator.ClearListeners()
	c.mode = model.ModeNone
	c.logger.Debug("host/resolve reset")
}

// Wait blocks until directory writes started by host flows have finished.
func (c *Controller) Wait() {
	c.writes.Wait()
}

func (c *Controller) notify(level model.MessageLevel, text string) {
	c.notifier.Notify(model.Message{Level: level, Text: text, CreatedAt: c.clock.Now().UTC()})
}
