package hostresolve

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/g960059/gsrfinder/internal/anchor"
	"github.com/g960059/gsrfinder/internal/cloudanchor"
	"github.com/g960059/gsrfinder/internal/directory"
	"github.com/g960059/gsrfinder/internal/model"
)

// hostFlow waits for both the room code and the hosted cloud anchor id and
// stores the id in the room once both are known.
type hostFlow struct {
	ctrl      *Controller
	location  string
	cancelled atomic.Bool

	mu       sync.Mutex
	ctx      context.Context
	roomCode int64
	cloudID  string
	placed   bool
	sharing  bool
}

var _ cloudanchor.HostListener = (*hostFlow)(nil)

func (f *hostFlow) onRoomCode(ctx context.Context, code int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctx = context.WithoutCancel(ctx)
	f.roomCode = code
	f.ctrl.notify(model.MessageInfo, fmt.Sprintf(msgRoomCodeReady, code))
	f.maybeShareLocked()
}

func (f *hostFlow) OnCloudTaskComplete(a anchor.Anchor) {
	if f.cancelled.Load() {
		a.Detach()
		return
	}
	state := a.CloudAnchorState()
	f.mu.Lock()
	defer f.mu.Unlock()
	if state.IsError() {
		f.ctrl.logger.Warn("hosting cloud anchor failed",
			zap.Int64("room_code", f.roomCode),
			zap.Stringer("state", state),
		)
		f.ctrl.notify(model.MessageError, fmt.Sprintf(msgHostError, state))
		// allow another placement in the same room
		f.placed = false
		a.Detach()
		return
	}
	if f.cloudID != "" {
		f.ctrl.logger.Error("cloud anchor id produced twice",
			zap.Int64("room_code", f.roomCode),
			zap.String("first", f.cloudID),
			zap.String("second", a.CloudAnchorID()),
		)
		f.ctrl.notify(model.MessageError, fmt.Sprintf(msgHostInconsistent, f.roomCode))
		return
	}
	f.cloudID = a.CloudAnchorID()
	f.ctrl.anchors.Add(a)
	f.maybeShareLocked()
}

// maybeShareLocked hands the directory write to a goroutine. The host
// listener runs under the coordinator lock and must not wait on storage.
func (f *hostFlow) maybeShareLocked() {
	if f.roomCode == 0 || f.cloudID == "" || f.sharing {
		return
	}
	f.sharing = true
	f.ctrl.writes.Add(1)
	go f.share(f.ctx, f.roomCode, f.cloudID)
}

func (f *hostFlow) share(ctx context.Context, roomCode int64, cloudID string) {
	defer f.ctrl.writes.Done()
	if f.cancelled.Load() {
		return
	}
	_, err := f.ctrl.directory.StoreAnchorID(ctx, roomCode, f.location, cloudID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.sharing = false
		f.ctrl.logger.Warn("store hosted anchor failed", zap.Int64("room_code", roomCode), zap.Error(err))
		f.ctrl.notify(model.MessageError, msgDirectoryError)
		return
	}
	f.ctrl.notify(model.MessageInfo, fmt.Sprintf(msgCloudIDShared, roomCode))
}

func (f *hostFlow) markPlaced() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placed {
		return false
	}
	f.placed = true
	return true
}

func (f *hostFlow) unmarkPlaced() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = false
}

func (f *hostFlow) snapshot() (int64, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roomCode, f.cloudID, f.placed
}

func (f *hostFlow) cancel() {
	f.cancelled.Store(true)
}

// resolveFlow resolves every anchor id published for one location, or for
// one room code when location is empty.
type resolveFlow struct {
	ctrl      *Controller
	location  string
	roomCode  int64
	sub       *directory.Subscription
	cancelled atomic.Bool

	// mu is held across ResolveAnchor so cancel cannot interleave with a
	// resolve being started.
	mu    sync.Mutex
	rooms map[int64]string
}

func (f *resolveFlow) onRoom(room model.Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled.Load() {
		return
	}
	if f.rooms[room.RoomCode] == room.HostedAnchorID {
		return
	}
	f.rooms[room.RoomCode] = room.HostedAnchorID
	l := &resolveListener{flow: f, roomCode: room.RoomCode}
	if err := f.ctrl.coordinator.ResolveAnchor(room.HostedAnchorID, l, f.ctrl.clock.Now()); err != nil {
		f.ctrl.logger.Warn("resolve cloud anchor failed",
			zap.Int64("room_code", room.RoomCode),
			zap.String("cloud_anchor_id", room.HostedAnchorID),
			zap.Error(err),
		)
		f.ctrl.notify(model.MessageError, fmt.Sprintf(msgResolveError, room.RoomCode, err))
		return
	}
	f.ctrl.logger.Debug("resolving room anchor",
		zap.Int64("room_code", room.RoomCode),
		zap.String("cloud_anchor_id", room.HostedAnchorID),
	)
}

func (f *resolveFlow) cancel() {
	f.mu.Lock()
	f.cancelled.Store(true)
	f.mu.Unlock()
	if f.sub != nil {
		f.sub.Cancel()
	}
}

// resolveListener only touches atomics, the anchor list and the notifier,
// since it runs under the coordinator lock.
type resolveListener struct {
	flow     *resolveFlow
	roomCode int64
}

var _ cloudanchor.ResolveListener = (*resolveListener)(nil)

func (l *resolveListener) OnCloudTaskComplete(a anchor.Anchor) {
	ctrl := l.flow.ctrl
	if l.flow.cancelled.Load() {
		a.Detach()
		return
	}
	state := a.CloudAnchorState()
	if state.IsError() {
		ctrl.logger.Warn("resolving cloud anchor failed",
			zap.Int64("room_code", l.roomCode),
			zap.Stringer("state", state),
		)
		ctrl.notify(model.MessageError, fmt.Sprintf(msgResolveError, l.roomCode, state))
		return
	}
	ctrl.anchors.Add(a)
	ctrl.notify(model.MessageInfo, msgResolveSuccess)
}

func (l *resolveListener) OnShowResolveMessage() {
	if l.flow.cancelled.Load() {
		return
	}
	l.flow.ctrl.notify(model.MessageInfo, msgResolveNoResult)
}
