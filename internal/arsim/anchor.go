package arsim

import (
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/g960059/gsrfinder/internal/anchor"
)

type simAnchor struct {
	session *Session
	handle  anchor.Handle

	mu       sync.Mutex
	pose     mgl64.Mat4
	state    anchor.CloudAnchorState
	cloudID  string
	tracking anchor.TrackingState
	detached bool
	readyAt  time.Time
	finish   func() (anchor.CloudAnchorState, string, mgl64.Mat4)
}

func (a *simAnchor) Handle() anchor.Handle {
	return a.handle
}

func (a *simAnchor) CloudAnchorState() anchor.CloudAnchorState {
	a.settle(a.session.clock.Now())
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *simAnchor) CloudAnchorID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cloudID
}

func (a *simAnchor) TrackingState() anchor.TrackingState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tracking
}

func (a *simAnchor) Pose() mgl64.Mat4 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pose
}

func (a *simAnchor) Detach() {
	a.detach()
	a.session.forget(a.handle)
}

func (a *simAnchor) detach() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detached = true
	a.tracking = anchor.TrackingStopped
	a.finish = nil
}

// settle applies the outcome of the pending cloud task once it is due.
func (a *simAnchor) settle(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finish == nil || a.detached || now.Before(a.readyAt) {
		return
	}
	state, cloudID, pose := a.finish()
	a.finish = nil
	a.state = state
	if state.IsError() {
		a.tracking = anchor.TrackingStopped
		return
	}
	a.cloudID = cloudID
	a.pose = pose
	a.tracking = anchor.Tracking
}
