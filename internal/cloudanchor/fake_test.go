package cloudanchor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/g960059/gsrfinder/internal/anchor"
)

// fakeAnchor reports scripted cloud states: each query consumes one entry
// until the last, which repeats.
type fakeAnchor struct {
	mu       sync.Mutex
	handle   anchor.Handle
	cloudID  string
	script   []anchor.CloudAnchorState
	queries  int
	detached bool
}

func newFakeAnchor(handle string, script ...anchor.CloudAnchorState) *fakeAnchor {
	if len(script) == 0 {
		script = []anchor.CloudAnchorState{anchor.CloudStateTaskInProgress}
	}
	return &fakeAnchor{handle: anchor.Handle(handle), script: script}
}

func (a *fakeAnchor) Handle() anchor.Handle { return a.handle }

func (a *fakeAnchor) CloudAnchorState() anchor.CloudAnchorState {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queries++
	state := a.script[0]
	if len(a.script) > 1 {
		a.script = a.script[1:]
	}
	return state
}

// set replaces the script with a single state.
func (a *fakeAnchor) set(state anchor.CloudAnchorState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script = []anchor.CloudAnchorState{state}
}

func (a *fakeAnchor) CloudAnchorID() string               { return a.cloudID }
func (a *fakeAnchor) TrackingState() anchor.TrackingState { return anchor.Tracking }
func (a *fakeAnchor) Pose() mgl64.Mat4                    { return mgl64.Ident4() }

func (a *fakeAnchor) Detach() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detached = true
}

func (a *fakeAnchor) isDetached() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.detached
}

type fakeSession struct {
	mu         sync.Mutex
	queue      []*fakeAnchor
	hosted     []anchor.Anchor
	resolved   []string
	err        error
	nextHandle int
}

func (s *fakeSession) enqueue(anchors ...*fakeAnchor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, anchors...)
}

func (s *fakeSession) next() *fakeAnchor {
	if len(s.queue) > 0 {
		a := s.queue[0]
		s.queue = s.queue[1:]
		return a
	}
	s.nextHandle++
	return newFakeAnchor(fmt.Sprintf("auto-%d", s.nextHandle))
}

func (s *fakeSession) HostCloudAnchor(local anchor.Anchor) (anchor.Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.hosted = append(s.hosted, local)
	return s.next(), nil
}

func (s *fakeSession) ResolveCloudAnchor(cloudAnchorID string) (anchor.Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.resolved = append(s.resolved, cloudAnchorID)
	return s.next(), nil
}

var errSessionBroken = errors.New("session broken")

type hostRecorder struct {
	mu        sync.Mutex
	completed []anchor.Anchor
}

func (r *hostRecorder) OnCloudTaskComplete(a anchor.Anchor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, a)
}

func (r *hostRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed)
}

type resolveRecorder struct {
	hostRecorder
	messages int
}

func (r *resolveRecorder) OnShowResolveMessage() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages++
}

func (r *resolveRecorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages
}

type panicListener struct{}

func (panicListener) OnCloudTaskComplete(anchor.Anchor) { panic("listener exploded") }
func (panicListener) OnShowResolveMessage()             { panic("message exploded") }
