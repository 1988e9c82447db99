package arsim

import (
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"github.com/g960059/gsrfinder/internal/anchor"
)

// Cloud stands in for the cloud anchor service. It is shared by every
// session that should see the same hosted anchors.
type Cloud struct {
	mu           sync.Mutex
	hosted       map[string]mgl64.Mat4
	resolveFails map[string]anchor.CloudAnchorState
	hostFailure  anchor.CloudAnchorState
}

func NewCloud() *Cloud {
	return &Cloud{
		hosted:       map[string]mgl64.Mat4{},
		resolveFails: map[string]anchor.CloudAnchorState{},
	}
}

// Put stores a hosted anchor directly and returns its cloud id.
func (c *Cloud) Put(pose mgl64.Mat4) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := "ua-" + uuid.NewString()
	c.hosted[id] = pose
	return id
}

// FailHosting makes every later host operation end in state. Passing a
// non-error state restores normal hosting.
func (c *Cloud) FailHosting(state anchor.CloudAnchorState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !state.IsError() {
		c.hostFailure = anchor.CloudStateNone
		return
	}
	c.hostFailure = state
}

// FailResolve makes resolves of cloudAnchorID end in state.
func (c *Cloud) FailResolve(cloudAnchorID string, state anchor.CloudAnchorState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !state.IsError() {
		delete(c.resolveFails, cloudAnchorID)
		return
	}
	c.resolveFails[cloudAnchorID] = state
}

func (c *Cloud) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hosted)
}

func (c *Cloud) host(pose mgl64.Mat4) (anchor.CloudAnchorState, string) {
	c.mu.Lock()
	failure := c.hostFailure
	c.mu.Unlock()
	if failure != anchor.CloudStateNone {
		return failure, ""
	}
	return anchor.CloudStateSuccess, c.Put(pose)
}

func (c *Cloud) resolve(cloudAnchorID string) (mgl64.Mat4, anchor.CloudAnchorState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.resolveFails[cloudAnchorID]; ok {
		return mgl64.Ident4(), state
	}
	pose, ok := c.hosted[cloudAnchorID]
	if !ok {
		return mgl64.Ident4(), anchor.CloudStateErrorCloudIDNotFound
	}
	return pose, anchor.CloudStateSuccess
}
