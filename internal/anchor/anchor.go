// Package anchor defines the boundary between gsrfinder and the AR runtime:
// anchor handles, the cloud anchor lifecycle states reported by the runtime,
// and the session operations the rest of the daemon consumes.
package anchor

import (
	"errors"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

var (
	ErrNilAnchor         = errors.New("anchor cannot be nil")
	ErrAnchorNotTracking = errors.New("anchor is not tracking")
)

// Handle identifies one anchor object owned by the AR runtime.
type Handle string

func NewHandle() Handle {
	return Handle(uuid.NewString())
}

func (h Handle) String() string {
	return string(h)
}

type TrackingState int

const (
	TrackingStopped TrackingState = iota
	TrackingPaused
	Tracking
)

func (s TrackingState) String() string {
	switch s {
	case Tracking:
		return "tracking"
	case TrackingPaused:
		return "paused"
	default:
		return "stopped"
	}
}

// Anchor is a pose tracked by the AR runtime. Implementations are owned by
// the runtime and may change state between frames.
type Anchor interface {
	Handle() Handle
	CloudAnchorState() CloudAnchorState
	// CloudAnchorID is empty until a host or resolve operation succeeds.
	CloudAnchorID() string
	TrackingState() TrackingState
	Pose() mgl64.Mat4
	Detach()
}

// Session is the subset of an AR session the cloud anchor coordinator needs.
// Both operations start asynchronous work and return immediately; progress is
// observed through the returned anchor's CloudAnchorState.
type Session interface {
	HostCloudAnchor(local Anchor) (Anchor, error)
	ResolveCloudAnchor(cloudAnchorID string) (Anchor, error)
}

// Runtime is a full AR session as driven by the render loop.
type Runtime interface {
	Session
	CreateAnchor(pose mgl64.Mat4) (Anchor, error)
	// Update advances the session by one frame.
	Update() error
}

// PoseAt returns a pose translated to (x, y, z) with the given rotation.
func PoseAt(x, y, z float64, rotation mgl64.Quat) mgl64.Mat4 {
	return mgl64.Translate3D(x, y, z).Mul4(rotation.Normalize().Mat4())
}

// Position extracts the translation component of a pose.
func Position(pose mgl64.Mat4) mgl64.Vec3 {
	return pose.Col(3).Vec3()
}
