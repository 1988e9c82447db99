// Package arsim is an in-process AR runtime. It hosts and resolves cloud
// anchors against a shared Cloud with configurable latency so the daemon and
// tests can run the full host/resolve flow without a device.
package arsim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"github.com/g960059/gsrfinder/internal/anchor"
)

var ErrSessionClosed = errors.New("session is closed")

const (
	DefaultHostLatency    = 2 * time.Second
	DefaultResolveLatency = 3 * time.Second
)

type Options struct {
	HostLatency    time.Duration
	ResolveLatency time.Duration
}

// Session implements anchor.Runtime.
type Session struct {
	clock  clock.Clock
	logger *zap.Logger
	cloud  *Cloud
	opts   Options

	mu      sync.Mutex
	anchors map[anchor.Handle]*simAnchor
	frame   int64
	closed  bool
}

var _ anchor.Runtime = (*Session)(nil)

func NewSession(cloud *Cloud, clk clock.Clock, logger *zap.Logger, opts Options) *Session {
	if cloud == nil {
		cloud = NewCloud()
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HostLatency < 0 {
		opts.HostLatency = 0
	}
	if opts.ResolveLatency < 0 {
		opts.ResolveLatency = 0
	}
	return &Session{
		clock:   clk,
		logger:  logger,
		cloud:   cloud,
		opts:    opts,
		anchors: map[anchor.Handle]*simAnchor{},
	}
}

func (s *Session) Cloud() *Cloud {
	return s.cloud
}

// CreateAnchor places a local, tracking anchor at pose.
func (s *Session) CreateAnchor(pose mgl64.Mat4) (anchor.Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	a := s.newAnchorLocked(pose, anchor.CloudStateNone, anchor.Tracking)
	return a, nil
}

func (s *Session) HostCloudAnchor(local anchor.Anchor) (anchor.Anchor, error) {
	if local == nil {
		return nil, anchor.ErrNilAnchor
	}
	if local.TrackingState() != anchor.Tracking {
		return nil, fmt.Errorf("host %s: %w", local.Handle(), anchor.ErrAnchorNotTracking)
	}
	pose := local.Pose()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	a := s.newAnchorLocked(pose, anchor.CloudStateTaskInProgress, anchor.Tracking)
	a.readyAt = s.clock.Now().Add(s.opts.HostLatency)
	a.finish = func() (anchor.CloudAnchorState, string, mgl64.Mat4) {
		state, cloudID := s.cloud.host(pose)
		return state, cloudID, pose
	}
	s.logger.Debug("simulated host started", zap.Stringer("handle", a.handle))
	return a, nil
}

func (s *Session) ResolveCloudAnchor(cloudAnchorID string) (anchor.Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	a := s.newAnchorLocked(mgl64.Ident4(), anchor.CloudStateTaskInProgress, anchor.TrackingPaused)
	a.readyAt = s.clock.Now().Add(s.opts.ResolveLatency)
	a.finish = func() (anchor.CloudAnchorState, string, mgl64.Mat4) {
		pose, state := s.cloud.resolve(cloudAnchorID)
		return state, cloudAnchorID, pose
	}
	s.logger.Debug("simulated resolve started",
		zap.Stringer("handle", a.handle),
		zap.String("cloud_anchor_id", cloudAnchorID),
	)
	return a, nil
}

// Update advances one frame and settles every anchor whose cloud task is due.
func (s *Session) Update() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.frame++
	anchors := make([]*simAnchor, 0, len(s.anchors))
	for _, a := range s.anchors {
		anchors = append(anchors, a)
	}
	s.mu.Unlock()

	now := s.clock.Now()
	for _, a := range anchors {
		a.settle(now)
	}
	return nil
}

func (s *Session) Frame() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// Close stops the session and detaches every anchor it created.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	anchors := s.anchors
	s.anchors = map[anchor.Handle]*simAnchor{}
	s.mu.Unlock()

	for _, a := range anchors {
		a.detach()
	}
	return nil
}

func (s *Session) newAnchorLocked(pose mgl64.Mat4, state anchor.CloudAnchorState, tracking anchor.TrackingState) *simAnchor {
	a := &simAnchor{
		session:  s,
		handle:   anchor.NewHandle(),
		pose:     pose,
		state:    state,
		tracking: tracking,
	}
	s.anchors[a.handle] = a
	return a
}

func (s *Session) forget(h anchor.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.anchors, h)
}
