// Package cloudanchor turns the polling cloud anchor API of an AR session into
// listener callbacks.
//
// Host and resolve operations are started against the session and recorded as
// pending. The render loop calls OnUpdate once per frame; every pending
// operation whose anchor reached a terminal state is delivered to its listener
// exactly once and forgotten. Success and error states are delivered alike,
// listeners inspect the anchor to tell them apart.
//
// A resolve that has produced no result NoResultTimeout after it was started
// gets a single OnShowResolveMessage notification. The deadline is shared by
// all pending resolves and is reset by each new ResolveAnchor call.
package cloudanchor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/g960059/gsrfinder/internal/anchor"
)

// NoResultTimeout is how long a resolve may run before listeners are told
// that no result is available yet.
const NoResultTimeout = 10 * time.Second

var (
	ErrNoSession       = errors.New("the session cannot be nil")
	ErrNilListener     = errors.New("the listener cannot be nil")
	ErrDuplicateHandle = errors.New("anchor handle is already pending")
)

// HostListener receives the result of a host operation.
type HostListener interface {
	OnCloudTaskComplete(a anchor.Anchor)
}

// ResolveListener receives the result of a resolve operation.
type ResolveListener interface {
	OnCloudTaskComplete(a anchor.Anchor)
	OnShowResolveMessage()
}

// Coordinator tracks pending cloud anchor operations for one AR session.
//
// Every method holds the same mutex for its whole duration, listener
// callbacks included. Listeners therefore run on the goroutine calling
// OnUpdate, must not block, and must not call back into the Coordinator.
type Coordinator struct {
	mu              sync.Mutex
	clock           clock.Clock
	logger          *zap.Logger
	noResultTimeout time.Duration

	session         anchor.Session
	pendingHost     *opTable
	pendingResolve  *opTable
	resolveDeadline time.Time
}

// Stats is a point-in-time view of the pending tables.
type Stats struct {
	PendingHost     int
	PendingResolve  int
	DeadlineActive  bool
	ResolveDeadline time.Time
}

func NewWithDeps(clk clock.Clock, logger *zap.Logger, noResultTimeout time.Duration) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if noResultTimeout <= 0 {
		noResultTimeout = NoResultTimeout
	}
	return &Coordinator{
		clock:           clk,
		logger:          logger,
		noResultTimeout: noResultTimeout,
		pendingHost:     newOpTable(),
		pendingResolve:  newOpTable(),
	}
}

// SetSession replaces the session used by later operations. Pending
// operations started on a previous session stay pending.
func (c *Coordinator) SetSession(session anchor.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session
}

// HostAnchor starts hosting local. listener is invoked from OnUpdate once the
// hosted anchor reaches a terminal state.
func (c *Coordinator) HostAnchor(local anchor.Anchor, listener HostListener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return fmt.Errorf("host cloud anchor: %w", ErrNoSession)
	}
	if listener == nil {
		return fmt.Errorf("host cloud anchor: %w", ErrNilListener)
	}
	hosted, err := c.session.HostCloudAnchor(local)
	if err != nil {
		return fmt.Errorf("host cloud anchor: %w", err)
	}
	if err := c.checkPending(hosted.Handle()); err != nil {
		return fmt.Errorf("host cloud anchor: %w", err)
	}
	c.pendingHost.add(&pendingOp{
		kind:   kindHost,
		anchor: hosted,
		host:   listener,
	})
	c.logger.Debug("hosting cloud anchor", zap.Stringer("handle", hosted.Handle()))
	return nil
}

// ResolveAnchor starts resolving cloudAnchorID and moves the shared
// no-result deadline to startTime plus the no-result timeout.
func (c *Coordinator) ResolveAnchor(cloudAnchorID string, listener ResolveListener, startTime time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return fmt.Errorf("resolve cloud anchor: %w", ErrNoSession)
	}
	if listener == nil {
		return fmt.Errorf("resolve cloud anchor: %w", ErrNilListener)
	}
	resolving, err := c.session.ResolveCloudAnchor(cloudAnchorID)
	if err != nil {
		return fmt.Errorf("resolve cloud anchor %s: %w", cloudAnchorID, err)
	}
	if err := c.checkPending(resolving.Handle()); err != nil {
		return fmt.Errorf("resolve cloud anchor %s: %w", cloudAnchorID, err)
	}
	c.resolveDeadline = startTime.Add(c.noResultTimeout)
	c.pendingResolve.add(&pendingOp{
		kind:      kindResolve,
		anchor:    resolving,
		resolve:   listener,
		startedAt: startTime,
	})
	c.logger.Debug("resolving cloud anchor",
		zap.String("cloud_anchor_id", cloudAnchorID),
		zap.Stringer("handle", resolving.Handle()),
	)
	return nil
}

// OnUpdate delivers every pending operation that reached a terminal state,
// host operations first, and fires the no-result notification when the
// deadline has passed. It must be called once per frame after the session
// has been updated.
func (c *Coordinator) OnUpdate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return fmt.Errorf("cloud anchor update: %w", ErrNoSession)
	}

	c.pendingHost.removeIf(c.deliverIfTerminal)
	c.pendingResolve.removeIf(c.deliverIfTerminal)

	if c.resolveDeadline.IsZero() || c.clock.Now().Before(c.resolveDeadline) {
		return nil
	}
	c.pendingResolve.each(func(op *pendingOp) {
		c.invoke(op, "OnShowResolveMessage", op.resolve.OnShowResolveMessage)
	})
	c.resolveDeadline = time.Time{}
	return nil
}

// ClearListeners drops pending host operations and the no-result deadline.
// Pending resolve operations are kept and are still delivered.
func (c *Coordinator) ClearListeners() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingHost.clear()
	c.resolveDeadline = time.Time{}
}

// DetachHosts drops the pending host operations owned by listener and
// detaches their anchors. It returns how many were dropped.
func (c *Coordinator) DetachHosts(listener HostListener) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	c.pendingHost.removeIf(func(op *pendingOp) bool {
		if op.host != listener {
			return false
		}
		op.anchor.Detach()
		n++
		return true
	})
	return n
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		PendingHost:     c.pendingHost.len(),
		PendingResolve:  c.pendingResolve.len(),
		DeadlineActive:  !c.resolveDeadline.IsZero(),
		ResolveDeadline: c.resolveDeadline,
	}
}

func (c *Coordinator) checkPending(h anchor.Handle) error {
	if c.pendingHost.has(h) || c.pendingResolve.has(h) {
		return fmt.Errorf("%w: %s", ErrDuplicateHandle, h)
	}
	return nil
}

func (c *Coordinator) deliverIfTerminal(op *pendingOp) bool {
	state := op.anchor.CloudAnchorState()
	if !state.IsTerminal() {
		return false
	}
	c.logger.Debug("cloud anchor task complete",
		zap.Stringer("kind", op.kind),
		zap.Stringer("handle", op.anchor.Handle()),
		zap.Stringer("state", state),
	)
	switch op.kind {
	case kindHost:
		c.invoke(op, "OnCloudTaskComplete", func() { op.host.OnCloudTaskComplete(op.anchor) })
	case kindResolve:
		c.logger.Debug("resolve finished", zap.Duration("elapsed", c.clock.Since(op.startedAt)))
		c.invoke(op, "OnCloudTaskComplete", func() { op.resolve.OnCloudTaskComplete(op.anchor) })
	}
	return true
}

// invoke runs one listener callback. A panicking listener is logged so the
// rest of the drain pass still runs.
func (c *Coordinator) invoke(op *pendingOp, callback string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("cloud anchor listener panicked",
				zap.String("callback", callback),
				zap.Stringer("kind", op.kind),
				zap.Stringer("handle", op.anchor.Handle()),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}
