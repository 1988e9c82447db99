// Package render runs the per-frame update: advance the AR session, let the
// cloud anchor coordinator deliver finished tasks, then refresh the anchors
// to draw.
package render

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/g960059/gsrfinder/internal/anchor"
	"github.com/g960059/gsrfinder/internal/anchorlist"
	"github.com/g960059/gsrfinder/internal/cloudanchor"
)

// DefaultFrameInterval is roughly 30 frames per second.
const DefaultFrameInterval = 33 * time.Millisecond

type Loop struct {
	runtime     anchor.Runtime
	coordinator *cloudanchor.Coordinator
	anchors     *anchorlist.List
	clock       clock.Clock
	logger      *zap.Logger
	interval    time.Duration

	frames   atomic.Int64
	failures atomic.Int64
}

type Options struct {
	Clock    clock.Clock
	Logger   *zap.Logger
	Interval time.Duration
}

func NewLoop(runtime anchor.Runtime, coordinator *cloudanchor.Coordinator, anchors *anchorlist.List, opts Options) *Loop {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultFrameInterval
	}
	return &Loop{
		runtime:     runtime,
		coordinator: coordinator,
		anchors:     anchors,
		clock:       opts.Clock,
		logger:      opts.Logger,
		interval:    opts.Interval,
	}
}

// Frame runs one frame. A failing or panicking step ends the frame early;
// the next frame starts fresh.
func (l *Loop) Frame() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("frame panicked: %v", r)
		}
		if err != nil {
			l.failures.Add(1)
		}
		l.frames.Add(1)
	}()
	if err := l.runtime.Update(); err != nil {
		return fmt.Errorf("session update: %w", err)
	}
	if err := l.coordinator.OnUpdate(); err != nil {
		return fmt.Errorf("cloud anchor update: %w", err)
	}
	l.anchors.UpdateTracking()
	return nil
}

// Run calls Frame every interval until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	ticker := l.clock.Ticker(l.interval)
	defer ticker.Stop()
	l.logger.Info("render loop started", zap.Duration("interval", l.interval))
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("render loop stopped",
				zap.Int64("frames", l.frames.Load()),
				zap.Int64("failures", l.failures.Load()),
			)
			return nil
		case <-ticker.C:
			if err := l.Frame(); err != nil {
				l.logger.Error("exception on the render loop", zap.Error(err))
			}
		}
	}
}

func (l *Loop) Frames() int64 {
	return l.frames.Load()
}

func (l *Loop) Failures() int64 {
	return l.failures.Load()
}
