package render

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/g960059/gsrfinder/internal/anchor"
	"github.com/g960059/gsrfinder/internal/anchorlist"
	"github.com/g960059/gsrfinder/internal/arsim"
	"github.com/g960059/gsrfinder/internal/cloudanchor"
)

type hostCount struct{ n int }

func (h *hostCount) OnCloudTaskComplete(anchor.Anchor) { h.n++ }

type panicRuntime struct{ anchor.Runtime }

func (panicRuntime) Update() error { panic("gl context lost") }

func newLoop(t *testing.T, rt anchor.Runtime, clk *clock.Mock, logger *zap.Logger) (*Loop, *cloudanchor.Coordinator, *anchorlist.List) {
	t.Helper()
	coord := cloudanchor.NewWithDeps(clk, logger, 0)
	coord.SetSession(rt)
	list := anchorlist.New()
	return NewLoop(rt, coord, list, Options{Clock: clk, Logger: logger, Interval: 10 * time.Millisecond}), coord, list
}

func TestFrameDeliversAndRefreshesAnchors(t *testing.T) {
	clk := clock.NewMock()
	session := arsim.NewSession(nil, clk, nil, arsim.Options{HostLatency: 20 * time.Millisecond})
	loop, coord, list := newLoop(t, session, clk, nil)

	local, err := session.CreateAnchor(anchor.PoseAt(1, 2, 3, mgl64.QuatIdent()))
	if err != nil {
		t.Fatalf("create anchor: %v", err)
	}
	list.Add(local)
	listener := &hostCount{}
	if err := coord.HostAnchor(local, listener); err != nil {
		t.Fatalf("host anchor: %v", err)
	}

	if err := loop.Frame(); err != nil {
		t.Fatalf("frame: %v", err)
	}
	if listener.n != 0 {
		t.Fatalf("host delivered before latency elapsed")
	}
	recs := list.Snapshot()
	if !recs[0].Visible || anchor.Position(recs[0].Transform) != (mgl64.Vec3{1, 2, 3}) {
		t.Fatalf("expected tracked anchor transform, got %+v", recs[0])
	}

	clk.Add(20 * time.Millisecond)
	if err := loop.Frame(); err != nil {
		t.Fatalf("frame: %v", err)
	}
	if listener.n != 1 {
		t.Fatalf("expected one host completion, got %d", listener.n)
	}
	if loop.Frames() != 2 || session.Frame() != 2 {
		t.Fatalf("expected 2 frames, got loop=%d session=%d", loop.Frames(), session.Frame())
	}
}

func TestFrameRecoversPanic(t *testing.T) {
	clk := clock.NewMock()
	loop, _, _ := newLoop(t, panicRuntime{arsim.NewSession(nil, clk, nil, arsim.Options{})}, clk, nil)
	err := loop.Frame()
	if err == nil {
		t.Fatalf("expected error from panicking frame")
	}
	if loop.Failures() != 1 || loop.Frames() != 1 {
		t.Fatalf("unexpected counters: frames=%d failures=%d", loop.Frames(), loop.Failures())
	}
}

func TestFrameStopsOnSessionError(t *testing.T) {
	clk := clock.NewMock()
	session := arsim.NewSession(nil, clk, nil, arsim.Options{})
	loop, _, _ := newLoop(t, session, clk, nil)
	_ = session.Close()
	if err := loop.Frame(); !errors.Is(err, arsim.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	clk := clock.NewMock()
	core, logs := observer.New(zapcore.InfoLevel)
	session := arsim.NewSession(nil, clk, nil, arsim.Options{})
	loop, _, _ := newLoop(t, session, clk, zap.New(core))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for loop.Frames() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("render loop did not tick, frames=%d", loop.Frames())
		}
		clk.Add(10 * time.Millisecond)
		runtime.Gosched()
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("render loop did not stop")
	}
	if logs.FilterMessage("render loop stopped").Len() != 1 {
		t.Fatalf("expected stop log")
	}
}
