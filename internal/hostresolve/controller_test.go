package hostresolve

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-gl/mathgl/mgl64"

	"github.com/g960059/gsrfinder/internal/anchor"
	"github.com/g960059/gsrfinder/internal/arsim"
	"github.com/g960059/gsrfinder/internal/cloudanchor"
	"github.com/g960059/gsrfinder/internal/db"
	"github.com/g960059/gsrfinder/internal/directory"
	"github.com/g960059/gsrfinder/internal/model"
	"github.com/g960059/gsrfinder/internal/testutil"
)

type harness struct {
	ctx     context.Context
	clock   *clock.Mock
	store   *db.Store
	session *arsim.Session
	coord   *cloudanchor.Coordinator
	dir     *directory.Directory
	ring    *Ring
	ctrl    *Controller
}

func newHarness(t *testing.T, opts arsim.Options) *harness {
	t.Helper()
	store, ctx := testutil.NewStore(t)
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	session := arsim.NewSession(arsim.NewCloud(), clk, nil, opts)
	coord := cloudanchor.NewWithDeps(clk, nil, cloudanchor.NoResultTimeout)
	coord.SetSession(session)
	dir := directory.New(store, clk, nil)
	t.Cleanup(dir.Close)
	ring := NewRing(16)
	ctrl := New(Deps{
		Runtime:     session,
		Coordinator: coord,
		Directory:   dir,
		Notifier:    ring,
		Clock:       clk,
		Location:    "SCIS 1 GSR 2-4",
	})
	return &harness{ctx: ctx, clock: clk, store: store, session: session, coord: coord, dir: dir, ring: ring, ctrl: ctrl}
}

// frame advances the mock clock and runs one render frame.
func (h *harness) frame(t *testing.T, d time.Duration) {
	t.Helper()
	h.clock.Add(d)
	if err := h.session.Update(); err != nil {
		t.Fatalf("session update: %v", err)
	}
	if err := h.coord.OnUpdate(); err != nil {
		t.Fatalf("coordinator update: %v", err)
	}
}

func (h *harness) hasMessage(prefix string) bool {
	for _, msg := range h.ring.Recent(0) {
		if strings.HasPrefix(msg.Text, prefix) {
			return true
		}
	}
	return false
}

func (h *harness) countMessages(text string) int {
	n := 0
	for _, msg := range h.ring.Recent(0) {
		if msg.Text == text {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func pose() mgl64.Mat4 {
	return anchor.PoseAt(0.5, 0, -1, mgl64.QuatIdent())
}

func TestHostFlowStoresAnchorID(t *testing.T) {
	h := newHarness(t, arsim.Options{HostLatency: 2 * time.Second})
	code, err := h.ctrl.StartHost(h.ctx, "")
	if err != nil {
		t.Fatalf("start host: %v", err)
	}
	if st := h.ctrl.Status(); st.Mode != model.ModeHosting || st.RoomCode != code {
		t.Fatalf("unexpected status after start host: %+v", st)
	}
	if _, err := h.ctrl.PlaceAnchor(pose()); err != nil {
		t.Fatalf("place anchor: %v", err)
	}

	h.frame(t, time.Second)
	if _, err := h.store.GetRoom(h.ctx, code); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("room stored before hosting finished: %v", err)
	}

	h.frame(t, time.Second)
	h.ctrl.Wait()
	room, err := h.store.GetRoom(h.ctx, code)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if room.Location != "SCIS 1 GSR 2-4" || !strings.HasPrefix(room.HostedAnchorID, "ua-") {
		t.Fatalf("unexpected stored room: %+v", room)
	}
	if !h.hasMessage("Cloud anchor shared in room") {
		t.Fatalf("expected shared message, got %+v", h.ring.Recent(0))
	}
	// local anchor plus the hosted one
	if got := h.ctrl.Anchors().Len(); got != 2 {
		t.Fatalf("expected 2 anchors, got %d", got)
	}
}

func TestHostFlowGuards(t *testing.T) {
	h := newHarness(t, arsim.Options{})
	if _, err := h.ctrl.PlaceAnchor(pose()); !errors.Is(err, ErrNotHosting) {
		t.Fatalf("expected ErrNotHosting, got %v", err)
	}
	if _, err := h.ctrl.StartHost(h.ctx, ""); err != nil {
		t.Fatalf("start host: %v", err)
	}
	if _, err := h.ctrl.StartHost(h.ctx, ""); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := h.ctrl.StartResolve(h.ctx, "SOE GSR 3-1"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for resolve while hosting, got %v", err)
	}
	if _, err := h.ctrl.PlaceAnchor(pose()); err != nil {
		t.Fatalf("place anchor: %v", err)
	}
	if _, err := h.ctrl.PlaceAnchor(pose()); !errors.Is(err, ErrAnchorPlaced) {
		t.Fatalf("expected ErrAnchorPlaced, got %v", err)
	}
}

func TestStartHostNeedsLocation(t *testing.T) {
	h := newHarness(t, arsim.Options{})
	ctrl := New(Deps{Runtime: h.session, Coordinator: h.coord, Directory: h.dir, Clock: h.clock})
	if _, err := ctrl.StartHost(h.ctx, "  "); !errors.Is(err, ErrEmptyLocation) {
		t.Fatalf("expected ErrEmptyLocation, got %v", err)
	}
	code, err := ctrl.StartHost(h.ctx, "SOE GSR 2-1")
	if err != nil {
		t.Fatalf("start host with explicit location: %v", err)
	}
	if st := ctrl.Status(); st.Location != "SOE GSR 2-1" || st.RoomCode != code {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestHostErrorIsReportedAndNotStored(t *testing.T) {
	h := newHarness(t, arsim.Options{HostLatency: time.Second})
	h.session.Cloud().FailHosting(anchor.CloudStateErrorNotAuthorized)
	code, err := h.ctrl.StartHost(h.ctx, "")
	if err != nil {
		t.Fatalf("start host: %v", err)
	}
	if _, err := h.ctrl.PlaceAnchor(pose()); err != nil {
		t.Fatalf("place anchor: %v", err)
	}
	h.frame(t, time.Second)
	if !h.hasMessage("Error hosting the anchor: ERROR_NOT_AUTHORIZED") {
		t.Fatalf("expected host error message, got %+v", h.ring.Recent(0))
	}
	if _, err := h.store.GetRoom(h.ctx, code); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected no stored room after host error, got %v", err)
	}
	if cur, ok := h.ring.Current(); !ok || cur.Level != model.MessageError {
		t.Fatalf("expected current error message, got %+v %v", cur, ok)
	}

	// the same room can be retried without a reset
	h.session.Cloud().FailHosting(anchor.CloudStateNone)
	if _, err := h.ctrl.PlaceAnchor(pose()); err != nil {
		t.Fatalf("place anchor after host error: %v", err)
	}
	h.frame(t, time.Second)
	h.ctrl.Wait()
	room, err := h.store.GetRoom(h.ctx, code)
	if err != nil || room.HostedAnchorID == "" {
		t.Fatalf("expected stored room after retry, got %+v %v", room, err)
	}
}

func TestHostStoreDoesNotBlockCoordinator(t *testing.T) {
	h := newHarness(t, arsim.Options{HostLatency: time.Second})
	code, err := h.ctrl.StartHost(h.ctx, "")
	if err != nil {
		t.Fatalf("start host: %v", err)
	}
	if _, err := h.ctrl.PlaceAnchor(pose()); err != nil {
		t.Fatalf("place anchor: %v", err)
	}

	// take the store's only connection so the directory write has to wait
	conn, err := h.store.DB().Conn(h.ctx)
	if err != nil {
		t.Fatalf("hold connection: %v", err)
	}
	released := false
	release := func() {
		if !released {
			released = true
			conn.Close() //nolint:errcheck
		}
	}
	t.Cleanup(release)

	h.clock.Add(time.Second)
	if err := h.session.Update(); err != nil {
		t.Fatalf("session update: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- h.coord.OnUpdate() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("coordinator update: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("coordinator update blocked on the room directory")
	}
	stats := make(chan cloudanchor.Stats, 1)
	go func() { stats <- h.coord.Stats() }()
	select {
	case st := <-stats:
		if st.PendingHost != 0 {
			t.Fatalf("expected host to be delivered, got %+v", st)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("coordinator stats blocked on the room directory")
	}

	release()
	h.ctrl.Wait()
	if _, err := h.store.GetRoom(h.ctx, code); err != nil {
		t.Fatalf("expected room stored once the connection is free: %v", err)
	}
	if !h.hasMessage("Cloud anchor shared in room") {
		t.Fatalf("expected shared message, got %+v", h.ring.Recent(0))
	}
}

func TestResetDetachesInFlightHost(t *testing.T) {
	h := newHarness(t, arsim.Options{HostLatency: time.Second})
	if _, err := h.ctrl.StartHost(h.ctx, ""); err != nil {
		t.Fatalf("start host: %v", err)
	}
	if _, err := h.ctrl.PlaceAnchor(pose()); err != nil {
		t.Fatalf("place anchor: %v", err)
	}
	if h.coord.Stats().PendingHost != 1 {
		t.Fatalf("expected a pending host")
	}
	h.ctrl.Reset()
	h.frame(t, 2*time.Second)
	h.ctrl.Wait()
	if got := h.session.Cloud().Len(); got != 0 {
		t.Fatalf("detached hosted anchor still reached the cloud, %d hosted", got)
	}
	if h.coord.Stats().PendingHost != 0 {
		t.Fatalf("expected no pending host after reset")
	}
	if h.ctrl.Anchors().Len() != 0 {
		t.Fatalf("expected no anchors after reset")
	}
}

func TestResolveFlowResolvesLocationAnchors(t *testing.T) {
	h := newHarness(t, arsim.Options{ResolveLatency: 3 * time.Second})
	id := h.session.Cloud().Put(pose())
	testutil.SeedRoom(t, h.store, h.ctx, "SOE GSR 3-1", id)
	testutil.SeedRoom(t, h.store, h.ctx, "SCIS 1 GSR 2-1", h.session.Cloud().Put(pose()))

	if err := h.ctrl.StartResolve(h.ctx, "SOE GSR 3-1"); err != nil {
		t.Fatalf("start resolve: %v", err)
	}
	if h.ctrl.Status().Mode != model.ModeResolving {
		t.Fatalf("expected resolving mode")
	}
	waitFor(t, "pending resolve", func() bool { return h.coord.Stats().PendingResolve == 1 })

	h.frame(t, 3*time.Second)
	if h.coord.Stats().PendingResolve != 0 {
		t.Fatalf("expected resolve to be delivered")
	}
	records := h.ctrl.Anchors().Snapshot()
	if len(records) != 1 || records[0].Anchor.CloudAnchorID() != id {
		t.Fatalf("unexpected anchors: %+v", records)
	}
	if h.countMessages(msgResolveSuccess) != 1 {
		t.Fatalf("expected one success message, got %+v", h.ring.Recent(0))
	}
}

func TestResolveFlowPicksUpLaterHosts(t *testing.T) {
	h := newHarness(t, arsim.Options{ResolveLatency: time.Second})
	if err := h.ctrl.StartResolve(h.ctx, "SOE GSR 3-1"); err != nil {
		t.Fatalf("start resolve: %v", err)
	}
	id := h.session.Cloud().Put(pose())
	if _, err := h.dir.StoreAnchorID(h.ctx, 12, "SOE GSR 3-1", id); err != nil {
		t.Fatalf("store anchor id: %v", err)
	}
	waitFor(t, "pending resolve", func() bool { return h.coord.Stats().PendingResolve == 1 })
	h.frame(t, time.Second)
	if got := h.ctrl.Anchors().Len(); got != 1 {
		t.Fatalf("expected 1 resolved anchor, got %d", got)
	}
}

func TestResolveRoomWaitsForHostedAnchor(t *testing.T) {
	h := newHarness(t, arsim.Options{ResolveLatency: time.Second})
	if err := h.ctrl.StartResolveRoom(h.ctx, 0); !errors.Is(err, ErrInvalidRoom) {
		t.Fatalf("expected ErrInvalidRoom, got %v", err)
	}
	if err := h.ctrl.StartResolveRoom(h.ctx, 7); err != nil {
		t.Fatalf("start resolve room: %v", err)
	}
	if st := h.ctrl.Status(); st.Mode != model.ModeResolving || st.RoomCode != 7 || st.Location != "" {
		t.Fatalf("unexpected status: %+v", st)
	}
	if err := h.ctrl.StartResolveRoom(h.ctx, 8); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	id := h.session.Cloud().Put(pose())
	if _, err := h.dir.StoreAnchorID(h.ctx, 8, "SOE GSR 2-1", h.session.Cloud().Put(pose())); err != nil {
		t.Fatalf("store other room: %v", err)
	}
	if _, err := h.dir.StoreAnchorID(h.ctx, 7, "SOE GSR 2-1", id); err != nil {
		t.Fatalf("store room: %v", err)
	}
	waitFor(t, "pending resolve", func() bool { return h.coord.Stats().PendingResolve == 1 })
	h.frame(t, time.Second)
	records := h.ctrl.Anchors().Snapshot()
	if len(records) != 1 || records[0].Anchor.CloudAnchorID() != id {
		t.Fatalf("expected only room 7 resolved, got %+v", records)
	}
	if !h.hasMessage("Looking for the anchor in room 7") {
		t.Fatalf("expected resolve room message, got %+v", h.ring.Recent(0))
	}
}

func TestResolveErrorIsReported(t *testing.T) {
	h := newHarness(t, arsim.Options{ResolveLatency: time.Second})
	testutil.SeedRoom(t, h.store, h.ctx, "SOE GSR 3-1", "ua-missing")
	if err := h.ctrl.StartResolve(h.ctx, "SOE GSR 3-1"); err != nil {
		t.Fatalf("start resolve: %v", err)
	}
	waitFor(t, "pending resolve", func() bool { return h.coord.Stats().PendingResolve == 1 })
	h.frame(t, time.Second)
	if !h.hasMessage("Error resolving the anchor in room 1: ERROR_CLOUD_ID_NOT_FOUND") {
		t.Fatalf("expected resolve error, got %+v", h.ring.Recent(0))
	}
	if h.ctrl.Anchors().Len() != 0 {
		t.Fatalf("failed resolve should not add an anchor")
	}
}

func TestResolveNoResultMessageOnce(t *testing.T) {
	h := newHarness(t, arsim.Options{ResolveLatency: time.Minute})
	testutil.SeedRoom(t, h.store, h.ctx, "SOE GSR 3-1", h.session.Cloud().Put(pose()))
	if err := h.ctrl.StartResolve(h.ctx, "SOE GSR 3-1"); err != nil {
		t.Fatalf("start resolve: %v", err)
	}
	waitFor(t, "pending resolve", func() bool { return h.coord.Stats().PendingResolve == 1 })

	h.frame(t, 5*time.Second)
	if h.countMessages(msgResolveNoResult) != 0 {
		t.Fatalf("no-result message before the deadline")
	}
	h.frame(t, 5*time.Second)
	h.frame(t, 5*time.Second)
	if got := h.countMessages(msgResolveNoResult); got != 1 {
		t.Fatalf("expected one no-result message, got %d", got)
	}
}

func TestResetDropsFlows(t *testing.T) {
	h := newHarness(t, arsim.Options{ResolveLatency: time.Second})
	testutil.SeedRoom(t, h.store, h.ctx, "SOE GSR 3-1", h.session.Cloud().Put(pose()))
	if err := h.ctrl.StartResolve(h.ctx, "SOE GSR 3-1"); err != nil {
		t.Fatalf("start resolve: %v", err)
	}
	waitFor(t, "pending resolve", func() bool { return h.coord.Stats().PendingResolve == 1 })

	h.ctrl.Reset()
	if st := h.ctrl.Status(); st.Mode != model.ModeNone || st.Location != "" {
		t.Fatalf("unexpected status after reset: %+v", st)
	}
	if h.dir.Watchers() != 0 {
		t.Fatalf("expected directory watch to be cancelled")
	}
	if _, ok := h.ring.Current(); ok {
		t.Fatalf("expected message to be dismissed")
	}
	if h.coord.Stats().DeadlineActive {
		t.Fatalf("expected deadline cleared by reset")
	}

	// the resolve still completes on the coordinator, but its result is dropped
	h.frame(t, time.Second)
	if h.ctrl.Anchors().Len() != 0 {
		t.Fatalf("expected dropped resolve result")
	}
	if h.countMessages(msgResolveSuccess) != 0 {
		t.Fatalf("unexpected success message after reset")
	}

	if _, err := h.ctrl.StartHost(h.ctx, ""); err != nil {
		t.Fatalf("start host after reset: %v", err)
	}
}
