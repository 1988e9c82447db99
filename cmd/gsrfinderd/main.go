package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/gsrfinder/internal/arsim"
	"github.com/g960059/gsrfinder/internal/campus"
	"github.com/g960059/gsrfinder/internal/cloudanchor"
	"github.com/g960059/gsrfinder/internal/config"
	"github.com/g960059/gsrfinder/internal/daemon"
	"github.com/g960059/gsrfinder/internal/db"
	"github.com/g960059/gsrfinder/internal/directory"
	"github.com/g960059/gsrfinder/internal/hostresolve"
	"github.com/g960059/gsrfinder/internal/logging"
	"github.com/g960059/gsrfinder/internal/render"
)

func main() {
	cfg := config.DefaultConfig()
	if err := cfg.ApplyEnv(nil); err != nil {
		fatal(err)
	}
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for gsrfinderd")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path for the room directory")
	flag.StringVar(&cfg.HostLocation, "location", cfg.HostLocation, "room location used by host flows")
	flag.DurationVar(&cfg.FrameInterval, "frame-interval", cfg.FrameInterval, "render loop frame interval")
	flag.DurationVar(&cfg.HostLatency, "host-latency", cfg.HostLatency, "simulated cloud hosting latency")
	flag.DurationVar(&cfg.ResolveLatency, "resolve-latency", cfg.ResolveLatency, "simulated cloud resolve latency")
	flag.Float64Var(&cfg.GeofenceMeters, "geofence", cfg.GeofenceMeters, "building geofence radius in metres")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogEncoding, "log-encoding", cfg.LogEncoding, "log encoding (console, json)")
	flag.Parse()

	logger, err := logging.New("gsrfinderd", cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		fatal(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	a := newApp(cfg, store, clock.New(), logger)
	defer a.close()
	if err := a.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon stopped", zap.Error(err))
		os.Exit(1)
	}
}

// app holds the daemon's wired components around a single AR session.
type app struct {
	logger    *zap.Logger
	session   *arsim.Session
	directory *directory.Directory
	ctrl      *hostresolve.Controller
	loop      *render.Loop
	server    *daemon.Server
}

func newApp(cfg config.Config, store *db.Store, clk clock.Clock, logger *zap.Logger) *app {
	session := arsim.NewSession(arsim.NewCloud(), clk, logger.Named("arsim"), arsim.Options{
		HostLatency:    cfg.HostLatency,
		ResolveLatency: cfg.ResolveLatency,
	})
	coord := cloudanchor.NewWithDeps(clk, logger.Named("cloudanchor"), cfg.NoResultTimeout)
	coord.SetSession(session)
	dir := directory.New(store, clk, logger.Named("directory"))
	ring := hostresolve.NewRing(cfg.MessageRing)
	ctrl := hostresolve.New(hostresolve.Deps{
		Runtime:     session,
		Coordinator: coord,
		Directory:   dir,
		Notifier:    ring,
		Clock:       clk,
		Logger:      logger.Named("hostresolve"),
		Location:    cfg.HostLocation,
	})
	loop := render.NewLoop(session, coord, ctrl.Anchors(), render.Options{
		Clock:    clk,
		Logger:   logger.Named("render"),
		Interval: cfg.FrameInterval,
	})
	srv := daemon.NewServerWithDeps(cfg, daemon.Deps{
		Directory:   dir,
		Controller:  ctrl,
		Coordinator: coord,
		Messages:    ring,
		Campus:      campus.Default(),
		Loop:        loop,
		Clock:       clk,
		Logger:      logger.Named("api"),
	})
	return &app{logger: logger, session: session, directory: dir, ctrl: ctrl, loop: loop, server: srv}
}

// run serves the API and drives the render loop until ctx is done or either
// of them fails.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.loop.Run(gctx)
	})
	g.Go(func() error {
		return a.server.Start(gctx)
	})
	return g.Wait()
}

func (a *app) close() {
	a.ctrl.Reset()
	a.ctrl.Wait()
	a.directory.Close()
	if err := a.session.Close(); err != nil {
		a.logger.Warn("close session", zap.Error(err))
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "gsrfinderd: %v\n", err)
	os.Exit(1)
}
