package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/g960059/gsrfinder/internal/api"
	"github.com/g960059/gsrfinder/internal/campus"
	"github.com/g960059/gsrfinder/internal/cloudanchor"
	"github.com/g960059/gsrfinder/internal/config"
	"github.com/g960059/gsrfinder/internal/directory"
	"github.com/g960059/gsrfinder/internal/hostresolve"
	"github.com/g960059/gsrfinder/internal/model"
	"github.com/g960059/gsrfinder/internal/render"
)

// Deps are the components the API exposes. Routes whose component is nil
// are not registered.
type Deps struct {
	Directory   *directory.Directory
	Controller  *hostresolve.Controller
	Coordinator *cloudanchor.Coordinator
	Messages    *hostresolve.Ring
	Campus      *campus.Catalog
	Loop        *render.Loop
	Clock       clock.Clock
	Logger      *zap.Logger
}

type Server struct {
	cfg         config.Config
	deps        Deps
	clock       clock.Clock
	logger      *zap.Logger
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	streamID    string
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config) *Server {
	return NewServerWithDeps(cfg, Deps{})
}

func NewServerWithDeps(cfg config.Config, deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		clock:    deps.Clock,
		logger:   deps.Logger,
		streamID: uuid.NewString(),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	if deps.Campus != nil {
		mux.HandleFunc("/v1/buildings", s.buildingsHandler)
		mux.HandleFunc("/v1/locate", s.locateHandler)
	}
	if deps.Directory != nil {
		mux.HandleFunc("/v1/rooms", s.roomsHandler)
		mux.HandleFunc("/v1/rooms/", s.roomByCodeHandler)
	}
	if deps.Controller != nil {
		mux.HandleFunc("/v1/status", s.statusHandler)
		mux.HandleFunc("/v1/host", s.hostHandler)
		mux.HandleFunc("/v1/host/place", s.placeHandler)
		mux.HandleFunc("/v1/resolve", s.resolveHandler)
		mux.HandleFunc("/v1/reset", s.resetHandler)
		mux.HandleFunc("/v1/anchors", s.anchorsHandler)
	}
	if deps.Messages != nil {
		mux.HandleFunc("/v1/messages", s.messagesHandler)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("listening", zap.String("socket", s.cfg.SocketPath), zap.String("stream_id", s.streamID))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var err error
		if s.httpSrv != nil {
			err = multierr.Append(err, s.httpSrv.Shutdown(ctx))
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if cerr := listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = multierr.Append(err, cerr)
			}
		}
		if s.cfg.SocketPath != "" {
			if rerr := os.Remove(s.cfg.SocketPath); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				err = multierr.Append(err, rerr)
			}
		}
		err = multierr.Append(err, s.releaseLock())
		if err != nil {
			s.shutdownErr = fmt.Errorf("shutdown errors: %w", err)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := api.HealthResponse{
		SchemaVersion: "v1",
		GeneratedAt:   s.now(),
		Status:        "ok",
		StreamID:      s.streamID,
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: "v1",
		GeneratedAt:   s.now(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
