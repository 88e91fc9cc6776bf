// Package server is the HTTP front of devbus: it accepts WebSocket
// upgrades on the relay and bus paths, hands each connection to its
// relay.PairManager or the bus.Router, and serves the small host-facing
// endpoints (status, reload, dev menu, devtools launch).
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/philsphicas/devbus/internal/bus"
	"github.com/philsphicas/devbus/internal/conn"
	"github.com/philsphicas/devbus/internal/metrics"
	"github.com/philsphicas/devbus/internal/relay"
)

// Defaults for Config.
const (
	DefaultRelayPath = "/debugger-proxy"
	DefaultBusPath   = "/message"
)

// StatusResponse is the body of GET /status.
const StatusResponse = "devbus-status:running"

// Config holds server configuration.
type Config struct {
	RelayPaths     []string // one PairManager per path (default /debugger-proxy)
	BusPath        string   // default /message
	AllowOrigins   []string // extra origin patterns accepted on upgrade
	AllowRemotes   []string // remote allowlist (CIDR, host or "*"); default loopback only
	MaxConnections int      // 0 = unlimited
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	ReadLimit      int64
	Logger         *slog.Logger
	Metrics        *metrics.Metrics // optional; nil disables metrics

	// DevToolsURL is opened by /launch-js-devtools when no debugger is
	// attached to the first relay path.
	DevToolsURL string
	// OpenBrowser opens a URL in the developer's browser. Optional.
	OpenBrowser func(url string) error
}

// Server dispatches upgraded connections to the relay pairs and the bus.
type Server struct {
	cfg    Config
	logger *slog.Logger

	relays     map[string]*relay.PairManager
	relayOrder []string
	bus        *bus.Router
	sem        *connSemaphore

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// reservedPaths are served by every Server and cannot carry a relay or the
// bus.
var reservedPaths = []string{"/status", "/reload", "/devmenu", "/launch-js-devtools"}

// New builds a Server from cfg, filling in defaults. It fails when an
// endpoint path is not a plain absolute path or collides with another.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.RelayPaths) == 0 {
		cfg.RelayPaths = []string{DefaultRelayPath}
	}
	if cfg.BusPath == "" {
		cfg.BusPath = DefaultBusPath
	}
	if len(cfg.AllowRemotes) == 0 {
		cfg.AllowRemotes = []string{"127.0.0.0/8", "::1/128"}
	}
	if err := validatePaths(cfg.RelayPaths, cfg.BusPath); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		relays: make(map[string]*relay.PairManager, len(cfg.RelayPaths)),
		bus:    bus.NewRouter(cfg.BusPath, cfg.Logger, cfg.Metrics),
		sem:    newConnSemaphore(cfg.MaxConnections),
	}
	for _, p := range cfg.RelayPaths {
		if _, dup := s.relays[p]; dup {
			continue
		}
		s.relays[p] = relay.NewPairManager(p, cfg.Logger, cfg.Metrics)
		s.relayOrder = append(s.relayOrder, p)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func validatePaths(relayPaths []string, busPath string) error {
	owner := make(map[string]string)
	for _, p := range reservedPaths {
		owner[p] = "built-in endpoint"
	}
	check := func(p, name string) error {
		if !strings.HasPrefix(p, "/") || strings.ContainsAny(p, " \t{}") {
			return fmt.Errorf("%s path %q must be an absolute path without spaces or wildcards", name, p)
		}
		if prev, ok := owner[p]; ok && (prev != name || name != "relay") {
			return fmt.Errorf("%s path %q conflicts with the %s", name, p, prev)
		}
		owner[p] = name
		return nil
	}
	if err := check(busPath, "bus"); err != nil {
		return err
	}
	for _, p := range relayPaths {
		if err := check(p, "relay"); err != nil {
			return err
		}
	}
	return nil
}

// Bus returns the bus router, for host-side broadcasts.
func (s *Server) Bus() *bus.Router { return s.bus }

// Relay returns the pair manager serving path, or nil.
func (s *Server) Relay(path string) *relay.PairManager { return s.relays[path] }

// Handler returns the HTTP handler for all devbus endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, p := range s.relayOrder {
		pm := s.relays[p]
		mux.HandleFunc(p, s.guard(func(w http.ResponseWriter, r *http.Request) {
			s.serveRelay(w, r, pm)
		}))
	}
	mux.HandleFunc(s.cfg.BusPath, s.guard(s.serveBus))
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /reload", s.guard(s.handleBroadcast("reload")))
	mux.HandleFunc("POST /devmenu", s.guard(s.handleBroadcast("devMenu")))
	mux.HandleFunc("/launch-js-devtools", s.guard(s.handleLaunchDevTools))
	return mux
}

// Serve serves HTTP on ln until ctx is cancelled, then shuts down,
// closing every open connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.Close()
		close(shutdownDone)
	}()

	s.logger.Info("devbus listening", "addr", ln.Addr(), "bus", s.cfg.BusPath, "relays", s.relayOrder)
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		s.Close()
		return err
	}
	if ctx.Err() != nil {
		<-shutdownDone
	}
	return nil
}

// Close aborts every served connection and waits for their read loops to
// finish. Hijacked WebSocket connections are not tracked by
// http.Server.Shutdown, so this is needed for a clean exit.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// track registers one connection with the shutdown wait group. It returns
// false once Close has been called.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// guard enforces the remote allowlist.
func (s *Server) guard(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isAllowed(r.RemoteAddr, s.cfg.AllowRemotes) {
			s.logger.Warn("remote not allowed", "remote", r.RemoteAddr, "path", r.URL.Path)
			s.cfg.Metrics.ConnectionRejected(r.URL.Path, metrics.ReasonForbidden)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		h(w, r)
	}
}

// accept performs the upgrade and wraps the result. It returns nil when
// the request was refused; the response has then been written.
func (s *Server) accept(w http.ResponseWriter, r *http.Request, endpoint string) *conn.Conn {
	if !s.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return nil
	}
	if !s.sem.tryAcquire(s.ctx) {
		s.wg.Done()
		s.logger.Warn("max connections reached, refusing upgrade", "path", endpoint)
		s.cfg.Metrics.ConnectionRejected(endpoint, metrics.ReasonMaxConnections)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return nil
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.sem.release()
		s.wg.Done()
		s.logger.Warn("websocket upgrade failed", "path", endpoint, "error", err)
		s.cfg.Metrics.ConnectionRejected(endpoint, metrics.ReasonUpgradeFailed)
		return nil
	}
	return conn.New(s.ctx, ws, r, conn.Options{
		Logger:       s.logger,
		WriteTimeout: s.cfg.WriteTimeout,
		PingInterval: s.cfg.PingInterval,
		ReadLimit:    s.cfg.ReadLimit,
	})
}

// serve runs c's read loop on the request goroutine and records its
// lifetime. It releases what accept acquired.
func (s *Server) serve(c *conn.Conn, endpoint, role string) {
	defer s.wg.Done()
	defer s.sem.release()

	var tracker *metrics.ConnectionTracker
	if role != "" {
		tracker = s.cfg.Metrics.ConnectionOpened(endpoint, role)
	}
	start := time.Now()
	err := c.Serve()
	if err != nil && s.ctx.Err() == nil {
		s.logger.Debug("connection ended abnormally", "path", endpoint, "role", role, "error", err)
	}
	tracker.Done(time.Since(start).Seconds(), err)
}

func (s *Server) serveRelay(w http.ResponseWriter, r *http.Request, pm *relay.PairManager) {
	c := s.accept(w, r, pm.Path())
	if c == nil {
		return
	}
	role, ok := pm.Attach(c)
	if !ok {
		role = ""
	}
	s.serve(c, pm.Path(), string(role))
}

func (s *Server) serveBus(w http.ResponseWriter, r *http.Request) {
	c := s.accept(w, r, s.cfg.BusPath)
	if c == nil {
		return
	}
	s.bus.Attach(c)
	s.serve(c, s.cfg.BusPath, "bus")
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	_, _ = io.WriteString(w, StatusResponse)
}

func (s *Server) handleBroadcast(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := s.bus.Broadcast(method, nil); err != nil {
			s.logger.Error("host broadcast failed", "method", method, "error", err)
			http.Error(w, "broadcast failed", http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, "OK")
	}
}

func (s *Server) handleLaunchDevTools(w http.ResponseWriter, _ *http.Request) {
	pm := s.relays[s.relayOrder[0]]
	if pm.DebuggerConnected() {
		s.logger.Info("debugger already connected, not opening devtools")
		_, _ = io.WriteString(w, "OK")
		return
	}
	if s.cfg.DevToolsURL == "" || s.cfg.OpenBrowser == nil {
		http.Error(w, "devtools launch not configured", http.StatusNotImplemented)
		return
	}
	if err := s.cfg.OpenBrowser(s.cfg.DevToolsURL); err != nil {
		s.logger.Error("failed to open devtools", "url", s.cfg.DevToolsURL, "error", err)
		http.Error(w, fmt.Sprintf("open devtools: %v", err), http.StatusInternalServerError)
		return
	}
	s.logger.Info("opened devtools", "url", s.cfg.DevToolsURL)
	_, _ = io.WriteString(w, "OK")
}
