// Package api implements the remote-control bridge: an HTTP server
// that publishes the app list and liveness snapshot, proxies lifecycle
// commands addressed by app uuid, and streams change events to
// dashboard clients. The bridge holds no state of its own; every
// response is computed from the catalog on disk.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/am3team/am3/internal/catalog"
	"github.com/am3team/am3/internal/events"
	"github.com/am3team/am3/internal/metrics"
)

const (
	shutdownTimeout = 5 * time.Second
	tickInterval    = 30 * time.Second
)

// Catalog is the read surface the bridge needs. *catalog.Store
// satisfies it.
type Catalog interface {
	List() ([]catalog.AppStatus, error)
	ResolveUUID(uuid string) (string, error)
}

// Controller dispatches lifecycle commands for one app id.
type Controller interface {
	Start(id string) error
	Stop(id string) error
	Restart(id string) error
}

// ExecController re-executes the control binary for each command, so
// monitor detachment happens in a short-lived process instead of the
// long-lived bridge.
type ExecController struct {
	Logger *slog.Logger
}

func (c *ExecController) Start(id string) error   { return c.run("start", id) }
func (c *ExecController) Stop(id string) error    { return c.run("stop", id) }
func (c *ExecController) Restart(id string) error { return c.run("restart", id) }

func (c *ExecController) run(verb, id string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot locate own binary: %w", err)
	}
	out, err := exec.Command(exe, verb, id).CombinedOutput()
	if err != nil {
		c.Logger.Error("control command failed", "verb", verb, "id", id,
			"output", strings.TrimSpace(string(out)), "error", err)
		return fmt.Errorf("%s %s: %w", verb, id, err)
	}
	return nil
}

// Config holds bridge server configuration.
type Config struct {
	Addr      string // host:port to bind
	NodeName  string
	TokenHash string // bcrypt hash; legacy catalogs may hold plaintext
}

// ListenAddr derives the bind address from the catalog's
// server_address field, stripping any URL scheme and path.
func ListenAddr(serverAddress string) string {
	addr := serverAddress
	for _, scheme := range []string{"http://", "https://"} {
		addr = strings.TrimPrefix(addr, scheme)
	}
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}
	return addr
}

// Server is the bridge HTTP server.
type Server struct {
	cfg       Config
	cat       Catalog
	control   Controller
	bus       *events.Bus
	collector *metrics.Collector
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewServer assembles the bridge from its dependencies.
func NewServer(cfg Config, cat Catalog, control Controller, collector *metrics.Collector, bus *events.Bus, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		cat:       cat,
		control:   control,
		bus:       bus,
		collector: collector,
		logger:    logger,
	}
	s.mux = s.buildMux()
	return s
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Probe and scrape endpoints -- no auth required.
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.collector != nil {
		mux.Handle("GET /metrics", s.collector.Handler())
	}

	mux.HandleFunc("GET /api/v1/apps", s.requireAuth(s.handleApps))
	mux.HandleFunc("POST /api/v1/apps/{uuid}/start", s.requireAuth(s.handleStartApp))
	mux.HandleFunc("POST /api/v1/apps/{uuid}/stop", s.requireAuth(s.handleStopApp))
	mux.HandleFunc("POST /api/v1/apps/{uuid}/restart", s.requireAuth(s.handleRestartApp))
	mux.HandleFunc("GET /api/v1/events/stream", s.requireAuth(s.handleEventStream))

	return mux
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is canceled. The file watcher and the periodic
// refresh ticker live and die with the server.
func (s *Server) Run(ctx context.Context, watcher *Watcher) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("cannot bind %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{Handler: s.mux}

	host, _, _ := net.SplitHostPort(s.cfg.Addr)
	if host == "0.0.0.0" || host == "" || host == "::" {
		s.logger.Warn("bridge bound to all interfaces", "addr", s.cfg.Addr)
	}
	s.logger.Info("api bridge listening", "addr", ln.Addr().String(), "node", s.cfg.NodeName)

	ticker := events.NewTicker(s.bus, tickInterval)
	defer ticker.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	if watcher != nil {
		g.Go(func() error { return watcher.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return g.Wait()
}

// --- HTTP Handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// appsPayload is the original push payload, minus the token echo.
type appsPayload struct {
	NodeName string              `json:"node_name"`
	AppList  []catalog.AppStatus `json:"app_list"`
}

func (s *Server) snapshot() (appsPayload, error) {
	list, err := s.cat.List()
	if err != nil {
		return appsPayload{}, err
	}
	if list == nil {
		list = []catalog.AppStatus{}
	}
	return appsPayload{NodeName: s.cfg.NodeName, AppList: list}, nil
}

func (s *Server) handleApps(w http.ResponseWriter, r *http.Request) {
	payload, err := s.snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "SERVER_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleStartApp(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, "start", s.control.Start)
}

func (s *Server) handleStopApp(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, "stop", s.control.Stop)
}

func (s *Server) handleRestartApp(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, "restart", s.control.Restart)
}

// dispatch resolves the uuid in the route to a numeric id and hands
// that to the controller verb.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, verb string, run func(id string) error) {
	appUUID := r.PathValue("uuid")
	id, err := s.cat.ResolveUUID(appUUID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
		return
	}
	if err := run(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "SERVER_ERROR")
		return
	}
	s.logger.Info("remote command dispatched", "verb", verb, "uuid", appUUID, "id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": verb, "uuid": appUUID, "id": id})
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "SERVER_ERROR")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	send := func(eventType string) {
		payload, err := s.snapshot()
		if err != nil {
			s.logger.Warn("event snapshot failed", "error", err)
			return
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
		flusher.Flush()
	}

	// Channel-serialized writes: bus handlers run on the publisher's
	// goroutine, the response writer belongs to this one.
	ch := make(chan string, 16)
	var ids []uint64
	for _, et := range []events.EventType{events.CatalogChanged, events.LivenessChanged, events.Tick} {
		id := s.bus.Subscribe(et, func(e events.Event) {
			select {
			case ch <- string(e.Type):
			default:
			}
		})
		ids = append(ids, id)
	}
	defer func() {
		for _, id := range ids {
			s.bus.Unsubscribe(id)
		}
	}()

	// Initial snapshot so clients render without waiting for a change.
	send("SNAPSHOT")

	for {
		select {
		case <-r.Context().Done():
			return
		case eventType := <-ch:
			send(eventType)
		}
	}
}

// --- Auth middleware ---

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required", "UNAUTHORIZED")
			return
		}
		if !checkToken(token, s.cfg.TokenHash) {
			writeError(w, http.StatusUnauthorized, "invalid token", "UNAUTHORIZED")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

// checkToken verifies plain against the stored credential: a bcrypt
// hash when `api init` wrote it, plaintext on catalogs carried over
// from older versions. An unconfigured credential never matches.
func checkToken(plain, hash string) bool {
	if hash == "" {
		return false
	}
	if strings.HasPrefix(hash, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(plain), []byte(hash)) == 1
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
