package webserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/zsprackett/jobkit/internal/config"
	"github.com/zsprackett/jobkit/internal/db"
	"github.com/zsprackett/jobkit/internal/events"
	"github.com/zsprackett/jobkit/internal/history"
	"github.com/zsprackett/jobkit/internal/jobs"
	"github.com/zsprackett/jobkit/internal/sse"
)

const (
	defaultAccessTokenTTL  = 15 * time.Minute
	defaultRefreshTokenTTL = 7 * 24 * time.Hour

	elapsedInterval   = time.Second
	keepaliveInterval = 30 * time.Second
)

type Config struct {
	Title string
	Host  string
	Port  int
	TLS   config.TLSConfig

	// JWTSecret enables authentication when set. Accounts and refresh
	// tokens live in the Store passed to New.
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Metrics is served at /metrics when set.
	Metrics http.Handler
}

type Server struct {
	manager *jobs.Manager
	store   *db.DB
	cfg     Config
	logger  *slog.Logger
	pages   *template.Template

	elapsedEvery   time.Duration
	keepaliveEvery time.Duration

	mu      sync.Mutex
	clients map[chan events.Event]struct{}
	srv     *http.Server
}

// New returns a server for manager. store may be nil when authentication
// is disabled.
func New(manager *jobs.Manager, store *db.DB, cfg Config, logger *slog.Logger) *Server {
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = defaultAccessTokenTTL
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = defaultRefreshTokenTTL
	}
	if cfg.Title == "" {
		cfg.Title = "Jobkit"
	}
	return &Server{
		manager:        manager,
		store:          store,
		cfg:            cfg,
		logger:         logger,
		pages:          parsePages(),
		elapsedEvery:   elapsedInterval,
		keepaliveEvery: keepaliveInterval,
		clients:        make(map[chan events.Event]struct{}),
	}
}

// SetStreamIntervals changes how often output streams send elapsed
// updates and keepalives. Used in tests only.
func (s *Server) SetStreamIntervals(elapsed, keepalive time.Duration) {
	s.elapsedEvery = elapsed
	s.keepaliveEvery = keepalive
}

// Broadcast implements events.Broadcaster.
func (s *Server) Broadcast(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- e:
		default:
		}
	}
}

func (s *Server) addClient(ch chan events.Event) {
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(ch chan events.Event) {
	s.mu.Lock()
	delete(s.clients, ch)
	s.mu.Unlock()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status.json", s.handleStatus)
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(staticFiles())))
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /search", s.handleSearch)
	mux.HandleFunc("GET /login", s.handleLoginPage)
	mux.HandleFunc("GET /pause", s.handlePausePage)
	mux.HandleFunc("GET /resume", s.handleResumePage)
	mux.HandleFunc("GET /job/{jobName}", s.handleJobPage)
	mux.HandleFunc("GET /job.parameters/{jobName}", s.handleJobParametersPage)
	mux.HandleFunc("GET /job.run/{jobName}", s.handleJobRunPage)
	mux.HandleFunc("GET /job.enable/{jobName}", s.handleJobEnablePage)
	mux.HandleFunc("GET /job.disable/{jobName}", s.handleJobDisablePage)
	mux.HandleFunc("GET /job.cancel/{jobName}", s.handleJobCancelPage)
	mux.HandleFunc("GET /job.invocation/{jobName}/{id}", s.handleInvocationPage)

	mux.HandleFunc("POST /api/pause", s.handleAPIPause)
	mux.HandleFunc("POST /api/resume", s.handleAPIResume)
	mux.HandleFunc("GET /api/jobs", s.handleAPIJobs)
	mux.HandleFunc("GET /api/jobs.running", s.handleAPIJobsRunning)
	mux.HandleFunc("GET /api/job/{jobName}", s.handleAPIJob)
	mux.HandleFunc("GET /api/job.parameters/{jobName}", s.handleAPIJobParameters)
	mux.HandleFunc("POST /api/job.run/{jobName}", s.handleAPIJobRun)
	mux.HandleFunc("POST /api/job.cancel/{jobName}", s.handleAPIJobCancel)
	mux.HandleFunc("POST /api/job.enable/{jobName}", s.handleAPIJobEnable)
	mux.HandleFunc("POST /api/job.disable/{jobName}", s.handleAPIJobDisable)
	mux.HandleFunc("GET /api/job.invocation/{jobName}/{id}", s.handleAPIInvocation)
	mux.HandleFunc("GET /api/job.invocation.output/{jobName}/{id}", s.handleAPIInvocationOutput)
	mux.HandleFunc("GET /api/job.invocation.output.stream/{jobName}/{id}", s.handleOutputStream)
	mux.HandleFunc("GET /api/job.invocation.output.ws/{jobName}/{id}", s.handleOutputWebsocket)
	mux.HandleFunc("GET /events", s.handleSSE)

	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)

	var h http.Handler = mux
	if s.cfg.JWTSecret != "" {
		h = jwtMiddleware(s.cfg.JWTSecret, []string{"/static/", "/login", "/api/auth/"}, h)
	}
	return s.logRequests(h)
}

// Start listens on the configured address and serves in the background.
// The returned address is the one actually bound, useful with port 0.
func (s *Server) Start() (string, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	tlsCfg, err := serverTLS(s.cfg.TLS)
	if err != nil {
		return "", fmt.Errorf("tls: %w", err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         tlsCfg,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		var err error
		if tlsCfg != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("webserver stopped", "err", err)
		}
	}()
	s.logger.Info("webserver listening", "addr", ln.Addr().String(), "tls", tlsCfg != nil)
	return ln.Addr().String(), nil
}

// Shutdown stops accepting connections and waits for open requests until
// ctx ends. Streams are cut when ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return srv.Close()
	}
	return err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush keeps the recorder usable for event streams.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	sr.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "elapsed", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrJobAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrJobDisabled),
		errors.Is(err, jobs.ErrMissingParameter),
		errors.Is(err, jobs.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrManagerStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	writeError(w, status, err)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Status(r.Context(), nil))
}

// handleSSE streams lifecycle events to the browser.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	sw, err := sse.NewWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")

	ch := make(chan events.Event, 16)
	s.addClient(ch)
	defer s.removeClient(ch)

	sw.Start()
	status, err := json.Marshal(s.manager.Status(r.Context(), nil))
	if err != nil {
		s.logger.Debug("events; encode snapshot", "err", err)
		return
	}
	if err := sw.Send(sse.Event{Type: "snapshot", Data: string(status)}); err != nil {
		return
	}

	ticker := time.NewTicker(s.keepaliveEvery)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Debug("events; encode event", "type", e.Type, "err", err)
				continue
			}
			if err := sw.Send(sse.Event{Type: e.Type, Data: string(data)}); err != nil {
				return
			}
		case <-ticker.C:
			if err := sw.Comment("keepalive"); err != nil {
				return
			}
		}
	}
}
