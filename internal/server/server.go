package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/kernelctl/internal/auth"
	"github.com/danmuck/kernelctl/internal/observability"
	"github.com/danmuck/kernelctl/internal/orchestrator"
	"github.com/danmuck/kernelctl/internal/report"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const version = "0.1.0"

// RunFunc executes one orchestrator run. hook is called for every finished
// unit.
type RunFunc func(ctx context.Context, selectors []string, hook func(orchestrator.Unit)) (*report.Report, error)

// Run states.
const (
	StateRunning = "running"
	StateDone    = "done"
	StateFailed  = "failed"
)

// Run is one asynchronous orchestrator run started over HTTP.
type Run struct {
	ID         string         `json:"id"`
	Kernels    []string       `json:"kernels,omitempty"`
	State      string         `json:"state"`
	Completed  int            `json:"completed"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Report     *report.Report `json:"report,omitempty"`
}

var ErrRunInProgress = errors.New("a run is already in progress")

// Server exposes runs, the latest report, health and metrics.
type Server struct {
	Addr     string
	Appeared time.Time

	ctx    context.Context
	run    RunFunc
	router *gin.Engine
	logger zerolog.Logger
	guard  auth.Validator

	mu      sync.RWMutex
	runs    map[string]*Run
	active  string
	latest  *report.Report
	workers sync.WaitGroup
}

// New builds a server whose runs live under ctx.
func New(ctx context.Context, addr string, corsOrigins []string, run RunFunc) *Server {
	observability.RegisterMetrics()
	logger := observability.Component("server")

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Addr:     addr,
		Appeared: time.Now(),
		ctx:      ctx,
		run:      run,
		router:   r,
		logger:   logger,
		runs:     map[string]*Run{},
	}
	s.registerRoutes()
	return s
}

// RequireToken guards run creation with v. Read-only routes stay open.
func (s *Server) RequireToken(v auth.Validator) {
	s.guard = v
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Serve listens on Addr until the server context ends, then shuts down and
// waits for in-flight runs.
func (s *Server) Serve() error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.Addr).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Wait()
		return err
	case <-s.ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Wait blocks until every started run has finished.
func (s *Server) Wait() {
	s.workers.Wait()
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": "kernelctl",
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/report", func(c *gin.Context) {
		latest := s.Latest()
		if latest == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no completed run"})
			return
		}
		c.JSON(http.StatusOK, latest)
	})

	s.router.GET("/runs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"runs": s.Runs()})
	})

	s.router.POST("/runs", s.authorize, func(c *gin.Context) {
		var body struct {
			Kernels []string `json:"kernels"`
		}
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		run, err := s.Start(body.Kernels)
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "active": s.activeID()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": run.ID, "state": run.State})
	})

	s.router.GET("/runs/:id", func(c *gin.Context) {
		run, ok := s.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusOK, run)
	})
}

// Start launches a run in the background. Only one run is active at a time.
func (s *Server) Start(selectors []string) (Run, error) {
	s.mu.Lock()
	if s.active != "" {
		s.mu.Unlock()
		return Run{}, ErrRunInProgress
	}
	run := &Run{
		ID:        uuid.NewString(),
		Kernels:   append([]string(nil), selectors...),
		State:     StateRunning,
		StartedAt: time.Now(),
	}
	s.runs[run.ID] = run
	s.active = run.ID
	snapshot := *run
	s.workers.Add(1)
	s.mu.Unlock()

	s.logger.Info().Str("run", run.ID).Strs("kernels", selectors).Msg("run accepted")
	go s.execute(run.ID, selectors)
	return snapshot, nil
}

func (s *Server) execute(id string, selectors []string) {
	defer s.workers.Done()
	hook := func(orchestrator.Unit) {
		s.mu.Lock()
		s.runs[id].Completed++
		s.mu.Unlock()
	}
	rep, err := s.run(s.ctx, selectors, hook)

	finished := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.runs[id]
	run.FinishedAt = &finished
	run.Report = rep
	run.State = StateDone
	if err != nil {
		run.State = StateFailed
		run.Error = err.Error()
		s.logger.Error().Err(err).Str("run", id).Msg("run failed")
	} else {
		s.latest = rep
		s.logger.Info().Str("run", id).Int("completed", run.Completed).Msg("run done")
	}
	s.active = ""
}

// Get returns a copy of run id.
func (s *Server) Get(id string) (Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

// Runs lists runs without their reports, newest first.
func (s *Server) Runs() []Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Run, 0, len(s.runs))
	for _, run := range s.runs {
		cp := *run
		cp.Report = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Latest is the report of the last run that completed.
func (s *Server) Latest() *report.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// SetLatest seeds the latest report, e.g. from a saved report file.
func (s *Server) SetLatest(r *report.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = r
}

func (s *Server) authorize(c *gin.Context) {
	if s.guard == nil {
		return
	}
	token, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok || s.guard.Validate(token) != nil {
		s.logger.Warn().Str("client", c.ClientIP()).Msg("run request rejected")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.ErrUnauthorized.Error()})
	}
}

func (s *Server) activeID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
