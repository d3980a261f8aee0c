// Package api is the control surface of the compositor: the original
// JSON envelope on POST /api, a REST rendering of the same operations, the
// stats and event feeds and the Prometheus endpoint. The same handler is
// served over HTTP/1.1 and, with a certificate, HTTP/3.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mosaic/internal/certs"
	"github.com/zsiec/mosaic/internal/engine"
	"github.com/zsiec/mosaic/internal/events"
	"github.com/zsiec/mosaic/internal/ingest"
	"github.com/zsiec/mosaic/internal/ingest/srt"
	"github.com/zsiec/mosaic/internal/metrics"
)

// DefaultQueryTimeout bounds wait_for_next_frame queries.
const DefaultQueryTimeout = 60 * time.Second

// PullManager starts and stops SRT caller-mode inputs.
type PullManager interface {
	Pull(ctx context.Context, req srt.PullRequest) error
	Stop(inputID string) error
	ActivePulls() []srt.PullRequest
}

// Config wires the API to the engine and its collaborators. Only Engine is
// required.
type Config struct {
	Addr   string
	H3Addr string
	// Cert enables the HTTP/3 listener on H3Addr.
	Cert *certs.Cert

	Engine  *engine.Engine
	Events  *events.Ring
	Metrics *metrics.Metrics
	Ingest  func() []ingest.Stats
	Pulls   PullManager
	MQTT    func() events.MQTTStats

	// QueryTimeout zero means DefaultQueryTimeout.
	QueryTimeout time.Duration
	Log          *slog.Logger
}

// Server serves the control API.
type Server struct {
	cfg    Config
	log    *slog.Logger
	router *gin.Engine
	h3     *http3.Server

	// ctx outlives requests: SRT pulls and engine start use it.
	ctx context.Context
}

// New builds the router. Nothing listens until Start.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("api: Engine is required")
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:    cfg,
		log:    cfg.Log.With("component", "api"),
		router: gin.New(),
		ctx:    context.Background(),
	}
	if cfg.Cert != nil && cfg.H3Addr != "" {
		s.h3 = &http3.Server{
			Addr:      cfg.H3Addr,
			Handler:   s.router,
			TLSConfig: http3.ConfigureTLSConfig(cfg.Cert.TLSConfig()),
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
				Allow0RTT:      true,
			},
		}
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type"}

	s.router.Use(gin.Recovery(), requestLogger(s.log), cors.New(corsConfig))
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "started": s.cfg.Engine.Started()})
	})
	if s.cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.cfg.Metrics.Handler()))
	}

	r.POST("/api", s.handleEnvelope)

	v := r.Group("/api")
	{
		v.POST("/start", s.handleStart)

		v.GET("/inputs", s.handleListInputs)
		v.POST("/inputs", s.handleRegisterInput)
		v.DELETE("/inputs/:id", s.handleUnregisterInput)
		v.GET("/inputs/:id/next-frame", s.handleWaitForNextFrame)

		v.GET("/outputs", s.handleListOutputs)
		v.POST("/outputs", s.handleRegisterOutput)
		v.DELETE("/outputs/:id", s.handleUnregisterOutput)
		v.GET("/outputs/:id/scene", s.handleGetScene)

		v.POST("/scene", s.handleUpdateScene)

		v.GET("/renderers", s.handleListRenderers)
		v.POST("/renderers", s.handleRegisterRenderer)
		v.DELETE("/renderers/:kind/:id", s.handleUnregisterRenderer)
		v.POST("/renderers/web_renderer/:id/invalidate", s.handleInvalidateWeb)

		v.GET("/stats", s.handleStats)
		v.GET("/events", s.handleEvents)

		v.GET("/srt-pull", s.handleSRTPullList)
		v.POST("/srt-pull", s.handleSRTPullCreate)
		v.DELETE("/srt-pull", s.handleSRTPullStop)

		v.GET("/cert-hash", s.handleCertHash)
	}
}

// Handler returns the HTTP handler, advertising HTTP/3 via Alt-Svc when it
// is enabled.
func (s *Server) Handler() http.Handler {
	if s.h3 == nil {
		return s.router
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
			s.log.Debug("setting Alt-Svc", "error", err)
		}
		s.router.ServeHTTP(w, r)
	})
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		s.log.Info("API listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if s.h3 != nil {
		g.Go(func() error {
			s.log.Info("HTTP/3 API listening", "addr", s.h3.Addr)
			err := s.h3.ListenAndServe()
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			return s.h3.Close()
		})
	}
	return g.Wait()
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		lvl := slog.LevelDebug
		switch {
		case status >= 500:
			lvl = slog.LevelError
		case status >= 400:
			lvl = slog.LevelWarn
		}
		log.Log(c.Request.Context(), lvl, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(start))
	}
}
