// Package apihttp exposes the sync engine over HTTP: series inspection,
// download control, run history and a server-sent event stream.
package apihttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"chartsync/internal/backfill"
	"chartsync/internal/events"
	"chartsync/internal/gateway/provider"
	"chartsync/internal/logger"
	"chartsync/internal/market"
	"chartsync/internal/store/ledger"

	"github.com/gin-gonic/gin"
)

// SyncService is the part of backfill.Service the handlers drive.
type SyncService interface {
	Series(ctx context.Context, id market.SeriesID) (*market.Series, error)
	Gaps(ctx context.Context, id market.SeriesID) ([]backfill.Gap, error)
	Sync(ctx context.Context, id market.SeriesID) (backfill.SyncStart, error)
	Pause(id market.SeriesID) bool
	Resume(id market.SeriesID) bool
	Retry(id market.SeriesID) bool
	Stop(ctx context.Context, id market.SeriesID) bool
	ResetHistory(id market.SeriesID) error
	Progress(id market.SeriesID) (backfill.Progress, bool)
	Downloads() []backfill.Progress
}

type SeriesLister interface {
	IDs() []market.SeriesID
}

type RunStore interface {
	Runs(ctx context.Context, id *market.SeriesID, limit int) ([]ledger.Run, error)
	Run(ctx context.Context, runID string) (ledger.Run, error)
}

type EventSource interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

type Config struct {
	Addr     string
	Sync     SyncService
	Series   SeriesLister
	Runs     RunStore
	Events   EventSource
	Provider provider.Provider
}

type Server struct {
	addr   string
	cfg    Config
	router *gin.Engine
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Sync == nil || cfg.Series == nil {
		return nil, errors.New("api server requires a sync service and a series registry")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9992"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{addr: cfg.Addr, cfg: cfg, router: router}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")
	api.GET("/series", s.handleSeriesList)
	api.GET("/series/:id", s.handleSeries)
	api.GET("/series/:id/candles", s.handleCandles)
	api.GET("/series/:id/gaps", s.handleGaps)
	api.POST("/series/:id/sync", s.handleSync)
	api.POST("/series/:id/pause", s.control(func(_ *gin.Context, id market.SeriesID) bool { return s.cfg.Sync.Pause(id) }))
	api.POST("/series/:id/resume", s.control(func(_ *gin.Context, id market.SeriesID) bool { return s.cfg.Sync.Resume(id) }))
	api.POST("/series/:id/retry", s.control(func(_ *gin.Context, id market.SeriesID) bool { return s.cfg.Sync.Retry(id) }))
	api.POST("/series/:id/stop", s.control(func(c *gin.Context, id market.SeriesID) bool {
		return s.cfg.Sync.Stop(c.Request.Context(), id)
	}))
	api.POST("/series/:id/reset-history", s.handleResetHistory)
	api.GET("/downloads", s.handleDownloads)
	api.GET("/downloads/:id", s.handleDownload)
	api.GET("/runs", s.handleRuns)
	api.GET("/runs/:id", s.handleRun)
	api.GET("/events", s.handleEvents)
	api.GET("/provider/ping", s.handlePing)
	api.GET("/account/balance", s.handleBalance)
}

func (s *Server) Addr() string { return s.addr }

func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("api listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			c.Request.Method, c.Request.URL.RequestURI(), c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}
