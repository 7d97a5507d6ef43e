package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sleepysoft/intelhub/config"
	"github.com/sleepysoft/intelhub/internal/model"
	"github.com/sleepysoft/intelhub/internal/pipeline"
	"github.com/sleepysoft/intelhub/internal/search"
	"github.com/sleepysoft/intelhub/internal/store"
)

const shutdownTimeout = 10 * time.Second

// ItemStore is the slice of the item repository the HTTP surface uses.
type ItemStore interface {
	GetItem(ctx context.Context, uuid string) (model.Item, string, error)
	QueryArchived(ctx context.Context, f store.Filter) ([]model.Item, int, error)
	RecentArchived(ctx context.Context, limit int) ([]model.Item, error)
	SetManualRate(ctx context.Context, uuid string, ratings map[string]float64) error
	RetryFailed(ctx context.Context, uuid string) error
	Stats(ctx context.Context) (store.PartitionCounts, error)
	ListPartition(ctx context.Context, partition string, fn func(model.Item) error) error
	ImportItem(ctx context.Context, partition string, it model.Item) (bool, error)
	CreateUser(ctx context.Context, email, hash string) error
	GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error)
}

// Ingest accepts collect submissions, normally the pipeline ingestor.
type Ingest interface {
	Ingest(ctx context.Context, req model.CollectRequest) (pipeline.IngestResult, error)
}

// SimilaritySearcher answers vector search queries, normally the embedding
// service.
type SimilaritySearcher interface {
	SearchText(ctx context.Context, query, kind string, topK int, minSimilarity float64) ([]store.SimilarityHit, error)
	SearchSimilar(ctx context.Context, uuid, kind string, topK int, minSimilarity float64) ([]store.SimilarityHit, error)
}

// Server wires the HTTP API around the pipeline's storage and services.
type Server struct {
	logger  *log.Logger
	cfg     *config.Config
	store   ItemStore
	ingest  Ingest
	similar SimilaritySearcher
	keyword *search.Index
}

// New builds a Server. similar and keyword may be nil when those features are
// disabled.
func New(logger *log.Logger, cfg *config.Config, st ItemStore, ing Ingest, sim SimilaritySearcher, kw *search.Index) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	return &Server{logger: logger, cfg: cfg, store: st, ingest: ing, similar: sim, keyword: kw}
}

// Router assembles the echo instance with middleware and all routes.
func (s *Server) Router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		s.logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization", "X-Collector-Token"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/rssfeed.xml", s.rssFeed)

	api := e.Group("/api")

	auth := &AuthHandler{Store: s.store, Secret: []byte(s.cfg.Server.JWTSecret)}
	auth.Register(api.Group("/auth"))

	api.POST("/collect", s.collect)
	api.POST("/manual_rate", s.manualRate)
	api.GET("/intelligences", s.queryItems)
	api.GET("/intelligences/:uuid", s.getItem)
	api.GET("/intelligences/:uuid/similar", s.similarItems)
	api.GET("/search/similarity", s.searchSimilarity)
	api.GET("/search/keyword", s.searchKeyword)
	api.GET("/stats", s.stats)

	manage := api.Group("/manage")
	manage.Use(authMiddleware(auth.Secret))
	manage.POST("/intelligences/:uuid/retry", s.retryItem)
	manage.GET("/export/:partition", s.exportPartition)
	manage.POST("/import/:partition", s.importPartition)

	return e
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	e := s.Router()
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Start(s.cfg.Server.Address)
	}()
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		s.logger.Printf("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	}
}
