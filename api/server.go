// Package api exposes the coordinator's RPC surface (spec.md §6) over HTTP
// with gin-gonic/gin, the way poaiw-blockchain-paw's api package fronts its
// own core with a thin gin.Engine wrapper rather than hand-rolled
// net/http routing.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/MuriData/zk-ceremony-coordinator/config"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/blobstore"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/bootstrap"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/finalizer"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/metastore"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/metrics"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/scheduler"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/upload"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/verifier"
)

// Server wires every component spec.md §4 describes into one gin.Engine.
// It owns no ceremony logic itself — every handler is a thin translation
// from an HTTP request to a component call and back to a JSON response.
type Server struct {
	cfg *config.Config
	log zerolog.Logger

	store   metastore.MetaStore
	blobs   blobstore.BlobStore
	boot    *bootstrap.Bootstrapper
	sched   *scheduler.Scheduler
	verif   *verifier.Verifier
	final   *finalizer.Finalizer
	uploads *upload.Coordinator
	metrics *metrics.Metrics

	router *gin.Engine
	http   *http.Server
}

// NewServer assembles the router. Every dependency is constructed by the
// caller (cmd/coordinatord) and handed in already wired, so Server itself
// never reaches for a concrete driver.
func NewServer(
	cfg *config.Config,
	log zerolog.Logger,
	store metastore.MetaStore,
	blobs blobstore.BlobStore,
	boot *bootstrap.Bootstrapper,
	sched *scheduler.Scheduler,
	verif *verifier.Verifier,
	final *finalizer.Finalizer,
	uploads *upload.Coordinator,
	m *metrics.Metrics,
) *Server {
	s := &Server{
		cfg:     cfg,
		log:     log,
		store:   store,
		blobs:   blobs,
		boot:    boot,
		sched:   sched,
		verif:   verif,
		final:   final,
		uploads: uploads,
		metrics: m,
	}
	s.router = s.setupRouter()
	return s
}

func (s *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.Recovery(), s.RequestLogger())
	r.Use(RateLimit(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst, s.cfg.RateLimitCleanupInterval()))
	r.Use(func(c *gin.Context) {
		cors.AllowAll().HandlerFunc(c.Writer, c.Request)
		c.Next()
	})

	r.GET("/healthz", s.healthCheck)
	s.registerRoutes(r)
	return r
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start runs the HTTP server until ctx is canceled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         s.cfg.HTTPAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.HTTPAddr).Msg("http server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
