package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/rickgao/barstream/internal/api"
	"github.com/rickgao/barstream/internal/connection"
	"github.com/rickgao/barstream/internal/model"
)

const shutdownTimeout = 5 * time.Second

// StateSource reports the connection state.
type StateSource interface {
	State() connection.State
}

// Stream is the aggregator surface the API exposes.
type Stream interface {
	Snapshot() model.Snapshot
	Reset()
}

// Deps are the components the handlers read from and act on.
type Deps struct {
	Conn   StateSource
	Sender api.RawSender
	Stream Stream
}

// Server is the gin-backed status API.
type Server struct {
	deps   Deps
	logger *slog.Logger
	engine *gin.Engine
	srv    *http.Server
}

// NewServer builds the router. allowOrigins enables CORS for those origins
// when non-empty.
func NewServer(port int, allowOrigins []string, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	if len(allowOrigins) > 0 {
		engine.Use(cors.New(cors.Config{
			AllowOrigins:  allowOrigins,
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}

	s := &Server{
		deps:   deps,
		logger: logger.With("component", "status"),
		engine: engine,
	}
	s.routes()

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	s.logger.Info("status server stopped")
	return nil
}

func (s *Server) routes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/stream", s.stream)
	s.engine.POST("/streams", s.forwardStreams)
	s.engine.POST("/reset", s.reset)
}
