package status

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rickgao/barstream/internal/api"
	"github.com/rickgao/barstream/internal/connection"
	"github.com/rickgao/barstream/internal/version"
)

// streamsRequest is the POST /streams body, the same shape the strategy
// agent returns.
type streamsRequest struct {
	Streams []api.StreamCommand `json:"streams" binding:"required"`
}

func (s *Server) health(c *gin.Context) {
	state := s.deps.Conn.State()

	code := http.StatusOK
	status := "ok"
	if state != connection.StateOpen {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}

	c.JSON(code, gin.H{
		"status":     status,
		"connection": state,
		"version":    version.Get(),
	})
}

func (s *Server) stream(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Stream.Snapshot())
}

func (s *Server) forwardStreams(c *gin.Context) {
	var req streamsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"streams\":[{\"payload\":...}]}"})
		return
	}

	n := api.ForwardStreams(s.deps.Sender, req.Streams, s.logger)
	s.logger.Info("forwarded stream commands", "received", len(req.Streams), "forwarded", n)
	c.JSON(http.StatusOK, gin.H{"forwarded": n})
}

func (s *Server) reset(c *gin.Context) {
	s.deps.Stream.Reset()
	c.JSON(http.StatusOK, gin.H{"reset": true})
}
