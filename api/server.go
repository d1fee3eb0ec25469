// Package api exposes a small HTTP surface for inspecting pipeline state and
// nudging it: health, status, per-video records and manual retries.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"reelpipe/budget"
	"reelpipe/scheduler"
	"reelpipe/store"
)

// Server wraps the gin engine and its collaborators.
type Server struct {
	store     store.Store
	budget    *budget.Tracker
	scheduler *scheduler.Scheduler
	engine    *gin.Engine
	http      *http.Server
}

// NewServer builds the HTTP server on the given port.
func NewServer(st store.Store, tracker *budget.Tracker, sched *scheduler.Scheduler, port string) *Server {
	s := &Server{
		store:     st,
		budget:    tracker,
		scheduler: sched,
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/status", s.handleStatus)
	r.GET("/api/videos", s.handleListVideos)
	r.GET("/api/videos/:id/segments", s.handleListSegments)
	r.POST("/api/videos/:id/segments/:index/retry", s.handleRetry)
	r.POST("/api/run", s.handleRun)

	s.engine = r
	s.http = &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	return s
}

// Start serves in a background goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("API listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("API server error: %v", err)
		}
	}()
}

// Stop drains in-flight requests, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	consecutive, total := s.budget.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"scheduler": s.scheduler.Snapshot(),
		"errors": gin.H{
			"consecutive": consecutive,
			"total":       total,
		},
	})
}

func (s *Server) handleListVideos(c *gin.Context) {
	videos, err := s.store.ListVideos(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"videos": videos})
}

func (s *Server) handleListSegments(c *gin.Context) {
	id := c.Param("id")
	segments, err := s.store.ListSegments(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"video_id": id, "segments": segments})
}

// handleRetry flips one failed segment back to pending so the next run picks
// it up again.
func (s *Server) handleRetry(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "segment index must be a non-negative integer"})
		return
	}

	key := store.SegmentKey{VideoID: c.Param("id"), Index: index}
	switch err := s.store.MarkRetry(c.Request.Context(), key); {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"video_id": key.VideoID, "index": key.Index, "status": store.StatusPending})
	}
}

// handleRun triggers a pipeline pass without waiting for the schedule. The
// run happens in the background; the response only acknowledges the trigger.
func (s *Server) handleRun(c *gin.Context) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
		defer cancel()
		s.scheduler.TriggerNow(ctx)
	}()
	c.JSON(http.StatusAccepted, gin.H{"message": "pipeline run triggered"})
}
