// Package server exposes the supervisor over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsforge/warden/internal/registry"
	"github.com/opsforge/warden/internal/supervisor"
	"github.com/opsforge/warden/pkg/models"
)

// Server is the HTTP API for task submission and tracking.
type Server struct {
	sup    *supervisor.Supervisor
	engine *gin.Engine
	http   *http.Server
}

// New creates a server for the supervisor.
func New(sup *supervisor.Supervisor) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		sup:    sup,
		engine: engine,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	{
		api.POST("/tasks", s.handleSubmit)
		api.GET("/tasks", s.handleList)
		api.GET("/tasks/:id", s.handleGet)
		api.DELETE("/tasks/:id", s.handleAcknowledge)
		api.GET("/stats", s.handleStats)
	}
}

// Start begins serving on addr. It blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	log.Printf("server_event=listening addr=%s", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler returns the underlying handler. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req models.SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	task, err := s.sup.Submit(req)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateTask) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"task_id": task.ID,
		"status":  task.Status,
	})
}

func (s *Server) handleGet(c *gin.Context) {
	id := c.Param("id")

	// ?wait=30s blocks until the task finishes or the window closes.
	if waitParam := c.Query("wait"); waitParam != "" {
		wait, err := time.ParseDuration(waitParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid wait: %v", err)})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
		defer cancel()

		task, err := s.sup.Wait(ctx, id)
		if err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			// Window closed with the task still in flight; report current state.
			task, err = s.sup.Status(id)
			if err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, task)
		return
	}

	task, err := s.sup.Status(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleList(c *gin.Context) {
	var req models.ListRequest

	if statusParam := c.Query("status"); statusParam != "" {
		for _, st := range strings.Split(statusParam, ",") {
			req.Status = append(req.Status, models.TaskStatus(strings.TrimSpace(st)))
		}
	}
	if limitParam := c.Query("limit"); limitParam != "" {
		limit, err := strconv.Atoi(limitParam)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		req.Limit = limit
	}
	if offsetParam := c.Query("offset"); offsetParam != "" {
		offset, err := strconv.Atoi(offsetParam)
		if err != nil || offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
		req.Offset = offset
	}

	tasks, err := s.sup.List(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	summaries := make([]models.TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		summaries = append(summaries, t.ToSummary())
	}
	c.JSON(http.StatusOK, gin.H{"tasks": summaries, "count": len(summaries)})
}

func (s *Server) handleAcknowledge(c *gin.Context) {
	id := c.Param("id")

	if err := s.sup.Acknowledge(id); err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, registry.ErrNotTerminal):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": id})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.sup.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
