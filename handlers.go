package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"site-analytics/config"
	"site-analytics/models"
	"site-analytics/service"
	"site-analytics/tracker"
)

const maxEventBytes = 64 << 10

func (s *Server) healthCheck(c *gin.Context) {
	status := gin.H{
		"status":      "healthy",
		"service":     "site-analytics",
		"version":     "1.0.0",
		"environment": s.config.App.Env,
		"storage":     s.config.Storage.Driver,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
	}

	n, err := s.events.Count(c.Request.Context())
	if err != nil {
		status["status"] = "degraded"
		status["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	status["events"] = n
	c.JSON(http.StatusOK, status)
}

// preflight answers OPTIONS /ingest. Requests carrying an Origin are
// answered by the CORS middleware before reaching here.
func (s *Server) preflight(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "POST, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Content-Type, X-Tracker-Agent")
	c.Status(http.StatusOK)
}

func (s *Server) ingestEvent(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	if len(body) > maxEventBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "event too large"})
		return
	}

	res, err := s.tracker.Ingest(c.Request.Context(), body, tracker.RequestMeta{
		Header:     c.Request.Header,
		RemoteAddr: c.Request.RemoteAddr,
	})
	switch {
	case errors.Is(err, tracker.ErrInvalidPayload), errors.Is(err, tracker.ErrMissingField):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store event, please retry"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    "Event recorded",
		"event_id":   res.EventID,
		"data_type":  res.Type,
		"type":       res.Type,
		"session_id": res.SessionID,
		"geo":        res.Geo,
	})
}

func (s *Server) checkSessions(c *gin.Context) {
	opts := service.ScanOptions{
		IncludeSelf: param(c, "include_my_ip") == "1",
	}
	if v, err := strconv.Atoi(param(c, "cooldown")); err == nil {
		opts.Cooldown = time.Duration(max(v, 1)) * time.Second
	}
	if v, err := strconv.Atoi(param(c, "window_hours")); err == nil {
		opts.WindowHours = max(v, config.MinWindowHours)
	}

	res, err := s.notifier.CheckSessions(c.Request.Context(), opts)
	if err != nil {
		s.logger.Errorw("Session check failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "session check failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getSession(c *gin.Context) {
	sessionID := c.Param("id")

	events, err := s.events.ReadSession(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read event log"})
		return
	}

	session, ok := models.BuildSession(sessionID, events)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) listEvents(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		limit = 100
	}

	events, err := s.events.ReadPage(c.Request.Context(), max(offset, 0), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read event log"})
		return
	}
	total, err := s.events.Count(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read event log"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"offset": offset,
		"limit":  limit,
		"total":  total,
	})
}

// param reads a query parameter, falling back to a form field for POST.
func param(c *gin.Context, name string) string {
	if v, ok := c.GetQuery(name); ok {
		return v
	}
	return c.PostForm(name)
}
