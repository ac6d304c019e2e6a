package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/tftpd/internal/util"
)

const maxAuditLimit = 1000

// handleStatus returns uptime, counters and host information.
func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"version":        s.version,
		"started_at":     s.startedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"host":           util.GetSystemInfo(),
	}
	if s.src.Connections != nil {
		resp["connections"] = s.src.Connections.Count()
	}
	if s.src.Sessions != nil {
		resp["logged_in"] = s.src.Sessions.Count()
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = mem
	}

	c.JSON(http.StatusOK, resp)
}

// handleSessions lists logged-in users.
func (s *Server) handleSessions(c *gin.Context) {
	if s.src.Sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sessions unavailable"})
		return
	}
	users := s.src.Sessions.Users()
	c.JSON(http.StatusOK, gin.H{
		"sessions": users,
		"total":    len(users),
	})
}

// handleConnections lists open TCP connections.
func (s *Server) handleConnections(c *gin.Context) {
	if s.src.Connections == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "connections unavailable"})
		return
	}
	conns := s.src.Connections.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"connections": conns,
		"total":       len(conns),
	})
}

// handleFiles lists the file store.
func (s *Server) handleFiles(c *gin.Context) {
	if s.src.Files == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "file store unavailable"})
		return
	}
	names, err := s.src.Files.List(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list files")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list files"})
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"files": names,
		"total": len(names),
	})
}

// handleAudit returns the most recent audit entries.
func (s *Server) handleAudit(c *gin.Context) {
	if s.src.Audit == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit log is disabled"})
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxAuditLimit)
	}

	entries, err := s.src.Audit.Recent(c.Request.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to read audit log")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read audit log"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"total":   len(entries),
	})
}
