// Package adminhttp is the gin-based operator surface: health probes
// and a handful of read-only/maintenance endpoints, separate from the
// RCPX protocol the database clients speak. Grounded on the teacher's
// cmd/http-wrapper gin setup (CORS middleware, /health, JSON error
// shape), narrowed to fsmdb's own routes and secured with operator
// JWTs instead of being left open.
package adminhttp

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"fsmdb/internal/auth"
	"fsmdb/internal/compaction"
	"fsmdb/internal/fsm"
)

// Server wraps a configured gin.Engine over the fsm engine and compactor.
type Server struct {
	engine     *fsm.Engine
	compactor  *compaction.Compactor
	jwtManager *auth.JWTManager
	router     *gin.Engine
}

// New builds the admin HTTP router. jwtManager may be nil only in
// tests; production wiring always supplies one since every route but
// the two health probes requires an operator token.
func New(engine *fsm.Engine, compactor *compaction.Compactor, jwtManager *auth.JWTManager) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{engine: engine, compactor: compactor, jwtManager: jwtManager}
	s.router = s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.healthz)
	r.GET("/readyz", s.readyz)

	v1 := r.Group("/v1")
	v1.Use(s.requireOperator)
	v1.GET("/wal/stats", s.walStats)
	v1.GET("/instances/:id", s.getInstance)
	v1.POST("/compact", s.triggerCompact)

	return r
}

// requireOperator enforces a `Bearer <jwt>` Authorization header
// carrying a valid operator token, distinct from the protocol's own
// bearer AUTH handshake.
func (s *Server) requireOperator(c *gin.Context) {
	if s.jwtManager == nil {
		c.Next()
		return
	}
	header := c.GetHeader("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" || token == header {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing operator bearer token"})
		return
	}
	if _, err := s.jwtManager.Validate(token); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid operator token"})
		return
	}
	c.Next()
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "fsmdb",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) readyz(c *gin.Context) {
	stats := s.engine.WALManager().Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":     "ready",
		"wal_writes": stats.Writes,
		"segments":   stats.SegmentCount,
	})
}

func (s *Server) walStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.WALManager().Stats())
}

func (s *Server) getInstance(c *gin.Context) {
	inst, err := s.engine.GetInstance(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) triggerCompact(c *gin.Context) {
	force := c.Query("force_snapshot") == "true"
	report, err := s.compactor.TriggerManual(force)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}
