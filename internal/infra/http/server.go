// Package http exposes the witness over HTTP with gin.
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"witness/internal/config"
	"witness/internal/domain"
	"witness/internal/usecase"
)

type Server struct {
	cfg config.Config
	r   *gin.Engine
	log logrus.FieldLogger

	processor *usecase.StreamProcessor
	query     *usecase.QueryService
	discovery *usecase.DiscoveryService
	witness   *usecase.Witness
	dbMode    bool

	maxStreamBytes int64

	rateLimiter         domain.RateLimiter
	rateLimitRequests   int
	rateLimitWindow     time.Duration
	rateLimitFailClosed bool
}

type ServerDeps struct {
	Processor   *usecase.StreamProcessor
	Query       *usecase.QueryService
	Discovery   *usecase.DiscoveryService
	Witness     *usecase.Witness
	RateLimiter domain.RateLimiter
	Log         logrus.FieldLogger
	DBMode      bool
}

func NewServer(cfg config.Config, deps ServerDeps) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		cfg:            cfg,
		r:              r,
		log:            log,
		processor:      deps.Processor,
		query:          deps.Query,
		discovery:      deps.Discovery,
		witness:        deps.Witness,
		dbMode:         deps.DBMode,
		maxStreamBytes: int64(cfg.MaxStreamBytes),
	}
	if s.maxStreamBytes <= 0 {
		s.maxStreamBytes = 1 << 20
	}
	s.initRateLimit(deps.RateLimiter)
	s.routes()
	return s
}

func (s *Server) initRateLimit(limiter domain.RateLimiter) {
	s.rateLimiter = limiter
	s.rateLimitRequests = s.cfg.RateLimitRequests
	s.rateLimitWindow = s.cfg.RateLimitWindow()
	s.rateLimitFailClosed = s.cfg.RateLimitFailClosed
}

func (s *Server) routes() {
	s.r.Use(requestID(), requestLogger(s.log))

	s.r.GET("/healthz", func(c *gin.Context) {
		dbMode := "no-db"
		if s.dbMode {
			dbMode = "db"
		}
		body := gin.H{"status": "ok", "mode": dbMode}
		if s.witness != nil {
			body["prefix"] = s.witness.Prefix()
		}
		c.JSON(http.StatusOK, body)
	})

	api := s.r.Group("/", s.rateLimit())
	{
		api.POST("/publish", s.handlePublish)
		api.GET("/identifier/:id/kel", s.handleKEL)
		api.GET("/identifier/:id/receipts", s.handleReceipts)
		api.GET("/oobi", s.handleOOBI)
		api.GET("/oobi/:id", s.handleLocations)
	}

	s.r.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
}

func (s *Server) Handler() http.Handler {
	return s.r
}
