package server

import (
	"strconv"
	"time"

	"OptionLedger/internal/core"
	"OptionLedger/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Server is the HTTP surface over the engine. All domain behavior lives in
// core.Engine; handlers only translate requests and map errors to statuses.
type Server struct {
	Router *gin.Engine

	engine    *core.Engine
	health    *observability.HealthChecker
	jwtSecret string

	log     zerolog.Logger
	metrics *observability.Metrics
}

func New(engine *core.Engine, health *observability.HealthChecker, jwtSecret string, metrics *observability.Metrics) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		Router:    r,
		engine:    engine,
		health:    health,
		jwtSecret: jwtSecret,
		log:       observability.NewLogger("http"),
		metrics:   metrics,
	}
	r.Use(s.observe())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", gin.WrapF(s.health.LivenessHandler))
	s.Router.GET("/readyz", gin.WrapF(s.health.ReadinessHandler))

	v1 := s.Router.Group("/api/v1")
	v1.Use(AuthMiddleware(s.jwtSecret))
	{
		v1.POST("/trades", s.createTrade)
		v1.GET("/trades", s.listTrades)
		v1.GET("/trades/:id", s.getTrade)
		v1.GET("/balance", s.getBalance)
		v1.POST("/transfers", s.requestTransfer)
		v1.GET("/transfers", s.listTransfers)
		v1.POST("/redemptions", s.redeemCode)
	}

	admin := s.Router.Group("/api/v1/admin")
	admin.Use(AdminMiddleware(s.jwtSecret))
	{
		admin.GET("/users/:id/control", s.getControlMode)
		admin.PUT("/users/:id/control", s.setControlMode)
		admin.POST("/transfers/:id/decision", s.decideTransfer)
		admin.POST("/adjustments", s.adminAdjust)
		admin.POST("/codes", s.createCode)
		admin.DELETE("/codes/:id", s.deactivateCode)
	}
}

// observe records request counts and latency per route template.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
			s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
		if c.Writer.Status() >= 500 {
			s.log.Error().
				Str("route", route).
				Str("method", c.Request.Method).
				Int("status", c.Writer.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request failed")
		}
	}
}
