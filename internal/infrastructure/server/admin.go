package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chenchaobing/jaeger-demo/internal/broker"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/monitoring"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/tracing"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/workers"
)

// TracerReport is the body of GET /debug/tracer.
type TracerReport struct {
	Stats    tracing.Stats      `json:"stats"`
	InFlight []tracing.SpanData `json:"in_flight"`
	Recent   []tracing.SpanData `json:"recent"`
}

// StatsReport is the body of GET /debug/stats.
type StatsReport struct {
	NodeID     string                            `json:"node_id"`
	Ingress    map[string]broker.DispatcherStats `json:"ingress"`
	Completion workers.Stats                     `json:"completion"`
	Breaker    string                            `json:"breaker,omitempty"`
	Counters   monitoring.Snapshot               `json:"counters"`
}

func (s *Server) newRouter() *gin.Engine {
	if !s.config.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(s.metrics))

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	router.GET("/debug/tracer", s.debugTracer)
	router.GET("/debug/stats", s.debugStats)

	return router
}

func (s *Server) health(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting", "node_id": s.config.Node.ID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "node_id": s.config.Node.ID})
}

func (s *Server) debugTracer(c *gin.Context) {
	c.JSON(http.StatusOK, TracerReport{
		Stats:    s.tracer.Stats(),
		InFlight: s.tracer.InFlight(),
		Recent:   s.recorder.Spans(),
	})
}

func (s *Server) debugStats(c *gin.Context) {
	report := StatsReport{
		NodeID:     s.config.Node.ID,
		Ingress:    s.ingress.Stats(),
		Completion: s.pool.Stats(),
		Counters:   s.metrics.Snapshot(),
	}
	if s.breaker != nil {
		report.Breaker = s.breaker.State().String()
	}
	c.JSON(http.StatusOK, report)
}
