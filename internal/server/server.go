// Package server exposes a cdp.Service over HTTP.
//
// Every protocol error is answered with HTTP status 200 and a one-key JSON
// object naming the problem, so clients inspect bodies rather than status
// codes.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdp-go/internal/cdp"
	"cdp-go/internal/version"
)

// HashArrayHeader carries the comma-separated base64 hashes of a batched
// chunk fetch.
const HashArrayHeader = "X-Get-Hash-Array"

// Server routes the cdp HTTP protocol to a Service.
type Server struct {
	service  *cdp.Service
	info     version.Info
	logger   cdp.Logger
	registry *prometheus.Registry
	metrics  *metrics
	requests requestCounts
	engine   *gin.Engine
	http     *http.Server
}

// New creates a Server. queues reports the ingestion queue depths for
// /metrics, usually the Pipeline feeding service.
func New(service *cdp.Service, queues QueueReporter, info version.Info, logger cdp.Logger) *Server {
	if logger == nil {
		logger = cdp.NewNopLogger()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		service:  service,
		info:     info,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	s.metrics = newMetrics(s.registry, service, queues)

	engine := gin.New()
	engine.Use(gin.Recovery(), s.countRequests(), s.metrics.middleware(), s.logRequests())

	engine.GET("/Version", s.handleVersion)
	engine.GET("/Version.json", s.handleVersionJSON)
	engine.GET("/File/List.json", s.handleList)
	engine.GET("/Data/:hash", s.handleData)
	engine.GET("/Stats.json", s.handleStats)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	engine.POST("/Meta.json", s.handleMeta)
	engine.POST("/Hash_Array.json", s.handleHashArray)
	engine.POST("/Data.json", s.handleDataPost)
	engine.POST("/Data_Array.json", s.handleDataArrayPost)

	engine.NoRoute(s.handleUnknown)

	s.engine = engine
	s.http = &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve accepts connections on ln until Shutdown is called. It returns nil
// after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("listening", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// countRequests feeds the /Stats.json request counters. Requests that
// match no route count as unknown whatever their method.
func (s *Server) countRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		switch {
		case c.FullPath() == "":
			s.requests.unknown.Add(1)
		case c.Request.Method == http.MethodGet:
			s.requests.get.Add(1)
		case c.Request.Method == http.MethodPost:
			s.requests.post.Add(1)
		default:
			s.requests.unknown.Add(1)
		}
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		args := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			args = append(args, "errors", c.Errors.String())
		}
		switch {
		case c.Writer.Status() >= 500 || len(c.Errors) > 0:
			s.logger.Error("http request", args...)
		case c.Writer.Status() >= 400:
			s.logger.Warn("http request", args...)
		default:
			s.logger.Debug("http request", args...)
		}
	}
}
