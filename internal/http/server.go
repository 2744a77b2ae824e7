package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/jmehdipour/outbox-relay/internal/config"
	"github.com/jmehdipour/outbox-relay/internal/http/middleware"
	"github.com/jmehdipour/outbox-relay/internal/model"
	"github.com/jmehdipour/outbox-relay/internal/repository"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// EventRecorder is the business write path behind the events endpoint.
type EventRecorder interface {
	Record(ctx context.Context, ev model.InstanceEvent) (model.OutboxMessage, error)
}

// Deps are the collaborators of the HTTP server. Deliveries and Redis may be nil.
type Deps struct {
	Events     EventRecorder
	Outbox     repository.OutboxAdmin
	Deliveries repository.DeliveryLogRepository
	Redis      *redis.Client
}

type Server struct{ e *echo.Echo }

func NewServer(cfg config.Config, deps Deps) *Server {
	// echo
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          deps.Redis,
		DefaultRPS:     cfg.RateLimit.RPS,
		KeyPrefix:      "rl:ip:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", rlMW)
	v1.POST("/instances/:id/events", recordEventHandler(deps.Events))
	v1.GET("/outbox/stats", statsHandler(deps.Outbox))
	v1.GET("/outbox/failed", listFailedHandler(deps.Outbox))
	v1.POST("/outbox/failed/requeue", requeueHandler(deps.Outbox))
	if deps.Deliveries != nil {
		v1.GET("/outbox/deliveries", listDeliveriesHandler(deps.Deliveries))
	}

	return &Server{e: e}
}

// ServeHTTP lets tests drive the router without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.e.ServeHTTP(w, r) }

func (s *Server) Start(addr string) error {
	log.Infof("http: listening on %s", addr)
	return s.e.Start(addr)
}
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func pageParams(c echo.Context) (limit, offset int) {
	limit = 50
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
