// Package server assembles the HTTP surface over the conversation engine:
// the echo router with security and observability middleware, the versioned
// REST API, health and metrics endpoints, and the chat channel plugins.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/vocerohq/vocero/engine"
	"github.com/vocerohq/vocero/engine/metrics"
	"github.com/vocerohq/vocero/internal/profile"
	"github.com/vocerohq/vocero/plugin/channels/telegram"
	apiv1 "github.com/vocerohq/vocero/server/router/api/v1"
	"github.com/vocerohq/vocero/store"
)

// shutdownTimeout bounds the graceful drain of in-flight requests.
const shutdownTimeout = 10 * time.Second

type Server struct {
	Secret  string
	Profile *profile.Profile
	Store   *store.Store
	Engine  *engine.Engine

	echoServer *echo.Echo
	telegram   *telegram.Bot
}

func NewServer(ctx context.Context, profile *profile.Profile, store *store.Store) (*Server, error) {
	eng, err := engine.New(ctx, profile, store)
	if err != nil {
		return nil, errors.Wrap(err, "create engine")
	}

	echoServer := echo.New()
	echoServer.HideBanner = true
	echoServer.HidePort = true

	echoServer.Use(middleware.Recover())
	echoServer.Use(middleware.RequestID())
	echoServer.Use(secureHeaders())
	echoServer.Use(middleware.CORS())
	echoServer.Use(observeRequests(eng.Metrics))

	s := &Server{
		Secret:     profile.JWTSecret,
		Profile:    profile,
		Store:      store,
		Engine:     eng,
		echoServer: echoServer,
	}

	echoServer.GET("/healthz", s.healthz)
	echoServer.GET("/metrics", echo.WrapHandler(eng.Metrics.Handler()))

	apiV1Service := apiv1.NewAPIV1Service(profile.JWTSecret, profile, eng)
	apiV1Service.Register(echoServer)

	// Chat channels are optional: a missing token just means the channel
	// stays offline.
	if profile.TelegramBotToken != "" {
		bot, err := telegram.NewBot(telegram.ConfigFromProfile(profile), eng.Orchestrator, eng.Metrics)
		if err != nil {
			slog.Warn("server: telegram channel disabled", "error", err)
		} else {
			s.telegram = bot
		}
	}

	return s, nil
}

// Start launches the engine loops and the HTTP listener. The listener runs
// in its own goroutine so Start returns promptly.
func (s *Server) Start(ctx context.Context) error {
	s.Engine.Start(ctx)
	if s.telegram != nil {
		s.telegram.Start(ctx)
	}

	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	go func() {
		if err := s.echoServer.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server: http listener stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown drains the channels and loops, then the HTTP listener, then
// closes the store so staged writes get a final flush.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if s.telegram != nil {
		s.telegram.Stop()
	}
	s.Engine.Stop()

	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("server: failed to shutdown http server", "error", err)
	}
	if err := s.Store.Close(); err != nil {
		slog.Error("server: failed to close store", "error", err)
	}

	slog.Info("server: shutdown complete")
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.Profile.Version,
		"degraded": s.Store.Degraded(),
	})
}

// secureHeaders sets the standard hardening headers on every response.
func secureHeaders() echo.MiddlewareFunc {
	secure := middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
	})
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return secure(func(c echo.Context) error {
			c.Response().Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		})
	}
}

// observeRequests records per-route request counts and latency, keyed by the
// route template rather than the raw path so cardinality stays bounded.
func observeRequests(exporter *metrics.Exporter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			if route == "/metrics" || route == "/healthz" {
				return next(c)
			}

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				var httpErr *echo.HTTPError
				if errors.As(err, &httpErr) {
					status = httpErr.Code
				}
			}
			exporter.RecordHTTPRequest(c.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}
