// Package v1 is the REST surface of the conversation engine. Responses use
// a uniform JSON envelope and errors map fault kinds onto HTTP statuses.
package v1

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/vocerohq/vocero/engine"
	"github.com/vocerohq/vocero/internal/profile"
)

type APIV1Service struct {
	// Domain services
	ConversationService *ConversationService
	AnalyzerService     *AnalyzerService
	ExperimentService   *ExperimentService
	SystemService       *SystemService

	// Shared infra
	Profile *profile.Profile
	Engine  *engine.Engine
	Secret  string

	limiter *rateLimiter
}

func NewAPIV1Service(secret string, profile *profile.Profile, eng *engine.Engine) *APIV1Service {
	service := &APIV1Service{
		Secret:  secret,
		Profile: profile,
		Engine:  eng,
		limiter: newRateLimiter(profile.RateLimitPerMinute, profile.RateLimitPerHour, profile.RateLimitWhitelist),
	}

	service.ConversationService = &ConversationService{
		Orchestrator: eng.Orchestrator,
		Store:        eng.Store,
		Metrics:      eng.Metrics,
	}
	service.AnalyzerService = &AnalyzerService{
		Fanout:  eng.Analyzers,
		Store:   eng.Store,
		Metrics: eng.Metrics,
	}
	service.ExperimentService = &ExperimentService{
		Manager: eng.Experiments,
		Store:   eng.Store,
	}
	service.SystemService = &SystemService{
		Profile:   profile,
		Store:     eng.Store,
		Learning:  eng.Learning,
		Scheduler: eng.Scheduler,
		Tracker:   eng.Tracker,
		startedAt: time.Now(),
	}

	return service
}

// Register mounts the REST routes under /api/v1. Every route passes the
// rate limiter first, then bearer auth.
func (s *APIV1Service) Register(echoServer *echo.Echo) {
	api := echoServer.Group("/api/v1")
	api.Use(s.limiter.middleware())
	api.Use(requireBearer(s.Secret))

	api.POST("/conversations", s.ConversationService.StartConversation)
	api.GET("/conversations/:id", s.ConversationService.GetConversation)
	api.POST("/conversations/:id/messages", s.ConversationService.ProcessMessage)
	api.POST("/conversations/:id/end", s.ConversationService.EndConversation)

	api.GET("/analyzers", s.AnalyzerService.ListAnalyzers)
	api.POST("/analyze/:kind", s.AnalyzerService.Analyze)

	api.GET("/experiments", s.ExperimentService.ListExperiments)
	api.POST("/experiments", s.ExperimentService.CreateExperiment)
	api.GET("/experiments/:id", s.ExperimentService.GetExperiment)
	api.POST("/experiments/:id/start", s.ExperimentService.StartExperiment)
	api.POST("/experiments/:id/pause", s.ExperimentService.PauseExperiment)
	api.POST("/experiments/:id/resume", s.ExperimentService.ResumeExperiment)

	api.GET("/system/overview", s.SystemService.GetOverview)
	api.GET("/system/segments", s.SystemService.GetSegments)
}
