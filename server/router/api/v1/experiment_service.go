package v1

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vocerohq/vocero/engine/experiment"
	"github.com/vocerohq/vocero/engine/fault"
	"github.com/vocerohq/vocero/store"
)

// ExperimentService administers A/B experiments over REST.
type ExperimentService struct {
	Manager *experiment.Manager
	Store   *store.Store
}

// CreateExperiment handles POST /api/v1/experiments. The body is the
// experiment definition; it is persisted in planning state.
func (s *ExperimentService) CreateExperiment(c echo.Context) error {
	exp := store.Experiment{}
	if err := c.Bind(&exp); err != nil {
		return respondError(c, fault.Wrap(fault.KindBadRequest, "malformed request body", err))
	}
	if err := s.Manager.Create(c.Request().Context(), &exp); err != nil {
		return respondError(c, err)
	}
	return respond(c, 201, exp)
}

// ListExperiments handles GET /api/v1/experiments with an optional ?status=
// filter.
func (s *ExperimentService) ListExperiments(c echo.Context) error {
	status := store.ExperimentStatus(c.QueryParam("status"))
	experiments, err := s.Store.ListExperiments(c.Request().Context(), status)
	if err != nil {
		return respondError(c, fault.Wrap(fault.KindStoreUnavailable, "listing experiments", err))
	}
	return respond(c, 200, map[string]any{"experiments": experiments})
}

// GetExperiment handles GET /api/v1/experiments/:id. Active experiments are
// served from the manager so bandit counters are current; completed ones
// come from the store.
func (s *ExperimentService) GetExperiment(c echo.Context) error {
	id, err := experimentID(c)
	if err != nil {
		return respondError(c, err)
	}
	if exp, ok := s.Manager.Snapshot(id); ok {
		return respond(c, 200, exp)
	}
	exp, err := s.Store.GetExperiment(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, fault.Wrapf(fault.KindNotFound, err, "experiment %s", id))
		}
		return respondError(c, fault.Wrap(fault.KindStoreUnavailable, "loading experiment", err))
	}
	return respond(c, 200, exp)
}

// StartExperiment handles POST /api/v1/experiments/:id/start.
func (s *ExperimentService) StartExperiment(c echo.Context) error {
	return s.transition(c, s.Manager.Start)
}

// PauseExperiment handles POST /api/v1/experiments/:id/pause.
func (s *ExperimentService) PauseExperiment(c echo.Context) error {
	return s.transition(c, s.Manager.Pause)
}

// ResumeExperiment handles POST /api/v1/experiments/:id/resume.
func (s *ExperimentService) ResumeExperiment(c echo.Context) error {
	return s.transition(c, s.Manager.Resume)
}

func (s *ExperimentService) transition(c echo.Context, move func(ctx context.Context, id uuid.UUID) error) error {
	id, err := experimentID(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := move(c.Request().Context(), id); err != nil {
		return respondError(c, err)
	}
	if exp, ok := s.Manager.Snapshot(id); ok {
		return respond(c, 200, exp)
	}
	exp, err := s.Store.GetExperiment(c.Request().Context(), id)
	if err != nil {
		return respondError(c, fault.Wrap(fault.KindStoreUnavailable, "loading experiment", err))
	}
	return respond(c, 200, exp)
}

func experimentID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, fault.Wrap(fault.KindBadRequest, "invalid experiment id", err)
	}
	return id, nil
}
