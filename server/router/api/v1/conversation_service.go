package v1

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vocerohq/vocero/engine/conversation"
	"github.com/vocerohq/vocero/engine/fault"
	"github.com/vocerohq/vocero/engine/metrics"
	"github.com/vocerohq/vocero/engine/platform"
	"github.com/vocerohq/vocero/store"
)

// ConversationService exposes the conversation lifecycle over REST.
type ConversationService struct {
	Orchestrator *conversation.Orchestrator
	Store        *store.Store
	Metrics      *metrics.Exporter
}

type startConversationRequest struct {
	Customer store.CustomerData `json:"customer"`
	Program  string             `json:"program,omitempty"`
	Platform *platformRequest   `json:"platform,omitempty"`
}

// platformRequest overrides the touchpoint defaults. The bool overrides are
// pointers so an absent field keeps the per-source default.
type platformRequest struct {
	Source         string `json:"source"`
	Mode           string `json:"mode,omitempty"`
	EnableVoice    *bool  `json:"enable_voice,omitempty"`
	EnableTransfer *bool  `json:"enable_transfer,omitempty"`
}

type startConversationResponse struct {
	Conversation *store.ConversationState `json:"conversation"`
	Greeting     string                   `json:"greeting,omitempty"`
}

// turnResponse is the lean per-turn view; GetConversation serves the full
// state.
type turnResponse struct {
	ConversationID uuid.UUID   `json:"conversation_id"`
	Reply          string      `json:"reply"`
	Audio          []byte      `json:"audio,omitempty"`
	Closed         bool        `json:"closed"`
	Phase          store.Phase `json:"phase"`
	EndReason      string      `json:"end_reason,omitempty"`
}

// StartConversation handles POST /api/v1/conversations.
func (s *ConversationService) StartConversation(c echo.Context) error {
	req := startConversationRequest{}
	if err := c.Bind(&req); err != nil {
		return respondError(c, fault.Wrap(fault.KindBadRequest, "malformed request body", err))
	}

	pctx := platform.DefaultFor(platform.SourceAPI, 0)
	if req.Platform != nil {
		if req.Platform.Source != "" {
			pctx = platform.DefaultFor(platform.Source(req.Platform.Source), 0)
		}
		if req.Platform.Mode != "" {
			pctx.Mode = req.Platform.Mode
		}
		if req.Platform.EnableVoice != nil {
			pctx.EnableVoice = *req.Platform.EnableVoice
		}
		if req.Platform.EnableTransfer != nil {
			pctx.EnableTransfer = *req.Platform.EnableTransfer
		}
	}

	state, err := s.Orchestrator.StartConversation(c.Request().Context(), req.Customer, pctx, store.ProgramType(req.Program))
	if err != nil {
		return respondError(c, err)
	}
	s.Metrics.RecordConversationStarted(string(state.ProgramType), state.Platform.Source)

	greeting := ""
	if last := state.LastAssistantMessage(); last != nil {
		greeting = last.Content
	}
	return respond(c, 201, startConversationResponse{Conversation: state, Greeting: greeting})
}

type processMessageRequest struct {
	Message string `json:"message"`
	// CheckIntent gates the intent-driven close rules; defaults to true.
	CheckIntent *bool `json:"check_intent,omitempty"`
}

// ProcessMessage handles POST /api/v1/conversations/:id/messages.
func (s *ConversationService) ProcessMessage(c echo.Context) error {
	id, err := conversationID(c)
	if err != nil {
		return respondError(c, err)
	}
	req := processMessageRequest{}
	if err := c.Bind(&req); err != nil {
		return respondError(c, fault.Wrap(fault.KindBadRequest, "malformed request body", err))
	}
	checkIntent := req.CheckIntent == nil || *req.CheckIntent

	start := time.Now()
	reply, err := s.Orchestrator.ProcessMessage(c.Request().Context(), id, req.Message, checkIntent)
	if err != nil {
		// A failed turn carries no state, so the program label is unknown.
		s.Metrics.RecordTurn("unknown", time.Since(start), false)
		return respondError(c, err)
	}
	s.Metrics.RecordTurn(string(reply.State.ProgramType), time.Since(start), true)

	return respond(c, 200, turnResponse{
		ConversationID: reply.State.ID,
		Reply:          reply.Text,
		Audio:          reply.Audio,
		Closed:         reply.Closed,
		Phase:          reply.State.Phase,
		EndReason:      reply.State.EndReason,
	})
}

type endConversationRequest struct {
	Reason string `json:"reason,omitempty"`
}

// EndConversation handles POST /api/v1/conversations/:id/end.
func (s *ConversationService) EndConversation(c echo.Context) error {
	id, err := conversationID(c)
	if err != nil {
		return respondError(c, err)
	}
	req := endConversationRequest{}
	if err := c.Bind(&req); err != nil {
		return respondError(c, fault.Wrap(fault.KindBadRequest, "malformed request body", err))
	}

	state, err := s.Orchestrator.EndConversation(c.Request().Context(), id, req.Reason)
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, 200, turnResponse{
		ConversationID: state.ID,
		Closed:         state.Terminal(),
		Phase:          state.Phase,
		EndReason:      state.EndReason,
	})
}

// GetConversation handles GET /api/v1/conversations/:id.
func (s *ConversationService) GetConversation(c echo.Context) error {
	id, err := conversationID(c)
	if err != nil {
		return respondError(c, err)
	}
	state, err := s.Store.GetConversation(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, fault.Wrapf(fault.KindNotFound, err, "conversation %s", id))
		}
		return respondError(c, fault.Wrap(fault.KindStoreUnavailable, "loading conversation", err))
	}
	return respond(c, 200, state)
}

func conversationID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, fault.Wrap(fault.KindBadRequest, "invalid conversation id", err)
	}
	return id, nil
}
