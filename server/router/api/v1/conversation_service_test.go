package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocerohq/vocero/engine/conversation"
	"github.com/vocerohq/vocero/store"
)

type startResponse struct {
	Conversation store.ConversationState `json:"conversation"`
	Greeting     string                  `json:"greeting"`
}

func TestStartConversationEndpoint(t *testing.T) {
	t.Run("creates a session with a greeting", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/conversations", map[string]any{
			"customer": customerBody("c-start-1"),
			"program":  "PRIME",
		})
		require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

		env := decodeEnvelope(t, rec)
		assert.True(t, env.Success)

		var data startResponse
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Equal(t, store.PhaseGreeting, data.Conversation.Phase)
		assert.Equal(t, store.ProgramPrime, data.Conversation.ProgramType)
		assert.Equal(t, h.llm.reply, data.Greeting)
		// No platform block means API-source defaults.
		assert.Equal(t, "api", data.Conversation.Platform.Source)
		assert.False(t, data.Conversation.Platform.EnableVoice)
	})

	t.Run("rejects an invalid customer", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/conversations", map[string]any{
			"customer": map[string]any{"id": "c-start-2"},
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		env := decodeEnvelope(t, rec)
		require.NotNil(t, env.Error)
		assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	})

	t.Run("rejects an unknown program", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/conversations", map[string]any{
			"customer": customerBody("c-start-3"),
			"program":  "GOLD",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("platform overrides replace the defaults", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/conversations", map[string]any{
			"customer": customerBody("c-start-4"),
			"program":  "LONGEVITY",
			"platform": map[string]any{"source": "mobile"},
		})
		require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

		var data startResponse
		require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &data))
		assert.Equal(t, "mobile", data.Conversation.Platform.Source)
		assert.True(t, data.Conversation.Platform.EnableVoice, "mobile defaults to voice capable")
	})

	t.Run("repeat contact inside the cooldown is rejected", func(t *testing.T) {
		h := newAPIHarness(t)
		h.startConversation(t, "c-start-5")

		rec := h.do(t, http.MethodPost, "/api/v1/conversations", map[string]any{
			"customer": customerBody("c-start-5"),
			"program":  "PRIME",
		})
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)

		env := decodeEnvelope(t, rec)
		require.NotNil(t, env.Error)
		assert.Equal(t, "COOLDOWN_ACTIVE", env.Error.Code)
		assert.Contains(t, env.Error.Details, "retry_after_seconds")
		assert.Contains(t, env.Error.Details, "last_conversation_id")
	})
}

func TestProcessMessageEndpoint(t *testing.T) {
	t.Run("runs a turn and advances the phase", func(t *testing.T) {
		h := newAPIHarness(t)
		id := h.startConversation(t, "c-msg-1")

		rec := h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/conversations/%s/messages", id), map[string]any{
			"message": "hola, quiero saber más del programa",
		})
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

		var turn turnResponse
		require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &turn))
		assert.Equal(t, id, turn.ConversationID)
		assert.Equal(t, h.llm.reply, turn.Reply)
		assert.False(t, turn.Closed)
		assert.Equal(t, store.PhaseExploration, turn.Phase)
	})

	t.Run("rejects a blank message", func(t *testing.T) {
		h := newAPIHarness(t)
		id := h.startConversation(t, "c-msg-2")

		rec := h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/conversations/%s/messages", id), map[string]any{
			"message": "   ",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects a malformed conversation id", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/conversations/nope/messages", map[string]any{
			"message": "hola",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown conversation is a 404", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/conversations/%s/messages", uuid.New()), map[string]any{
			"message": "hola",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		env := decodeEnvelope(t, rec)
		require.NotNil(t, env.Error)
		assert.Equal(t, "NOT_FOUND", env.Error.Code)
	})
}

func TestEndConversationEndpoint(t *testing.T) {
	t.Run("closes and is idempotent", func(t *testing.T) {
		h := newAPIHarness(t)
		id := h.startConversation(t, "c-end-1")

		rec := h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/conversations/%s/end", id), map[string]any{})
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

		var turn turnResponse
		require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &turn))
		assert.True(t, turn.Closed)
		assert.Equal(t, store.PhaseEnded, turn.Phase)
		assert.Equal(t, conversation.ReasonNaturalEnd, turn.EndReason)

		rec = h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/conversations/%s/end", id), map[string]any{})
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &turn))
		assert.Equal(t, conversation.ReasonNaturalEnd, turn.EndReason, "second end keeps the original reason")
	})

	t.Run("honors an explicit reason", func(t *testing.T) {
		h := newAPIHarness(t)
		id := h.startConversation(t, "c-end-2")

		rec := h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/conversations/%s/end", id), map[string]any{
			"reason": conversation.ReasonRejection,
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var turn turnResponse
		require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &turn))
		assert.Equal(t, conversation.ReasonRejection, turn.EndReason)
	})
}

func TestGetConversationEndpoint(t *testing.T) {
	t.Run("returns the full state", func(t *testing.T) {
		h := newAPIHarness(t)
		id := h.startConversation(t, "c-get-1")

		rec := h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/conversations/%s", id), nil)
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

		var state store.ConversationState
		require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &state))
		assert.Equal(t, id, state.ID)
		assert.NotEmpty(t, state.Messages, "the greeting is part of the state")
	})

	t.Run("unknown conversation is a 404", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/conversations/%s", uuid.New()), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
