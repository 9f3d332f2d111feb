package v1

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocerohq/vocero/engine/analyzer"
)

func TestListAnalyzersEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/api/v1/analyzers", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		Kinds []string `json:"kinds"`
	}
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &data))
	assert.Len(t, data.Kinds, 8)
	assert.Contains(t, data.Kinds, "intent")
	assert.Contains(t, data.Kinds, "conversion_predictor")
}

func TestAnalyzeEndpoint(t *testing.T) {
	t.Run("single analyzer over an ad-hoc snapshot", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/analyze/intent", map[string]any{
			"text":    "me convence, quiero comprar",
			"program": "PRIME",
		})
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

		var data struct {
			Kind   string                `json:"kind"`
			Result analyzer.IntentResult `json:"result"`
		}
		require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &data))
		assert.Equal(t, "intent", data.Kind)
		assert.Equal(t, analyzer.IntentPurchase, data.Result.Intent)
		assert.Greater(t, data.Result.Confidence, 0.0)
	})

	t.Run("all runs the full fan-out", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/analyze/all", map[string]any{
			"text": "todavía lo estoy pensando",
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var data struct {
			Kind   string         `json:"kind"`
			Result map[string]any `json:"result"`
			Failed []string       `json:"failed"`
		}
		require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &data))
		assert.Equal(t, "all", data.Kind)
		assert.Len(t, data.Result, 8)
		assert.Empty(t, data.Failed)
	})

	t.Run("unknown analyzer kind is a 404", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/analyze/bogus", map[string]any{"text": "hola"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("text is required", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/analyze/intent", map[string]any{"text": "  "})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown program is rejected", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/analyze/intent", map[string]any{
			"text":    "hola",
			"program": "GOLD",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("live conversation as snapshot source", func(t *testing.T) {
		h := newAPIHarness(t)
		id := h.startConversation(t, "c-analyze-1")

		rec := h.do(t, http.MethodPost, "/api/v1/analyze/emotion", map[string]any{
			"conversation_id": id.String(),
			"text":            "esto no me está funcionando",
		})
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

		var data struct {
			Result analyzer.EmotionResult `json:"result"`
		}
		require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &data))
		assert.NotEmpty(t, data.Result.Primary)
	})

	t.Run("unknown conversation id is a 404", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/analyze/intent", map[string]any{
			"conversation_id": uuid.New().String(),
			"text":            "hola",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
