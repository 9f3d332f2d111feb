package analyzer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocerohq/vocero/store"
)

func TestRouterAnalyzer_Analyze(t *testing.T) {
	ctx := context.Background()
	router := NewRouterAnalyzer()

	tests := []struct {
		name           string
		text           string
		interests      []string
		wantProgram    store.ProgramType
		wantConfidence float64
	}{
		{
			name:           "productivity interest routes to prime",
			interests:      []string{"productivity"},
			wantProgram:    store.ProgramPrime,
			wantConfidence: 0.66,
		},
		{
			name:           "retirement vitality concern routes to longevity",
			text:           "mi preocupación es mantener mi vitalidad cuando me retire",
			wantProgram:    store.ProgramLongevity,
			wantConfidence: 0.82,
		},
		{
			name:           "balanced indicators resolve to hybrid",
			interests:      []string{"productividad", "bienestar"},
			wantProgram:    store.ProgramHybrid,
			wantConfidence: 0.65,
		},
		{
			name:           "no indicators default to hybrid",
			text:           "hola, buenos días",
			wantProgram:    store.ProgramHybrid,
			wantConfidence: 0.5,
		},
		{
			name:           "work stress routes to prime",
			text:           "el estrés del trabajo me está matando y pierdo el enfoque",
			wantProgram:    store.ProgramPrime,
			wantConfidence: 0.95, // three indicators, capped
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Snapshot{
				UserText: tt.text,
				Customer: store.CustomerData{ID: "c1", Name: "Ana", Age: 40, Interests: tt.interests},
			}
			got, err := router.Analyze(ctx, snap)
			require.NoError(t, err)
			assert.Equal(t, tt.wantProgram, got.Program)
			assert.InDelta(t, tt.wantConfidence, got.Confidence, 1e-9)
			assert.NotEmpty(t, got.Reasoning)
		})
	}
}

func TestRouterAnalyzer_MidConversationSwitchSignal(t *testing.T) {
	// A prime customer voices a longevity concern strongly enough to cross
	// the 0.7 switch threshold.
	router := NewRouterAnalyzer()
	snap := Snapshot{
		Program:  store.ProgramPrime,
		UserText: "mi preocupación es mantener mi vitalidad cuando me retire",
		Customer: store.CustomerData{ID: "c1", Name: "Luis", Age: 45, Interests: []string{"productividad"}},
	}

	got, err := router.Analyze(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, store.ProgramLongevity, got.Program)
	assert.GreaterOrEqual(t, got.Confidence, 0.7)
	assert.InDelta(t, 0.82, got.Confidence, 1e-9)
}
