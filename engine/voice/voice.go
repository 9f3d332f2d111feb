// Package voice provides the speech synthesis collaborator. Replies are
// synthesized only when the platform requests voice and the feature flag is
// on; everything else goes through the no-op implementation.
package voice

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/vocerohq/vocero/internal/profile"
)

// Synthesizer turns reply text into audio bytes (mp3).
type Synthesizer interface {
	// Synthesize renders text to speech. A nil slice with nil error means
	// synthesis is disabled.
	Synthesize(ctx context.Context, text string) ([]byte, error)
	Enabled() bool
}

// NewSynthesizer returns the OpenAI-backed synthesizer when voice is enabled
// for this profile, otherwise the no-op one.
func NewSynthesizer(p *profile.Profile) Synthesizer {
	if !p.IsVoiceEnabled() {
		return Noop{}
	}
	cfg := openai.DefaultConfig(p.LLMAPIKey)
	if p.LLMProvider == "openai" && p.LLMBaseURL != "" {
		cfg.BaseURL = p.LLMBaseURL
	}
	return &speech{
		client: openai.NewClientWithConfig(cfg),
		model:  openai.SpeechModel(p.VoiceModel),
		voice:  openai.SpeechVoice(p.VoiceName),
	}
}

type speech struct {
	client *openai.Client
	model  openai.SpeechModel
	voice  openai.SpeechVoice
}

func (s *speech) Enabled() bool { return true }

func (s *speech) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          s.model,
		Input:          text,
		Voice:          s.voice,
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		slog.Error("voice: synthesis failed", "error", err)
		return nil, fmt.Errorf("speech synthesis failed: %w", err)
	}
	defer func() { _ = resp.Close() }()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read synthesized audio: %w", err)
	}

	slog.Debug("voice: synthesized reply",
		"text_length", len(text),
		"audio_bytes", len(audio),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return audio, nil
}

// Noop is the synthesizer used when voice is off.
type Noop struct{}

func (Noop) Enabled() bool { return false }

func (Noop) Synthesize(context.Context, string) ([]byte, error) {
	return nil, nil
}
