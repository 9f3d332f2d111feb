// Package platform describes the touchpoint a conversation arrived from and
// the constraints that touchpoint imposes. A Context is fixed when the
// conversation starts and never mutated afterwards.
package platform

import (
	"time"

	"github.com/pkg/errors"

	"github.com/vocerohq/vocero/store"
)

// Source identifies the customer touchpoint.
type Source string

const (
	SourceWeb      Source = "web"
	SourceMobile   Source = "mobile"
	SourceAPI      Source = "api"
	SourceTelegram Source = "telegram"
)

// Interaction modes.
const (
	ModeText  = "text"
	ModeVoice = "voice"
)

// Context carries the per-touchpoint conversation constraints.
type Context struct {
	Source         Source
	Mode           string
	MaxDuration    time.Duration
	EnableVoice    bool
	EnableTransfer bool
}

// DefaultFor returns the conventional constraints for a source. maxDuration
// comes from configuration (MAX_CONVERSATION_DURATION_MINUTES).
func DefaultFor(source Source, maxDuration time.Duration) Context {
	ctx := Context{
		Source:         source,
		Mode:           ModeText,
		MaxDuration:    maxDuration,
		EnableTransfer: true,
	}
	switch source {
	case SourceMobile:
		ctx.EnableVoice = true
	case SourceAPI:
		ctx.EnableTransfer = false
	}
	return ctx
}

// Validate checks the context before it is attached to a conversation.
func (c Context) Validate() error {
	if c.Source == "" {
		return errors.New("platform source is required")
	}
	if c.MaxDuration <= 0 {
		return errors.New("platform max duration must be positive")
	}
	if c.Mode != "" && c.Mode != ModeText && c.Mode != ModeVoice {
		return errors.Errorf("unknown platform mode %q", c.Mode)
	}
	if c.Mode == ModeVoice && !c.EnableVoice {
		return errors.New("voice mode requires voice to be enabled")
	}
	return nil
}

// Config converts the context into its persisted form. MaxDuration is stored
// separately on the conversation row.
func (c Context) Config() store.PlatformConfig {
	mode := c.Mode
	if mode == "" {
		mode = ModeText
	}
	return store.PlatformConfig{
		Source:         string(c.Source),
		Mode:           mode,
		EnableVoice:    c.EnableVoice,
		EnableTransfer: c.EnableTransfer,
	}
}

// FromState rebuilds the context of a stored conversation.
func FromState(state *store.ConversationState) Context {
	return Context{
		Source:         Source(state.Platform.Source),
		Mode:           state.Platform.Mode,
		MaxDuration:    state.MaxDuration(),
		EnableVoice:    state.Platform.EnableVoice,
		EnableTransfer: state.Platform.EnableTransfer,
	}
}
