// Package telegram runs the Telegram touchpoint. Each chat maps to one live
// conversation: the first message opens it, every text becomes a turn and
// /end (or an engine-side close) finishes it. Updates arrive by long poll,
// so no public webhook URL is needed.
package telegram

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"log/slog"

	"github.com/vocerohq/vocero/engine/conversation"
	"github.com/vocerohq/vocero/engine/fault"
	"github.com/vocerohq/vocero/engine/metrics"
	"github.com/vocerohq/vocero/engine/platform"
	"github.com/vocerohq/vocero/internal/profile"
	"github.com/vocerohq/vocero/store"
)

const (
	// maxMessageLength is Telegram's hard cap for one text message.
	maxMessageLength = 4096
	// turnTimeout bounds one update's round trip through the engine.
	turnTimeout = 2 * time.Minute
)

// Conversations is the slice of the orchestrator the channel needs.
type Conversations interface {
	StartConversation(ctx context.Context, customer store.CustomerData, pctx platform.Context, program store.ProgramType) (*store.ConversationState, error)
	ProcessMessage(ctx context.Context, conversationID uuid.UUID, userText string, checkIntent bool) (*conversation.Reply, error)
	EndConversation(ctx context.Context, conversationID uuid.UUID, reason string) (*store.ConversationState, error)
}

// Config holds the channel settings.
type Config struct {
	Token string
	// PollTimeout is the long-poll duration per GetUpdates call.
	PollTimeout time.Duration
	// EnableVoice requests synthesized voice notes for replies.
	EnableVoice bool
}

// ConfigFromProfile derives the channel settings from the service profile.
func ConfigFromProfile(p *profile.Profile) Config {
	return Config{
		Token:       p.TelegramBotToken,
		PollTimeout: 30 * time.Second,
		EnableVoice: p.IsVoiceEnabled(),
	}
}

// Bot bridges Telegram chats onto the conversation engine.
type Bot struct {
	api           *tgbotapi.BotAPI
	conversations Conversations
	exporter      *metrics.Exporter
	cfg           Config

	mu       sync.Mutex
	sessions map[int64]uuid.UUID

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewBot connects to the Telegram Bot API and verifies the token.
func NewBot(cfg Config, conversations Conversations, exporter *metrics.Exporter) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, errors.Wrap(err, "create telegram bot")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	return &Bot{
		api:           api,
		conversations: conversations,
		exporter:      exporter,
		cfg:           cfg,
		sessions:      map[int64]uuid.UUID{},
		stopCh:        make(chan struct{}),
	}, nil
}

// Start begins consuming updates. It returns immediately; the poll loop runs
// until Stop.
func (b *Bot) Start(ctx context.Context) {
	if !b.running.CompareAndSwap(false, true) {
		return
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(b.cfg.PollTimeout / time.Second)
	updates := b.api.GetUpdatesChan(u)

	b.wg.Add(1)
	go b.loop(ctx, updates)

	slog.Info("telegram: channel started", "bot", b.api.Self.UserName)
}

// Stop halts the poll loop and waits for in-flight turns to finish.
func (b *Bot) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	b.api.StopReceivingUpdates()
	close(b.stopCh)
	b.wg.Wait()
	slog.Info("telegram: channel stopped")
}

func (b *Bot) loop(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			// Turns run concurrently across chats; the orchestrator's
			// per-conversation lock serializes turns within one.
			b.wg.Add(1)
			go func(msg *tgbotapi.Message) {
				defer b.wg.Done()
				turnCtx, cancel := context.WithTimeout(ctx, turnTimeout)
				defer cancel()
				b.handleMessage(turnCtx, msg)
			}(update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	switch strings.TrimSpace(msg.Text) {
	case "/start":
		b.handleStart(ctx, msg)
	case "/end":
		b.handleEnd(ctx, msg)
	default:
		b.handleTurn(ctx, msg)
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	if _, ok := b.session(msg.Chat.ID); ok {
		b.send(msg.Chat.ID, "We are already talking. Send /end to finish this conversation first.")
		return
	}
	state, err := b.open(ctx, msg)
	if err != nil {
		b.reportFault(msg.Chat.ID, err)
		return
	}
	if last := state.LastAssistantMessage(); last != nil {
		b.send(msg.Chat.ID, last.Content)
	}
}

func (b *Bot) handleEnd(ctx context.Context, msg *tgbotapi.Message) {
	id, ok := b.session(msg.Chat.ID)
	if !ok {
		b.send(msg.Chat.ID, "There is no active conversation. Send any message to start one.")
		return
	}
	state, err := b.conversations.EndConversation(ctx, id, conversation.ReasonNaturalEnd)
	b.dropSession(msg.Chat.ID)
	if err != nil {
		b.reportFault(msg.Chat.ID, err)
		return
	}
	if last := state.LastAssistantMessage(); last != nil {
		b.send(msg.Chat.ID, last.Content)
	}
}

func (b *Bot) handleTurn(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	id, ok := b.session(chatID)
	if !ok {
		state, err := b.open(ctx, msg)
		if err != nil {
			b.reportFault(chatID, err)
			return
		}
		id = state.ID
		if last := state.LastAssistantMessage(); last != nil {
			b.send(chatID, last.Content)
		}
	}

	start := time.Now()
	reply, err := b.conversations.ProcessMessage(ctx, id, msg.Text, true)
	if err != nil {
		b.exporter.RecordTurn("unknown", time.Since(start), false)
		// A conversation closed by a sweep or another client leaves a stale
		// mapping; drop it so the next message opens fresh.
		if fault.IsKind(err, fault.KindClosedConversation) || fault.IsKind(err, fault.KindNotFound) {
			b.dropSession(chatID)
		}
		b.reportFault(chatID, err)
		return
	}
	b.exporter.RecordTurn(string(reply.State.ProgramType), time.Since(start), true)

	b.send(chatID, reply.Text)
	if len(reply.Audio) > 0 {
		b.sendAudio(chatID, reply.Audio)
	}
	if reply.Closed {
		b.dropSession(chatID)
	}
}

// open starts a conversation for the chat and remembers the mapping. The
// customer id is derived from the chat id so the cooldown follows the chat.
func (b *Bot) open(ctx context.Context, msg *tgbotapi.Message) (*store.ConversationState, error) {
	pctx := platform.DefaultFor(platform.SourceTelegram, 0)
	pctx.EnableVoice = b.cfg.EnableVoice

	state, err := b.conversations.StartConversation(ctx, customerFor(msg), pctx, "")
	if err != nil {
		return nil, err
	}
	b.exporter.RecordConversationStarted(string(state.ProgramType), string(platform.SourceTelegram))

	b.mu.Lock()
	b.sessions[msg.Chat.ID] = state.ID
	b.mu.Unlock()

	slog.Info("telegram: conversation opened",
		"chat", msg.Chat.ID, "conversation", state.ID, "program", state.ProgramType)
	return state, nil
}

func customerFor(msg *tgbotapi.Message) store.CustomerData {
	customer := store.CustomerData{
		ID:         "telegram:" + strconv.FormatInt(msg.Chat.ID, 10),
		Name:       "Telegram user",
		Attributes: map[string]string{},
	}
	if from := msg.From; from != nil {
		if from.FirstName != "" {
			customer.Name = strings.TrimSpace(from.FirstName + " " + from.LastName)
		} else if from.UserName != "" {
			customer.Name = from.UserName
		}
		if from.UserName != "" {
			customer.Attributes["username"] = from.UserName
		}
		if from.LanguageCode != "" {
			customer.Attributes["language_code"] = from.LanguageCode
		}
	}
	return customer
}

func (b *Bot) session(chatID int64) (uuid.UUID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.sessions[chatID]
	return id, ok
}

func (b *Bot) dropSession(chatID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, chatID)
}

// send delivers text, split into Telegram-sized chunks when needed.
func (b *Bot) send(chatID int64, text string) {
	for _, chunk := range splitMessage(text, maxMessageLength) {
		if _, err := b.api.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			slog.Warn("telegram: send failed", "chat", chatID, "error", err)
			return
		}
	}
}

func (b *Bot) sendAudio(chatID int64, audio []byte) {
	voiceNote := tgbotapi.NewAudio(chatID, tgbotapi.FileBytes{
		Name:  "reply.mp3",
		Bytes: audio,
	})
	if _, err := b.api.Send(voiceNote); err != nil {
		slog.Warn("telegram: audio send failed", "chat", chatID, "error", err)
	}
}

// reportFault translates engine faults into chat-friendly messages.
func (b *Bot) reportFault(chatID int64, err error) {
	f := fault.Get(err)
	if f == nil {
		slog.Error("telegram: turn failed", "chat", chatID, "error", err)
		b.send(chatID, "Something went wrong on our side. Please try again in a moment.")
		return
	}

	switch f.Kind {
	case fault.KindCooldownActive:
		text := "We finished a conversation with you recently. Please come back a bit later."
		if retry, ok := f.Details["retry_after_seconds"].(int64); ok {
			text = "We finished a conversation with you recently. Please come back in about " +
				formatWait(int(retry)) + "."
		}
		b.send(chatID, text)
	case fault.KindClosedConversation:
		b.send(chatID, "That conversation has ended. Send any message to start a new one.")
	case fault.KindValidation, fault.KindBadRequest:
		b.send(chatID, "I could not make sense of that request: "+f.Message)
	default:
		slog.Error("telegram: turn failed", "chat", chatID, "kind", f.Kind, "error", err)
		b.send(chatID, "Something went wrong on our side. Please try again in a moment.")
	}
}

func formatWait(seconds int) string {
	d := time.Duration(seconds) * time.Second
	switch {
	case d >= time.Hour:
		return strconv.Itoa(int((d + time.Hour - 1) / time.Hour)) + " hours"
	case d >= time.Minute:
		return strconv.Itoa(int((d + time.Minute - 1) / time.Minute)) + " minutes"
	default:
		return strconv.Itoa(seconds) + " seconds"
	}
}

// splitMessage cuts text into chunks of at most limit runes, preferring line
// breaks, then spaces, as cut points.
func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' || runes[i-1] == ' ' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimSpace(string(runes[:cut])))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, strings.TrimSpace(string(runes)))
	}
	return chunks
}
