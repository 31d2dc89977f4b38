package gateway

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ariadne-chat/ariadne/internal/convo"
	"github.com/ariadne-chat/ariadne/internal/orchestrator"
)

// Handler abstracts the orchestrator for testability. The real
// implementation is *orchestrator.Orchestrator.
type Handler interface {
	Answer(ctx context.Context, chatID, sender, question string) orchestrator.Reply
	Observe(chatID, sender, text string, attachments []convo.AttachmentNote)
	IngestFile(ctx context.Context, chatID, filename, localPath string) (convo.AttachmentNote, string)
	Reset(chatID string)
}

// Sender is the outbound half of the gateway client.
type Sender interface {
	SendText(ctx context.Context, chatID, text string) error
	SendFile(ctx context.Context, chatID, path string) error
}

// handleTimeout bounds how long one envelope may be processed,
// including the agent round trip.
const handleTimeout = 5 * time.Minute

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Messages <-chan *Envelope
	Sender   Sender
	Handler  Handler
	Trigger  string // mention tag that addresses the bot, e.g. "@bot"
	Logger   *slog.Logger
}

// Bridge consumes gateway envelopes and routes them: messages that
// address the bot become questions, files get ingested into the
// conversation knowledge base, and everything else is observed as
// history context.
type Bridge struct {
	messages <-chan *Envelope
	sender   Sender
	handler  Handler
	trigger  string
	logger   *slog.Logger
}

// NewBridge creates a gateway message bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	trigger := cfg.Trigger
	if trigger == "" {
		trigger = "@bot"
	}
	return &Bridge{
		messages: cfg.Messages,
		sender:   cfg.Sender,
		handler:  cfg.Handler,
		trigger:  trigger,
		logger:   logger,
	}
}

// Start processes envelopes until ctx is cancelled or the message
// channel closes.
func (b *Bridge) Start(ctx context.Context) {
	b.logger.Info("gateway bridge started", "trigger", b.trigger)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("gateway bridge shutting down")
			return
		case env, ok := <-b.messages:
			if !ok {
				b.logger.Info("gateway message channel closed, bridge stopping")
				return
			}
			b.handleEnvelope(ctx, env)
		}
	}
}

func (b *Bridge) handleEnvelope(ctx context.Context, env *Envelope) {
	if env.IsSelf {
		return
	}
	if env.ChatID == "" || env.Sender == "" {
		b.logger.Debug("gateway ignoring envelope with missing routing fields")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	sender := env.Sender
	if env.SenderName != "" {
		sender = env.SenderName
	}

	question, addressed := b.matchTrigger(env.Text)

	var notes []convo.AttachmentNote
	var acks []string
	for _, att := range env.Attachments {
		note, ack := b.handler.IngestFile(ctx, env.ChatID, att.Filename, att.LocalPath)
		notes = append(notes, note)
		acks = append(acks, ack)
	}

	if !addressed {
		if env.Text != "" || len(notes) > 0 {
			b.handler.Observe(env.ChatID, sender, env.Text, notes)
		}
		return
	}

	b.logger.Info("gateway message addressed to bot",
		"chat_id", env.ChatID, "sender", sender,
		"question_len", len(question), "attachments", len(env.Attachments))

	if strings.EqualFold(question, "reset") {
		b.handler.Reset(env.ChatID)
		b.send(ctx, env.ChatID, "Conversation context cleared.")
		return
	}

	if question == "" {
		// Addressed with files but no question: acknowledge the ingest.
		for _, ack := range acks {
			b.send(ctx, env.ChatID, ack)
		}
		return
	}

	reply := b.handler.Answer(ctx, env.ChatID, sender, question)
	if reply.Text != "" {
		b.send(ctx, env.ChatID, reply.Text)
	}
	for _, path := range reply.Attachments {
		if err := b.sender.SendFile(ctx, env.ChatID, path); err != nil {
			b.logger.Warn("gateway file send failed",
				"chat_id", env.ChatID, "path", path, "error", err)
		}
	}
}

func (b *Bridge) send(ctx context.Context, chatID, text string) {
	if err := b.sender.SendText(ctx, chatID, text); err != nil {
		b.logger.Warn("gateway reply send failed", "chat_id", chatID, "error", err)
	}
}

// matchTrigger reports whether text addresses the bot and returns the
// question with the first trigger occurrence removed. Matching is
// case-insensitive.
func (b *Bridge) matchTrigger(text string) (string, bool) {
	lower := strings.ToLower(text)
	idx := strings.Index(lower, strings.ToLower(b.trigger))
	if idx < 0 {
		return "", false
	}
	question := text[:idx] + text[idx+len(b.trigger):]
	return strings.TrimSpace(question), true
}
