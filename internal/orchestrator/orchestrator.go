// Package orchestrator runs the question pipeline: classify, enrich,
// assemble context, query the agent process, format the reply, and
// record the exchange. Every failure along the way still produces a
// textual reply, so the chat side never goes silent.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariadne-chat/ariadne/internal/agentproc"
	"github.com/ariadne-chat/ariadne/internal/calendar"
	"github.com/ariadne-chat/ariadne/internal/compose"
	"github.com/ariadne-chat/ariadne/internal/convo"
	"github.com/ariadne-chat/ariadne/internal/extract"
	"github.com/ariadne-chat/ariadne/internal/format"
	"github.com/ariadne-chat/ariadne/internal/ledger"
	"github.com/ariadne-chat/ariadne/internal/travel"
)

// Asker is the slice of the agent supervisor the orchestrator needs.
type Asker interface {
	Ask(ctx context.Context, query, chatID string) (string, error)
}

// Reply is what the chat side should deliver: plain text plus any
// generated files to attach.
type Reply struct {
	Text        string
	Attachments []string // local paths, e.g. a generated .ics
}

// Config carries the orchestrator's collaborators. Store, Assembler,
// and Agent are required; the rest are optional.
type Config struct {
	Store     *convo.Store
	Assembler *compose.Assembler
	Agent     Asker
	Extractor *extract.Extractor
	Calendar  *calendar.Agent // nil disables event detection
	Ledger    *ledger.Ledger  // nil disables the audit trail
	Logger    *slog.Logger
}

// Orchestrator answers questions and ingests messages and files for
// any number of conversations.
type Orchestrator struct {
	store     *convo.Store
	assembler *compose.Assembler
	agent     Asker
	extractor *extract.Extractor
	calendar  *calendar.Agent
	ledger    *ledger.Ledger
	logger    *slog.Logger

	nowFunc func() time.Time
}

// New creates an orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ext := cfg.Extractor
	if ext == nil {
		ext = extract.New(logger)
	}
	return &Orchestrator{
		store:     cfg.Store,
		assembler: cfg.Assembler,
		agent:     cfg.Agent,
		extractor: ext,
		calendar:  cfg.Calendar,
		ledger:    cfg.Ledger,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// Answer runs one question through the full pipeline and returns the
// reply to deliver. It never returns an error: failures become reply
// text and are recorded in the ledger.
func (o *Orchestrator) Answer(ctx context.Context, chatID, sender, question string) Reply {
	start := o.nowFunc()

	category := compose.Classify(question)
	query := question
	if category == compose.CategoryDefault {
		if enriched, ok := travel.Process(question); ok {
			o.logger.Debug("travel enrichment applied",
				"chat_id", chatID, "location", enriched.Location, "search", string(enriched.Type))
			query = enriched.Query
		}
	}

	prompt, _ := o.assembler.Compose(chatID, query)
	o.logger.Debug("dispatching to agent",
		"chat_id", chatID, "category", category.String(), "prompt_len", len(prompt))

	answer, err := o.agent.Ask(ctx, prompt, chatID)

	var reply Reply
	status := "ok"
	detail := ""
	if err != nil {
		status, detail = classifyFailure(err)
		reply.Text = fmt.Sprintf("Error processing question: %s", failureMessage(err))
		o.logger.Warn("agent query failed",
			"chat_id", chatID, "status", status, "error", err)
	} else {
		reply.Text = format.ToPlainText(answer)
	}

	if o.calendar != nil && err == nil {
		if path, ok := o.calendar.ProcessText(question); ok {
			reply.Attachments = append(reply.Attachments, path)
			o.logger.Info("calendar invite generated", "chat_id", chatID, "path", path)
		}
	}

	o.store.AppendHistory(chatID, convo.Entry{
		Sender:    sender,
		Text:      question,
		Timestamp: start,
	})
	o.store.AppendHistory(chatID, convo.Entry{
		Sender:    "bot",
		Text:      reply.Text,
		Timestamp: o.nowFunc(),
	})

	if lerr := o.ledger.RecordExchange(ledger.Exchange{
		ChatID:    chatID,
		Category:  category.String(),
		Question:  question,
		Status:    status,
		Detail:    detail,
		AnswerLen: len(reply.Text),
		Duration:  o.nowFunc().Sub(start),
		CreatedAt: start,
	}); lerr != nil {
		o.logger.Warn("ledger write failed", "chat_id", chatID, "error", lerr)
	}

	return reply
}

// Observe records a message that did not address the bot, so it still
// appears in the conversation history used for later questions.
func (o *Orchestrator) Observe(chatID, sender, text string, attachments []convo.AttachmentNote) {
	o.store.AppendHistory(chatID, convo.Entry{
		Sender:      sender,
		Text:        text,
		Attachments: attachments,
		Timestamp:   o.nowFunc(),
	})
}

// IngestFile extracts a received file and adds it to the
// conversation's knowledge base. The returned note goes into the
// sender's history entry, and ack is a short acknowledgement to send
// back when the file was addressed to the bot.
func (o *Orchestrator) IngestFile(ctx context.Context, chatID, filename, localPath string) (convo.AttachmentNote, string) {
	res := o.extractor.Extract(ctx, localPath, filename)

	note := convo.AttachmentNote{
		Filename:  filename,
		Kind:      res.Kind,
		Extracted: res.Content,
	}
	if !res.Success {
		note.Extracted = res.ErrorDetail
		o.logger.Warn("file extraction failed",
			"chat_id", chatID, "filename", filename, "error", res.ErrorDetail)
		return note, fmt.Sprintf("Could not read %s: %s", filename, res.ErrorDetail)
	}

	o.store.AppendFile(chatID, convo.File{Filename: filename, Content: res.Content})
	o.logger.Info("file added to knowledge base",
		"chat_id", chatID, "filename", filename, "kind", res.Kind, "content_len", len(res.Content))
	return note, fmt.Sprintf("Added %s to my notes for this conversation.", filename)
}

// Reset clears one conversation's history and knowledge base.
func (o *Orchestrator) Reset(chatID string) {
	o.store.Reset(chatID)
	o.logger.Info("conversation reset", "chat_id", chatID)
}

func classifyFailure(err error) (status, detail string) {
	var agentErr *agentproc.AgentError
	switch {
	case errors.Is(err, agentproc.ErrTimeout):
		return "timeout", err.Error()
	case errors.Is(err, agentproc.ErrProcessExited):
		return "process-exited", err.Error()
	case errors.As(err, &agentErr):
		return "agent-error", agentErr.Detail
	default:
		return "failed", err.Error()
	}
}

func failureMessage(err error) string {
	var agentErr *agentproc.AgentError
	switch {
	case errors.Is(err, agentproc.ErrTimeout):
		return "the reasoning agent took too long to respond"
	case errors.Is(err, agentproc.ErrProcessExited):
		return "the reasoning agent stopped unexpectedly"
	case errors.As(err, &agentErr):
		return agentErr.Detail
	default:
		return err.Error()
	}
}
