// Package status implements the operational HTTP surface: a health
// probe and a JSON status report covering the agent process, tracked
// conversations, and the exchange ledger.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ariadne-chat/ariadne/internal/convo"
	"github.com/ariadne-chat/ariadne/internal/ledger"
)

// Runtime provides live process data for the status report.
type Runtime interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// AgentState returns the agent process state name.
	AgentState() string
	// PendingRequests returns the number of in-flight agent queries.
	PendingRequests() int
}

// Server is the status HTTP server.
type Server struct {
	addr    string
	runtime Runtime
	store   *convo.Store
	ledger  *ledger.Ledger
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a status server. The ledger may be nil.
func NewServer(addr string, runtime Runtime, store *convo.Store, led *ledger.Ledger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		runtime: runtime,
		store:   store,
		ledger:  led,
		logger:  logger,
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /status/conversations/{id}/exchanges", s.handleExchanges)
	return s.withLogging(mux)
}

// Start begins serving HTTP requests and blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("starting status server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("status request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

type conversationReport struct {
	ID         string `json:"id"`
	HistoryLen int    `json:"history_len"`
	FileCount  int    `json:"file_count"`
}

type statusReport struct {
	Version         string               `json:"version"`
	Uptime          string               `json:"uptime"`
	AgentState      string               `json:"agent_state"`
	PendingRequests int                  `json:"pending_requests"`
	Conversations   []conversationReport `json:"conversations"`
	Exchanges       int                  `json:"exchanges_total"`
	FailedExchanges int                  `json:"exchanges_failed"`
	Restarts        int                  `json:"agent_restarts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	report := statusReport{
		Version:         s.runtime.Version(),
		Uptime:          s.runtime.Uptime().Truncate(time.Second).String(),
		AgentState:      s.runtime.AgentState(),
		PendingRequests: s.runtime.PendingRequests(),
		Conversations:   []conversationReport{},
	}

	for _, id := range s.store.ConversationIDs() {
		report.Conversations = append(report.Conversations, conversationReport{
			ID:         id,
			HistoryLen: s.store.HistoryLen(id),
			FileCount:  s.store.FileCount(id),
		})
	}

	stats, err := s.ledger.Stats()
	if err != nil {
		s.logger.Warn("ledger stats failed", "error", err)
	} else {
		report.Exchanges = stats.TotalExchanges
		report.FailedExchanges = stats.FailedExchanges
		report.Restarts = stats.Restarts
	}

	s.writeJSON(w, report)
}

type exchangeReport struct {
	ID         string `json:"id"`
	Category   string `json:"category"`
	Question   string `json:"question"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"`
	AnswerLen  int    `json:"answer_len"`
	DurationMS int64  `json:"duration_ms"`
	CreatedAt  string `json:"created_at"`
}

func (s *Server) handleExchanges(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")

	exchanges, err := s.ledger.RecentExchanges(chatID, 50)
	if err != nil {
		s.logger.Warn("ledger query failed", "chat_id", chatID, "error", err)
		http.Error(w, "ledger query failed", http.StatusInternalServerError)
		return
	}

	out := make([]exchangeReport, 0, len(exchanges))
	for _, ex := range exchanges {
		out = append(out, exchangeReport{
			ID:         ex.ID,
			Category:   ex.Category,
			Question:   ex.Question,
			Status:     ex.Status,
			Detail:     ex.Detail,
			AnswerLen:  ex.AnswerLen,
			DurationMS: ex.Duration.Milliseconds(),
			CreatedAt:  ex.CreatedAt.Format(time.RFC3339),
		})
	}
	s.writeJSON(w, out)
}
