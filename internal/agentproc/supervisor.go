// Package agentproc supervises the external reasoning agent subprocess
// and multiplexes correlated requests over its stdin/stdout.
//
// The wire protocol is one JSON object per line in each direction.
// Outbound: {"requestId": N, "query": "...", "chat_id": "..."}.
// Inbound: {"requestId": N, "status": "success", "result": "..."} or
// {"requestId": N, "status": "error", "error": "..."}. Lines that do
// not parse are diagnostic output from the agent and are dropped.
// Responses are matched to waiters strictly by request id, so any
// number of conversations can have queries in flight at once.
package agentproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// State is the supervisor's view of the agent process lifecycle.
type State int32

const (
	// StateStopped means no process is running. The next Ask starts one.
	StateStopped State = iota
	// StateStarting means a process launch is in progress.
	StateStarting
	// StateRunning means the process is live and accepting requests.
	StateRunning
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Request is one outbound query line. The chat id rides along for the
// agent's own routing and logging; correlation uses only the id.
type Request struct {
	RequestID int64  `json:"requestId"`
	Query     string `json:"query"`
	ChatID    string `json:"chat_id"`
}

// response is one inbound line from the agent. RequestID is a pointer
// so a line without the field is distinguishable from id 0.
type response struct {
	RequestID *int64 `json:"requestId"`
	Status    string `json:"status"`
	Result    string `json:"result"`
	Error     string `json:"error"`
}

// outcome resolves exactly one pending waiter.
type outcome struct {
	result string
	err    error
}

// Config holds the supervisor's settings.
type Config struct {
	// Command is the executable that runs the agent.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables ("KEY=VALUE"), appended
	// to the current process environment.
	Env []string

	// RequestTimeout bounds how long one Ask waits for its matching
	// response (default 120s).
	RequestTimeout time.Duration

	// Logger is the structured logger for supervisor diagnostics.
	Logger *slog.Logger

	// OnStart, when non-nil, is called after each successful process
	// start with the process generation (1 for the first start). Used
	// to record restarts in the exchange ledger.
	OnStart func(generation int)
}

// Supervisor owns the singleton agent subprocess. It restarts it on
// unexpected exit, never runs two instances concurrently, and resolves
// each pending waiter exactly once (response, timeout, exit, or
// shutdown — whichever comes first).
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	nextID atomic.Int64

	mu         sync.Mutex
	state      State
	generation int // increments on every process start
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	waitErr    chan error // receives cmd.Wait result, exactly once per start
	pending    map[int64]chan outcome
	closed     bool
}

// New creates a supervisor. The agent process is not started until the
// first Ask.
func New(cfg Config) *Supervisor {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[int64]chan outcome),
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingCount returns the number of requests awaiting a response.
func (s *Supervisor) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Ask sends one query to the agent process and waits for the response
// matching its request id. The process is started if it is not
// running. Ask is safe to call from any number of goroutines; waiters
// never block each other or the reader loop.
func (s *Supervisor) Ask(ctx context.Context, query, chatID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := s.nextID.Add(1)
	ch := make(chan outcome, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrShuttingDown
	}
	if err := s.ensureRunning(); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("start agent process: %w", err)
	}

	s.pending[id] = ch

	data, err := json.Marshal(Request{RequestID: id, Query: query, ChatID: chatID})
	if err != nil {
		delete(s.pending, id)
		s.mu.Unlock()
		return "", fmt.Errorf("marshal agent request: %w", err)
	}

	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		delete(s.pending, id)
		s.mu.Unlock()
		return "", fmt.Errorf("write to agent stdin: %w", err)
	}
	s.mu.Unlock()

	s.logger.Debug("agent request dispatched",
		"request_id", id,
		"chat_id", chatID,
		"query_len", len(query),
	)

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		s.forget(id)
		return "", ctx.Err()
	case <-timer.C:
		s.forget(id)
		s.logger.Warn("agent request timed out",
			"request_id", id,
			"chat_id", chatID,
			"timeout", s.cfg.RequestTimeout,
		)
		return "", fmt.Errorf("request %d: %w", id, ErrTimeout)
	case out := <-ch:
		if out.err != nil {
			return "", out.err
		}
		return out.result, nil
	}
}

// forget removes a pending id so a late response is discarded instead
// of resolving a waiter that already gave up.
func (s *Supervisor) forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// ensureRunning starts the agent process if none is live. Caller must
// hold s.mu.
func (s *Supervisor) ensureRunning() error {
	if s.state == StateRunning {
		return nil
	}
	s.state = StateStarting

	s.logger.Info("starting agent process",
		"command", s.cfg.Command,
		"args", s.cfg.Args,
	)

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.state = StateStopped
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		s.state = StateStopped
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		s.state = StateStopped
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		s.state = StateStopped
		return fmt.Errorf("start %s: %w", s.cfg.Command, err)
	}

	s.generation++
	gen := s.generation
	s.cmd = cmd
	s.stdin = stdin
	s.waitErr = make(chan error, 1)
	s.state = StateRunning

	waitErr := s.waitErr
	go s.drainStderr(stderrPipe)
	go s.readLoop(gen, bufio.NewReaderSize(stdout, 1<<20)) // 1 MiB for large answers
	go func() {
		err := cmd.Wait()
		if err != nil {
			s.logger.Error("agent process exited with error", "error", err)
		} else {
			s.logger.Info("agent process exited")
		}
		waitErr <- err
	}()

	s.logger.Info("agent process started", "pid", cmd.Process.Pid)

	// Run the hook off the lock; it may call back into the supervisor.
	if s.cfg.OnStart != nil {
		go s.cfg.OnStart(gen)
	}
	return nil
}

// readLoop drains the agent's stdout, resolving pending waiters by
// request id. It exits when the stream ends; at that point every
// still-pending waiter fails with ErrProcessExited and the state drops
// to Stopped so the next Ask restarts the process. gen guards against
// a stale loop from an earlier process touching the new one's state.
func (s *Supervisor) readLoop(gen int, reader *bufio.Reader) {
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				s.logger.Error("agent stdout read error", "error", err)
			}
			s.handleExit(gen)
			return
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			// Diagnostic output from the agent, not protocol.
			s.logger.Debug("agent non-JSON line", "line", string(line))
			continue
		}

		if resp.RequestID == nil {
			s.logger.Debug("agent response without requestId, dropping",
				"status", resp.Status,
			)
			continue
		}

		id := *resp.RequestID
		s.mu.Lock()
		ch, ok := s.pending[id]
		if ok {
			delete(s.pending, id)
		}
		s.mu.Unlock()

		if !ok {
			s.logger.Debug("agent response for unknown request id, dropping",
				"request_id", id,
			)
			continue
		}

		switch resp.Status {
		case "success":
			ch <- outcome{result: resp.Result}
		case "error":
			ch <- outcome{err: &AgentError{Detail: resp.Error}}
		default:
			ch <- outcome{err: &AgentError{
				Detail: fmt.Sprintf("unknown response status %q", resp.Status),
			}}
		}
	}
}

// handleExit fails all pending waiters after the process's stdout
// closed. A stale generation means a newer process already took over;
// its waiters are not ours to fail.
func (s *Supervisor) handleExit(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		return
	}

	failErr := ErrProcessExited
	if s.closed {
		failErr = ErrShuttingDown
	}

	for id, ch := range s.pending {
		ch <- outcome{err: fmt.Errorf("request %d: %w", id, failErr)}
		delete(s.pending, id)
	}

	if !s.closed {
		s.logger.Warn("agent process exited unexpectedly, will restart on next request")
	}
	s.state = StateStopped
	s.cmd = nil
	s.stdin = nil
}

// drainStderr logs the agent's stderr lines at debug level.
func (s *Supervisor) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		s.logger.Debug("agent stderr", "line", scanner.Text())
	}
}

// Close terminates the agent process and fails all pending waiters
// with ErrShuttingDown. Safe to call more than once.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	for id, ch := range s.pending {
		ch <- outcome{err: fmt.Errorf("request %d: %w", id, ErrShuttingDown)}
		delete(s.pending, id)
	}

	cmd := s.cmd
	stdin := s.stdin
	waitErr := s.waitErr
	s.cmd = nil
	s.stdin = nil
	s.state = StateStopped
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	s.logger.Info("stopping agent process", "pid", cmd.Process.Pid)

	// Close stdin to signal the process to exit. The Wait goroutine
	// started alongside the process delivers the exit status; force
	// kill after a grace period.
	if stdin != nil {
		stdin.Close()
	}

	select {
	case err := <-waitErr:
		return err
	case <-time.After(5 * time.Second):
		s.logger.Warn("agent process did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		_ = cmd.Process.Kill()
		<-waitErr
		return nil
	}
}
