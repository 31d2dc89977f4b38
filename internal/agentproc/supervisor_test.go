package agentproc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// pipeSupervisor creates a Supervisor wired to in-memory pipes instead
// of a real subprocess. The returned writer feeds the supervisor's
// reader (the agent's stdout); the returned reader receives what the
// supervisor writes to the agent's stdin.
func pipeSupervisor(t *testing.T, timeout time.Duration) (*Supervisor, io.WriteCloser, io.Reader) {
	t.Helper()

	// The supervisor reads from this (simulates agent stdout).
	outR, outW := io.Pipe()

	// The supervisor writes to this (simulates agent stdin).
	inR, inW := io.Pipe()

	s := New(Config{
		Command:        "fake",
		RequestTimeout: timeout,
		Logger:         slog.Default(),
	})
	s.state = StateRunning
	s.stdin = inW

	go s.readLoop(s.generation, bufio.NewReaderSize(outR, 1<<20))

	t.Cleanup(func() {
		outW.Close()
		inW.Close()
	})

	return s, outW, inR
}

// respond reads one request line from the agent's stdin side and
// writes a success response for it to the agent's stdout side.
func respond(t *testing.T, stdin *bufio.Reader, stdout io.Writer, result string) {
	t.Helper()

	line, err := stdin.ReadBytes('\n')
	if err != nil {
		t.Errorf("read request: %v", err)
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		t.Errorf("unmarshal request %q: %v", line, err)
		return
	}

	resp := fmt.Sprintf(`{"requestId":%d,"status":"success","result":%q}`+"\n", req.RequestID, result)
	if _, err := io.WriteString(stdout, resp); err != nil {
		t.Errorf("write response: %v", err)
	}
}

func TestAsk_RequestResponse(t *testing.T) {
	s, stdout, stdin := pipeSupervisor(t, 5*time.Second)
	reader := bufio.NewReader(stdin)

	go respond(t, reader, stdout, "42")

	got, err := s.Ask(context.Background(), "what is the answer", "c1")
	if err != nil {
		t.Fatalf("Ask error: %v", err)
	}
	if got != "42" {
		t.Errorf("Ask = %q, want 42", got)
	}
}

func TestAsk_WireFormat(t *testing.T) {
	s, stdout, stdin := pipeSupervisor(t, 5*time.Second)
	reader := bufio.NewReader(stdin)

	done := make(chan Request, 1)
	go func() {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			t.Errorf("read request: %v", err)
			return
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			t.Errorf("unmarshal: %v", err)
			return
		}
		done <- req
		resp := fmt.Sprintf(`{"requestId":%d,"status":"success","result":"ok"}`+"\n", req.RequestID)
		io.WriteString(stdout, resp)
	}()

	if _, err := s.Ask(context.Background(), "hello", "chat-7"); err != nil {
		t.Fatalf("Ask error: %v", err)
	}

	req := <-done
	if req.Query != "hello" {
		t.Errorf("query = %q, want hello", req.Query)
	}
	if req.ChatID != "chat-7" {
		t.Errorf("chat_id = %q, want chat-7", req.ChatID)
	}
	if req.RequestID <= 0 {
		t.Errorf("requestId = %d, want positive", req.RequestID)
	}
}

func TestAsk_ConcurrentCorrelation(t *testing.T) {
	s, stdout, stdin := pipeSupervisor(t, 5*time.Second)
	reader := bufio.NewReader(stdin)

	const n = 8

	// Collect all requests, then answer them in reverse arrival order
	// so responses come back out of order relative to the sends.
	go func() {
		reqs := make([]Request, 0, n)
		for i := 0; i < n; i++ {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				t.Errorf("read request %d: %v", i, err)
				return
			}
			var req Request
			if err := json.Unmarshal(line, &req); err != nil {
				t.Errorf("unmarshal request: %v", err)
				return
			}
			reqs = append(reqs, req)
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			resp := fmt.Sprintf(`{"requestId":%d,"status":"success","result":"echo:%s"}`+"\n",
				reqs[i].RequestID, reqs[i].Query)
			if _, err := io.WriteString(stdout, resp); err != nil {
				t.Errorf("write response: %v", err)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			query := fmt.Sprintf("q%d", i)
			got, err := s.Ask(context.Background(), query, fmt.Sprintf("chat-%d", i))
			if err != nil {
				t.Errorf("Ask(%s) error: %v", query, err)
				return
			}
			if want := "echo:" + query; got != want {
				t.Errorf("Ask(%s) = %q, want %q (response conflated)", query, got, want)
			}
		}(i)
	}
	wg.Wait()

	if got := s.PendingCount(); got != 0 {
		t.Errorf("pending count after all responses = %d, want 0", got)
	}
}

func TestAsk_AgentError(t *testing.T) {
	s, stdout, stdin := pipeSupervisor(t, 5*time.Second)
	reader := bufio.NewReader(stdin)

	go func() {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			t.Errorf("read request: %v", err)
			return
		}
		var req Request
		json.Unmarshal(line, &req)
		resp := fmt.Sprintf(`{"requestId":%d,"status":"error","error":"model overloaded"}`+"\n", req.RequestID)
		io.WriteString(stdout, resp)
	}()

	_, err := s.Ask(context.Background(), "q", "c1")
	var agentErr *AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("Ask error = %v, want *AgentError", err)
	}
	if agentErr.Detail != "model overloaded" {
		t.Errorf("detail = %q, want model overloaded", agentErr.Detail)
	}
}

func TestAsk_SkipsNoiseLines(t *testing.T) {
	s, stdout, stdin := pipeSupervisor(t, 5*time.Second)
	reader := bufio.NewReader(stdin)

	go func() {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			t.Errorf("read request: %v", err)
			return
		}
		var req Request
		json.Unmarshal(line, &req)

		// Diagnostic noise, a JSON line without requestId, and a
		// response for an unknown id all precede the real response.
		io.WriteString(stdout, "Loading model weights...\n")
		io.WriteString(stdout, `{"status":"success","result":"no id"}`+"\n")
		io.WriteString(stdout, `{"requestId":999999,"status":"success","result":"wrong id"}`+"\n")
		resp := fmt.Sprintf(`{"requestId":%d,"status":"success","result":"real"}`+"\n", req.RequestID)
		io.WriteString(stdout, resp)
	}()

	got, err := s.Ask(context.Background(), "q", "c1")
	if err != nil {
		t.Fatalf("Ask error: %v", err)
	}
	if got != "real" {
		t.Errorf("Ask = %q, want real", got)
	}
}

func TestAsk_Timeout(t *testing.T) {
	s, stdout, stdin := pipeSupervisor(t, 100*time.Millisecond)
	reader := bufio.NewReader(stdin)

	var reqID int64
	ready := make(chan struct{})
	go func() {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			t.Errorf("read request: %v", err)
			return
		}
		var req Request
		json.Unmarshal(line, &req)
		reqID = req.RequestID
		close(ready)
		// Never respond.
	}()

	start := time.Now()
	_, err := s.Ask(context.Background(), "q", "c1")
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Ask error = %v, want ErrTimeout", err)
	}
	if elapsed < 100*time.Millisecond {
		t.Errorf("Ask resolved after %v, before the deadline", elapsed)
	}
	if got := s.PendingCount(); got != 0 {
		t.Errorf("pending count after timeout = %d, want 0", got)
	}

	// A late response for the expired id is discarded, not
	// misdelivered: the supervisor keeps running and a fresh request
	// still works.
	<-ready
	late := fmt.Sprintf(`{"requestId":%d,"status":"success","result":"late"}`+"\n", reqID)
	io.WriteString(stdout, late)

	go respond(t, reader, stdout, "fresh")
	got, err := s.Ask(context.Background(), "again", "c1")
	if err != nil {
		t.Fatalf("Ask after late response: %v", err)
	}
	if got != "fresh" {
		t.Errorf("Ask = %q, want fresh (late response leaked)", got)
	}
}

func TestAsk_ContextCancelled(t *testing.T) {
	s, _, stdin := pipeSupervisor(t, 5*time.Second)
	go io.Copy(io.Discard, stdin)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := s.Ask(ctx, "q", "c1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Ask error = %v, want context.Canceled", err)
	}
	if got := s.PendingCount(); got != 0 {
		t.Errorf("pending count after cancel = %d, want 0", got)
	}
}

func TestReadLoop_ProcessExitFailsPending(t *testing.T) {
	s, stdout, stdin := pipeSupervisor(t, 5*time.Second)
	go io.Copy(io.Discard, stdin)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Ask(context.Background(), "q", "c1")
		errCh <- err
	}()

	// Wait for the request to be registered, then end the stream.
	deadline := time.After(2 * time.Second)
	for s.PendingCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("request never registered")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	stdout.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrProcessExited) {
			t.Errorf("Ask error = %v, want ErrProcessExited", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed on process exit")
	}

	if got := s.State(); got != StateStopped {
		t.Errorf("state after exit = %v, want stopped", got)
	}
}

func TestClose_FailsPendingAndRejectsNewRequests(t *testing.T) {
	s, _, stdin := pipeSupervisor(t, 5*time.Second)
	go io.Copy(io.Discard, stdin)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Ask(context.Background(), "q", "c1")
		errCh <- err
	}()

	deadline := time.After(2 * time.Second)
	for s.PendingCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("request never registered")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrShuttingDown) {
			t.Errorf("pending Ask error = %v, want ErrShuttingDown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed on shutdown")
	}

	if _, err := s.Ask(context.Background(), "q", "c1"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Ask after Close = %v, want ErrShuttingDown", err)
	}
}

func TestAsk_MonotonicRequestIDs(t *testing.T) {
	s, stdout, stdin := pipeSupervisor(t, 5*time.Second)
	reader := bufio.NewReader(stdin)

	ids := make([]int64, 0, 3)
	for i := 0; i < 3; i++ {
		done := make(chan struct{})
		go func() {
			defer close(done)
			line, err := reader.ReadBytes('\n')
			if err != nil {
				t.Errorf("read request: %v", err)
				return
			}
			var req Request
			json.Unmarshal(line, &req)
			ids = append(ids, req.RequestID)
			resp := fmt.Sprintf(`{"requestId":%d,"status":"success","result":"ok"}`+"\n", req.RequestID)
			io.WriteString(stdout, resp)
		}()
		if _, err := s.Ask(context.Background(), "q", "c1"); err != nil {
			t.Fatalf("Ask %d error: %v", i, err)
		}
		<-done
	}

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("request ids not increasing: %v", ids)
		}
	}
}

func TestStartError(t *testing.T) {
	s := New(Config{
		Command: "/nonexistent/agent-binary",
		Logger:  slog.Default(),
	})
	t.Cleanup(func() { s.Close() })

	_, err := s.Ask(context.Background(), "q", "c1")
	if err == nil {
		t.Fatal("Ask with unlaunchable command should error")
	}
	if got := s.State(); got != StateStopped {
		t.Errorf("state after failed start = %v, want stopped", got)
	}
}

func TestOnStartHook(t *testing.T) {
	gens := make(chan int, 1)
	s := New(Config{
		Command:        "cat",
		RequestTimeout: time.Second,
		Logger:         slog.Default(),
		OnStart:        func(gen int) { gens <- gen },
	})
	t.Cleanup(func() { s.Close() })

	// cat echoes the request back, which resolves the Ask with an
	// unknown-status error. Only the start hook matters here.
	s.Ask(context.Background(), "q", "c1")

	select {
	case gen := <-gens:
		if gen != 1 {
			t.Errorf("generation = %d, want 1", gen)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnStart hook never fired")
	}
}
