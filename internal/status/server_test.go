package status

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ariadne-chat/ariadne/internal/convo"
	"github.com/ariadne-chat/ariadne/internal/ledger"
)

type fakeRuntime struct{}

func (fakeRuntime) Uptime() time.Duration { return 90 * time.Second }
func (fakeRuntime) Version() string       { return "1.2.3" }
func (fakeRuntime) AgentState() string    { return "running" }
func (fakeRuntime) PendingRequests() int  { return 2 }

func newTestServer(t *testing.T, led *ledger.Ledger) (*Server, *convo.Store) {
	t.Helper()
	store := convo.NewStore(50, 10)
	s := NewServer("127.0.0.1:0", fakeRuntime{}, store, led,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return s, store
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestStatusReport(t *testing.T) {
	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	defer led.Close()
	if err := led.RecordExchange(ledger.Exchange{ChatID: "room-1", Category: "default", Question: "q", Status: "ok"}); err != nil {
		t.Fatal(err)
	}

	s, store := newTestServer(t, led)
	store.AppendHistory("room-1", convo.Entry{Sender: "alice", Text: "hi"})
	store.AppendFile("room-1", convo.File{Filename: "notes.txt", Content: "x"})

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var report statusReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.Version != "1.2.3" || report.AgentState != "running" {
		t.Errorf("report = %+v", report)
	}
	if report.Uptime != "1m30s" {
		t.Errorf("Uptime = %q", report.Uptime)
	}
	if report.Exchanges != 1 {
		t.Errorf("Exchanges = %d", report.Exchanges)
	}
	if len(report.Conversations) != 1 {
		t.Fatalf("Conversations = %+v", report.Conversations)
	}
	if c := report.Conversations[0]; c.ID != "room-1" || c.HistoryLen != 1 || c.FileCount != 1 {
		t.Errorf("conversation = %+v", c)
	}
}

func TestStatusWithNilLedger(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestExchangesEndpoint(t *testing.T) {
	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	defer led.Close()
	if err := led.RecordExchange(ledger.Exchange{
		ChatID:   "room-1",
		Category: "image-analysis",
		Question: "what is in this picture?",
		Status:   "ok",
		Duration: 1500 * time.Millisecond,
	}); err != nil {
		t.Fatal(err)
	}

	s, _ := newTestServer(t, led)

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest("GET", "/status/conversations/room-1/exchanges", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var out []exchangeReport
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("len = %d", len(out))
	}
	if out[0].Category != "image-analysis" || out[0].DurationMS != 1500 {
		t.Errorf("exchange = %+v", out[0])
	}
}
