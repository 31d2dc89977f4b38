// Package convo holds bounded per-conversation state: a rolling message
// history and a knowledge base of extracted file contents. All state is
// in-memory and owned exclusively by the Store; callers never mutate a
// conversation's state directly.
//
// State is sharded by conversation id. Each conversation has its own
// lock, so one conversation's writes never block another's reads.
package convo

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// attachmentExcerptCap bounds how much of an attachment's extracted
// content is inlined into a rendered history line. Longer excerpts are
// truncated with an ellipsis marker.
const attachmentExcerptCap = 500

// EmptyHistoryMarker is returned by RenderHistory when a conversation
// has no retained history. It is a rendering sentinel, not an error:
// the assembler includes it verbatim so the agent knows there is no
// prior context rather than receiving an empty section.
const EmptyHistoryMarker = "No prior conversation."

// AttachmentNote records a file that accompanied a message, with an
// optional excerpt of its extracted content.
type AttachmentNote struct {
	Filename  string
	Kind      string // "pdf", "image", "text", ...
	Extracted string // extracted content excerpt, may be empty
}

// Entry is one sender turn in a conversation. Immutable once appended.
type Entry struct {
	Sender      string
	Text        string
	Attachments []AttachmentNote
	Timestamp   time.Time
}

// File is one knowledge-base document: the full extracted text of a
// previously uploaded file. Immutable once appended.
type File struct {
	Filename string
	Content  string
}

// conversation is the per-id state. Its mutex serializes writes to a
// single conversation without touching any other conversation.
type conversation struct {
	mu      sync.Mutex
	history []Entry
	files   []File
}

// Store maps conversation ids to their bounded state. Conversations are
// created lazily on first use and live for the process lifetime;
// Reset clears one explicitly.
type Store struct {
	maxHistory int
	maxFiles   int

	mu    sync.RWMutex
	convs map[string]*conversation
}

// NewStore creates a store with the given per-conversation bounds.
// Non-positive bounds fall back to 50 history entries and 10 files.
func NewStore(maxHistory, maxFiles int) *Store {
	if maxHistory <= 0 {
		maxHistory = 50
	}
	if maxFiles <= 0 {
		maxFiles = 10
	}
	return &Store{
		maxHistory: maxHistory,
		maxFiles:   maxFiles,
		convs:      make(map[string]*conversation),
	}
}

// get returns the conversation for id, creating it if needed.
func (s *Store) get(id string) *conversation {
	s.mu.RLock()
	c, ok := s.convs[id]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[id]; ok {
		return c
	}
	c = &conversation{}
	s.convs[id] = c
	return c
}

// AppendHistory inserts entry at the tail of the conversation's
// history, evicting from the head when the bound is exceeded. The
// entry's attachment slice is copied so later caller mutations cannot
// reach retained state.
func (s *Store) AppendHistory(id string, entry Entry) {
	if len(entry.Attachments) > 0 {
		entry.Attachments = append([]AttachmentNote(nil), entry.Attachments...)
	}

	c := s.get(id)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, entry)
	if len(c.history) > s.maxHistory {
		c.history = c.history[len(c.history)-s.maxHistory:]
	}
}

// AppendFile inserts file at the tail of the conversation's knowledge
// base, evicting from the head when the bound is exceeded. Files are
// never deduplicated by name: re-uploading the same filename adds a
// second independent entry, and eviction order is purely by recency.
func (s *Store) AppendFile(id string, file File) {
	c := s.get(id)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.files = append(c.files, file)
	if len(c.files) > s.maxFiles {
		c.files = c.files[len(c.files)-s.maxFiles:]
	}
}

// HistoryLen returns the number of retained history entries for id.
func (s *Store) HistoryLen(id string) int {
	c := s.get(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// FileCount returns the number of retained knowledge-base files for id.
func (s *Store) FileCount(id string) int {
	c := s.get(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.files)
}

// RenderHistory returns a deterministic textual rendering of the
// retained history in chronological order, one line per sender turn.
// Attachment content is truncated at attachmentExcerptCap characters.
// Returns EmptyHistoryMarker when no history is retained.
func (s *Store) RenderHistory(id string) string {
	c := s.get(id)
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.history) == 0 {
		return EmptyHistoryMarker
	}

	var sb strings.Builder
	for i, e := range c.history {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(renderEntry(e))
	}
	return sb.String()
}

// renderEntry formats one history entry as a single line. Message text
// and attachment excerpts are flattened so multi-line content cannot
// split a turn across several rendered lines.
func renderEntry(e Entry) string {
	var sb strings.Builder
	sb.WriteString(e.Sender)
	sb.WriteString(": ")
	sb.WriteString(flatten(e.Text))

	for _, a := range e.Attachments {
		sb.WriteString(fmt.Sprintf(" [attachment %s (%s)", a.Filename, a.Kind))
		if a.Extracted != "" {
			sb.WriteString(": ")
			sb.WriteString(truncate(flatten(a.Extracted), attachmentExcerptCap))
		}
		sb.WriteString("]")
	}
	return sb.String()
}

// flatten replaces line breaks with single spaces. Extracted PDF and
// text excerpts routinely span many lines; a history entry must stay
// one line per turn.
func flatten(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "\r", " ")
}

// truncate caps s at n bytes, appending "..." when content was
// dropped. The cut backs up to a rune boundary so a multi-byte
// character is never split.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// RenderKnowledgeBase concatenates all retained file contents, each
// wrapped in begin/end delimiters naming the file. The second return is
// false when no files are retained, so callers can distinguish "no
// files" from "files with empty content".
func (s *Store) RenderKnowledgeBase(id string) (string, bool) {
	c := s.get(id)
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.files) == 0 {
		return "", false
	}

	var sb strings.Builder
	for i, f := range c.files {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("--- BEGIN content from ")
		sb.WriteString(f.Filename)
		sb.WriteString(" ---\n")
		sb.WriteString(f.Content)
		sb.WriteString("\n--- END content from ")
		sb.WriteString(f.Filename)
		sb.WriteString(" ---")
	}
	return sb.String(), true
}

// Reset clears both history and knowledge base for a conversation.
// Afterwards the id renders identically to a never-used one.
func (s *Store) Reset(id string) {
	c := s.get(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
	c.files = nil
}

// ConversationIDs returns the ids of all conversations seen so far, in
// no particular order. The status surface uses this for reporting.
func (s *Store) ConversationIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	return ids
}
