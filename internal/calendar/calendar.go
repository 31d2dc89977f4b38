// Package calendar detects date and time mentions in chat messages and
// generates .ics event files that the gateway sends back to the
// conversation as file replies.
package calendar

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
)

// defaultEventDuration is used when no end time is mentioned.
const defaultEventDuration = time.Hour

// defaultEventHour is the start hour used when a date is mentioned
// without any time.
const defaultEventHour = 9

// descriptionCap bounds how much of the source text lands in the event
// description.
const descriptionCap = 500

// Event is a parsed calendar event.
type Event struct {
	Start       time.Time
	End         time.Time
	Summary     string
	Description string
}

// Agent detects dates in text and writes .ics files.
type Agent struct {
	outputDir string
	logger    *slog.Logger
	nowFunc   func() time.Time
}

// NewAgent creates a calendar agent writing .ics files to outputDir
// (created on first use).
func NewAgent(outputDir string, logger *slog.Logger) *Agent {
	if outputDir == "" {
		outputDir = "calendar_files"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		outputDir: outputDir,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

var (
	isoDateRe  = regexp.MustCompile(`\b(\d{4})[-/](\d{1,2})[-/](\d{1,2})\b`)
	usDateRe   = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{2,4})\b`)
	monthDayRe = regexp.MustCompile(`(?i)\b(Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\.?\s+(\d{1,2})(?:st|nd|rd|th)?(?:,?\s+(\d{4}))?\b`)
	clockRe    = regexp.MustCompile(`\b(\d{1,2}):(\d{2})(?::\d{2})?\s*(am|pm|AM|PM)?\b`)
	relativeRe = regexp.MustCompile(`(?i)\b(today|tomorrow|next\s+week|next\s+month|next\s+(monday|tuesday|wednesday|thursday|friday|saturday|sunday))\b`)
	weekdayRe  = regexp.MustCompile(`(?i)\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	dayPartRe  = regexp.MustCompile(`(?i)\b(noon|midnight|morning|afternoon|evening)\b`)
	unsafeRe   = regexp.MustCompile(`[^\w\s-]`)
	collapseRe = regexp.MustCompile(`[-\s]+`)
	sentenceRe = regexp.MustCompile(`[.!?]`)
	summaryRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)meeting\s+(?:about|regarding|for|with)\s+([^.?!]+)`),
		regexp.MustCompile(`(?i)call\s+(?:with|about)\s+([^.?!]+)`),
		regexp.MustCompile(`(?i)appointment\s+(?:with|for)\s+([^.?!]+)`),
		regexp.MustCompile(`(?i)event\s+(?:called|titled)\s+([^.?!]+)`),
	}
)

var weekdays = map[string]time.Weekday{
	"monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
	"sunday": time.Sunday,
}

// eventKeywords hint at a schedulable event when no explicit date
// pattern matches.
var eventKeywords = []string{
	"meeting", "appointment", "schedule", "calendar", "event",
}

// timeIndicators must accompany a bare event keyword for Detect to
// fire, to avoid treating every mention of "meeting" as a date.
var timeIndicators = []string{" at ", "@", ":", "am", "pm", "noon", "morning", "afternoon", "evening"}

// Detect reports whether text contains a date or time mention worth
// turning into an event.
func (a *Agent) Detect(text string) bool {
	if isoDateRe.MatchString(text) || usDateRe.MatchString(text) ||
		monthDayRe.MatchString(text) || relativeRe.MatchString(text) ||
		weekdayRe.MatchString(text) || clockRe.MatchString(text) {
		return true
	}

	lower := strings.ToLower(text)
	for _, k := range eventKeywords {
		if !strings.Contains(lower, k) {
			continue
		}
		for _, ind := range timeIndicators {
			if strings.Contains(lower, ind) {
				return true
			}
		}
	}
	return false
}

// Parse extracts an event from text. The second return is false when
// no usable date was found.
func (a *Agent) Parse(text string) (Event, bool) {
	now := a.nowFunc()

	date, haveDate := a.parseDate(text, now)
	if !haveDate {
		return Event{}, false
	}

	hour, minute, haveTime := parseClock(text)
	if !haveTime {
		hour, minute = defaultEventHour, 0
	}

	start := time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, now.Location())

	return Event{
		Start:       start,
		End:         start.Add(defaultEventDuration),
		Summary:     extractSummary(text),
		Description: capString(text, descriptionCap),
	}, true
}

// parseDate resolves the first recognizable date mention in text.
func (a *Agent) parseDate(text string, now time.Time) (time.Time, bool) {
	lower := strings.ToLower(text)

	switch {
	case strings.Contains(lower, "today"):
		return now, true
	case strings.Contains(lower, "tomorrow"):
		return now.AddDate(0, 0, 1), true
	case strings.Contains(lower, "next week"):
		return now.AddDate(0, 0, 7), true
	case strings.Contains(lower, "next month"):
		return now.AddDate(0, 1, 0), true
	}

	if m := isoDateRe.FindStringSubmatch(text); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		if mo >= 1 && mo <= 12 && d >= 1 && d <= 31 {
			return time.Date(y, time.Month(mo), d, 0, 0, 0, 0, now.Location()), true
		}
	}

	if m := usDateRe.FindStringSubmatch(text); m != nil {
		mo, _ := strconv.Atoi(m[1])
		d, _ := strconv.Atoi(m[2])
		y, _ := strconv.Atoi(m[3])
		if y < 100 {
			y += 2000
		}
		if mo >= 1 && mo <= 12 && d >= 1 && d <= 31 {
			return time.Date(y, time.Month(mo), d, 0, 0, 0, 0, now.Location()), true
		}
	}

	if m := monthDayRe.FindStringSubmatch(text); m != nil {
		mo, ok := monthByPrefix(m[1])
		if ok {
			d, _ := strconv.Atoi(m[2])
			y := now.Year()
			if m[3] != "" {
				y, _ = strconv.Atoi(m[3])
			}
			if d >= 1 && d <= 31 {
				date := time.Date(y, mo, d, 0, 0, 0, 0, now.Location())
				// A bare "Jan 5" in December means next January.
				if m[3] == "" && date.Before(now.AddDate(0, 0, -1)) {
					date = date.AddDate(1, 0, 0)
				}
				return date, true
			}
		}
	}

	if m := weekdayRe.FindStringSubmatch(lower); m != nil {
		if wd, ok := weekdays[m[1]]; ok {
			days := (int(wd) - int(now.Weekday()) + 7) % 7
			if days == 0 {
				days = 7
			}
			return now.AddDate(0, 0, days), true
		}
	}

	return time.Time{}, false
}

// parseClock extracts an hour and minute from text.
func parseClock(text string) (hour, minute int, ok bool) {
	if m := clockRe.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		if h > 23 || min > 59 {
			return 0, 0, false
		}
		switch strings.ToLower(m[3]) {
		case "pm":
			if h < 12 {
				h += 12
			}
		case "am":
			if h == 12 {
				h = 0
			}
		}
		return h, min, true
	}

	if m := dayPartRe.FindStringSubmatch(text); m != nil {
		switch strings.ToLower(m[1]) {
		case "noon":
			return 12, 0, true
		case "midnight":
			return 0, 0, true
		case "morning":
			return 9, 0, true
		case "afternoon":
			return 14, 0, true
		case "evening":
			return 18, 0, true
		}
	}

	return 0, 0, false
}

// monthByPrefix maps a three-letter month prefix to its time.Month.
func monthByPrefix(s string) (time.Month, bool) {
	prefix := strings.ToLower(s)
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}
	months := map[string]time.Month{
		"jan": time.January, "feb": time.February, "mar": time.March,
		"apr": time.April, "may": time.May, "jun": time.June,
		"jul": time.July, "aug": time.August, "sep": time.September,
		"oct": time.October, "nov": time.November, "dec": time.December,
	}
	m, ok := months[prefix]
	return m, ok
}

// extractSummary derives an event title from text: an explicit
// "meeting about X" style phrase when present, otherwise the first
// sentence capped at 50 characters.
func extractSummary(text string) string {
	for _, re := range summaryRes {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1])
		}
	}

	sentences := sentenceRe.Split(text, 2)
	if len(sentences) > 0 {
		summary := strings.TrimSpace(sentences[0])
		if summary != "" {
			if len(summary) > 50 {
				summary = summary[:50] + "..."
			}
			return summary
		}
	}
	return "Calendar Event"
}

// capString truncates s at n characters.
func capString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// GenerateICS writes ev as an .ics file in the agent's output
// directory and returns its path.
func (a *Agent) GenerateICS(ev Event) (string, error) {
	if err := os.MkdirAll(a.outputDir, 0755); err != nil {
		return "", fmt.Errorf("create calendar output dir: %w", err)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//Ariadne Calendar//EN")

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uuid.NewString())
	event.Props.SetDateTime(ical.PropDateTimeStamp, a.nowFunc())
	event.Props.SetDateTime(ical.PropDateTimeStart, ev.Start)
	event.Props.SetDateTime(ical.PropDateTimeEnd, ev.End)
	event.Props.SetText(ical.PropSummary, ev.Summary)
	event.Props.SetText(ical.PropDescription, ev.Description)
	cal.Children = append(cal.Children, event.Component)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("encode ics: %w", err)
	}

	safe := unsafeRe.ReplaceAllString(ev.Summary, "")
	safe = collapseRe.ReplaceAllString(safe, "-")
	if len(safe) > 30 {
		safe = safe[:30]
	}
	if safe == "" {
		safe = "event"
	}
	filename := fmt.Sprintf("%s_%s.ics", safe, ev.Start.Format("20060102_150405"))

	path := filepath.Join(a.outputDir, filename)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("write ics file: %w", err)
	}

	a.logger.Debug("calendar event generated",
		"path", path,
		"start", ev.Start,
		"summary", ev.Summary,
	)
	return path, nil
}

// ProcessText runs the full pipeline: detection, parsing, and .ics
// generation. The second return is false when text contains no usable
// event.
func (a *Agent) ProcessText(text string) (string, bool) {
	if !a.Detect(text) {
		return "", false
	}
	ev, ok := a.Parse(text)
	if !ok {
		return "", false
	}
	path, err := a.GenerateICS(ev)
	if err != nil {
		a.logger.Warn("calendar generation failed", "error", err)
		return "", false
	}
	return path, true
}
