// Package compose turns a stored conversation and a fresh query into
// the final prompt for the agent process. How much context is included
// depends on the query's category: the agent's upstream models impose
// hard input-size ceilings, and image payloads leave far less headroom
// than plain text.
package compose

import (
	"strings"

	"github.com/ariadne-chat/ariadne/internal/convo"
)

// Category classifies a query for context selection.
type Category int

const (
	// CategoryDefault composes history + knowledge base + question.
	CategoryDefault Category = iota
	// CategoryImageAnalysis keeps only a short history tail so the
	// embedded image payload stays within budget.
	CategoryImageAnalysis
	// CategoryImageGeneration passes the query verbatim with no
	// stored context.
	CategoryImageGeneration
)

// String returns the category name for logging.
func (c Category) String() string {
	switch c {
	case CategoryImageAnalysis:
		return "image-analysis"
	case CategoryImageGeneration:
		return "image-generation"
	default:
		return "default"
	}
}

// analysisHistoryLines is how many trailing history lines accompany an
// image-analysis query.
const analysisHistoryLines = 5

// questionPrefix labels the query inside a composed prompt.
const questionPrefix = "Current question: "

// imagePayloadMarker is the literal prefix of an embedded image
// data-URL inside a query.
const imagePayloadMarker = "data:image/"

// analysisPhrases mark a query as asking about an existing image.
var analysisPhrases = []string{
	"analyze this image",
	"analyze the image",
	"analyze image",
	"describe this image",
	"describe the image",
	"describe image",
	"what is in this image",
	"what's in this image",
	"what is in the image",
	"what's in the image",
}

// generationPhrases mark a query as asking for a new image.
var generationPhrases = []string{
	"generate an image",
	"generate image",
	"create an image",
	"create image",
	"draw an image",
	"draw a picture",
	"draw me",
	"make an image",
	"make a picture",
	"generate a picture",
}

// Classify applies the ordered category rules to the raw query text:
// image-analysis first, then image-generation, then default. Matching
// is case-insensitive substring search; first match wins. The order is
// a deliberate policy, not a fallback chain — the downstream agent has
// categorically different cost tolerances per modality.
func Classify(query string) Category {
	lower := strings.ToLower(query)

	if strings.Contains(query, imagePayloadMarker) {
		return CategoryImageAnalysis
	}
	for _, p := range analysisPhrases {
		if strings.Contains(lower, p) {
			return CategoryImageAnalysis
		}
	}
	for _, p := range generationPhrases {
		if strings.Contains(lower, p) {
			return CategoryImageGeneration
		}
	}
	return CategoryDefault
}

// Assembler builds prompts from a conversation's stored context.
type Assembler struct {
	store *convo.Store
}

// NewAssembler creates an assembler reading from store.
func NewAssembler(store *convo.Store) *Assembler {
	return &Assembler{store: store}
}

// Compose classifies query and assembles the final prompt from the
// conversation's retained context according to the category rules.
func (a *Assembler) Compose(chatID, query string) (string, Category) {
	cat := Classify(query)

	switch cat {
	case CategoryImageGeneration:
		return query, cat

	case CategoryImageAnalysis:
		if a.store.HistoryLen(chatID) == 0 {
			return query, cat
		}
		history := lastLines(a.store.RenderHistory(chatID), analysisHistoryLines)
		return history + "\n\n" + questionPrefix + query, cat

	default:
		var sections []string
		if a.store.HistoryLen(chatID) > 0 {
			sections = append(sections, a.store.RenderHistory(chatID))
		}
		if kb, ok := a.store.RenderKnowledgeBase(chatID); ok {
			sections = append(sections, kb)
		}
		if len(sections) == 0 {
			return query, cat
		}
		sections = append(sections, questionPrefix+query)
		return strings.Join(sections, "\n\n"), cat
	}
}

// lastLines returns the final n lines of s.
func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
