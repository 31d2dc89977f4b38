// Package travel detects travel-related questions and enriches them
// with explicit web-search instructions before they reach the agent,
// so the agent's search tooling looks for accommodation and
// recommendation results instead of answering from memory.
package travel

import (
	"fmt"
	"regexp"
	"strings"
)

// SearchType selects which search instructions an enriched query gets.
type SearchType string

const (
	// SearchAccommodation asks for hotels and short-term rentals.
	SearchAccommodation SearchType = "accommodation"
	// SearchRecommendations asks for restaurants and attractions.
	SearchRecommendations SearchType = "recommendations"
	// SearchBoth asks for both.
	SearchBoth SearchType = "both"
)

var travelKeywords = []string{
	"travel", "trip", "vacation", "visit", "going to", "planning to visit",
	"traveling to", "visiting", "travelling", "holiday", "journey",
	"destination", "flying to", "driving to", "heading to",
}

var accommodationKeywords = []string{
	"hotel", "airbnb", "air bnb", "accommodation", "stay", "lodging",
	"place to stay", "where to stay", "book a room", "reservation",
	"cheap hotel", "budget hotel", "affordable hotel", "hotel near",
	"airbnb near", "stay near",
}

var restaurantKeywords = []string{
	"restaurant", "dining", "cuisine", "cafe",
	"where to eat", "best restaurant", "good food", "local food",
	"dining recommendation", "food recommendation",
}

var locationKeywords = []string{
	"attraction", "sightseeing", "things to do",
	"what to see", "where to go", "must see", "must visit",
}

// locationPatterns extract a capitalized place name, most specific
// pattern first.
var locationPatterns = []*regexp.Regexp{
	// "going to Paris", "traveling to New York"
	regexp.MustCompile(`(?:going|traveling|travelling|visiting|flying|driving|heading)\s+(?:to|in)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)*)`),
	// "hotel in Paris", "restaurant near Tokyo"
	regexp.MustCompile(`(?i:hotel|restaurant|airbnb|accommodation|stay|place)\s+(?i:in|at|near|around)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)*)`),
	// "Paris hotel", "Tokyo restaurant"
	regexp.MustCompile(`([A-Z][a-z]+(?:\s+[A-Z][a-z]+)*)\s+(?i:hotel|restaurant|airbnb|city|destination|area)`),
	// "in Paris", "near San Francisco"
	regexp.MustCompile(`\b(?i:in|at|near|around)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)*)\b`),
}

// falsePositives are capitalized words the patterns catch that are
// never place names.
var falsePositives = map[string]bool{
	"the": true, "a": true, "an": true, "to": true, "in": true,
	"at": true, "near": true, "around": true, "this": true,
	"that": true, "there": true, "here": true, "where": true,
	"what": true, "when": true, "how": true, "why": true,
	"i": true, "we": true, "my": true, "our": true,
}

// Enrichment is the outcome of processing a travel-related query.
type Enrichment struct {
	// Location is the extracted place name, empty when none was found.
	Location string
	// Type is which searches the enhanced query requests.
	Type SearchType
	// Query is the original text with search instructions appended.
	Query string
}

// Detect reports whether text reads like travel conversation.
func Detect(text string) bool {
	lower := strings.ToLower(text)

	hasTravel := containsAny(lower, travelKeywords)
	hasAccommodation := containsAny(lower, accommodationKeywords)
	hasRestaurant := containsAny(lower, restaurantKeywords)
	hasLocation := containsAny(lower, locationKeywords)

	if hasTravel && (hasAccommodation || hasRestaurant || hasLocation) {
		return true
	}
	// Accommodation talk implies travel on its own.
	if hasAccommodation {
		return true
	}
	if hasRestaurant && hasTravel {
		return true
	}
	return false
}

// Process inspects text and, when it is travel conversation, returns
// an enriched query with explicit search instructions. The second
// return is false for non-travel text.
func Process(text string) (Enrichment, bool) {
	if !Detect(text) {
		return Enrichment{}, false
	}

	loc := ExtractLocation(text)
	st := DetermineSearchType(text)

	return Enrichment{
		Location: loc,
		Type:     st,
		Query:    enhance(text, loc, st),
	}, true
}

// ExtractLocation pulls a place name out of text, or returns "" when
// none is recognizable.
func ExtractLocation(text string) string {
	for _, re := range locationPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if len(m) < 2 {
				continue
			}
			loc := strings.TrimSpace(m[1])
			if len(loc) <= 2 {
				continue
			}
			if falsePositives[strings.ToLower(loc)] {
				continue
			}
			return loc
		}
	}
	return ""
}

// DetermineSearchType decides which search instructions fit the text.
// Travel talk with no specific preference gets both.
func DetermineSearchType(text string) SearchType {
	lower := strings.ToLower(text)

	hasAccommodation := containsAny(lower, accommodationKeywords)
	hasRestaurant := containsAny(lower, restaurantKeywords)
	hasLocation := containsAny(lower, locationKeywords)

	switch {
	case hasAccommodation && (hasRestaurant || hasLocation):
		return SearchBoth
	case hasAccommodation:
		return SearchAccommodation
	case hasRestaurant || hasLocation:
		return SearchRecommendations
	default:
		return SearchBoth
	}
}

// enhance appends search instructions to the original text.
func enhance(text, location string, st SearchType) string {
	var instructions []string

	if st == SearchAccommodation || st == SearchBoth {
		if location != "" {
			instructions = append(instructions, fmt.Sprintf("Search for cheap hotels and Airbnbs near %s", location))
		} else {
			instructions = append(instructions, "Search for cheap hotels and Airbnbs in the mentioned area")
		}
	}
	if st == SearchRecommendations || st == SearchBoth {
		if location != "" {
			instructions = append(instructions, fmt.Sprintf("Search for travel location and restaurant recommendations in %s", location))
		} else {
			instructions = append(instructions, "Search for travel location and restaurant recommendations in the mentioned area")
		}
	}

	if len(instructions) == 0 {
		return text
	}

	return fmt.Sprintf("%s\n\nPlease perform web searches to find: %s. Provide specific recommendations with prices and locations when available.",
		text, strings.Join(instructions, ". "))
}

func containsAny(lower string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
