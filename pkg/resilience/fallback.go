package resilience

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Fallback response categories
const (
	CategoryGreeting       = "greeting"
	CategoryGeneralInquiry = "general-inquiry"
	CategoryComplexTopic   = "complex-topic"
	CategoryTransientError = "transient-error"
)

// FallbackResponse is a canned answer served when the real dependency
// cannot be called
type FallbackResponse struct {
	Content    string `json:"content"`
	Category   string `json:"category"`
	IsFallback bool   `json:"is_fallback"`
	Reason     string `json:"reason"`
}

// FallbackCatalog holds pools of canned responses keyed by category.
// Picks rotate pseudo-randomly so repeated degraded requests do not all
// read identically.
type FallbackCatalog struct {
	mutex     sync.Mutex
	rng       *rand.Rand
	responses map[string][]string
}

// NewFallbackCatalog creates a catalog seeded with the default responses
func NewFallbackCatalog() *FallbackCatalog {
	return &FallbackCatalog{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		responses: map[string][]string{
			CategoryGreeting: {
				"Hello! I'm running in a limited mode right now, but I'm still here to help where I can.",
				"Hi there! Some of my capabilities are temporarily offline, so responses may be simpler than usual.",
				"Welcome back! I'm operating with reduced features at the moment.",
			},
			CategoryGeneralInquiry: {
				"I can't reach the service that handles this request right now. Please try again in a few minutes.",
				"That information is temporarily unavailable. I'll be back to full capability shortly.",
				"I'm unable to look that up at the moment. A retry in a little while should work.",
			},
			CategoryComplexTopic: {
				"This question needs capabilities that are temporarily offline. Could you try again shortly, or ask something simpler?",
				"I'd normally dig deeper into this, but the systems I need are unavailable right now. Please check back soon.",
			},
			CategoryTransientError: {
				"Something went wrong while processing your request. It's likely temporary, so please try again.",
				"I hit a problem reaching one of my services. Retrying in a moment usually resolves this.",
			},
		},
	}
}

// Register replaces the response pool for a category
func (fc *FallbackCatalog) Register(category string, texts ...string) {
	fc.mutex.Lock()
	defer fc.mutex.Unlock()

	fc.responses[category] = texts
}

// Categories returns the registered category names
func (fc *FallbackCatalog) Categories() []string {
	fc.mutex.Lock()
	defer fc.mutex.Unlock()

	categories := make([]string, 0, len(fc.responses))
	for category := range fc.responses {
		categories = append(categories, category)
	}
	return categories
}

// Pick selects a response from the category's pool. Unknown categories
// use the general-inquiry pool.
func (fc *FallbackCatalog) Pick(category, reason string) FallbackResponse {
	fc.mutex.Lock()
	defer fc.mutex.Unlock()

	pool, ok := fc.responses[category]
	if !ok || len(pool) == 0 {
		category = CategoryGeneralInquiry
		pool = fc.responses[category]
	}

	content := pool[fc.rng.Intn(len(pool))]
	return FallbackResponse{
		Content:    content,
		Category:   category,
		IsFallback: true,
		Reason:     reason,
	}
}

// ClassifyQuery maps a user query to a fallback category. It is a coarse
// heuristic: greetings by leading keyword, long or multi-part questions
// as complex topics, everything else as a general inquiry.
func ClassifyQuery(query string) string {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return CategoryGeneralInquiry
	}

	greetings := []string{"hi", "hello", "hey", "good morning", "good afternoon", "good evening"}
	for _, g := range greetings {
		if q == g || strings.HasPrefix(q, g+" ") || strings.HasPrefix(q, g+",") || strings.HasPrefix(q, g+"!") {
			return CategoryGreeting
		}
	}

	if len(q) > 200 || strings.Count(q, "?") > 1 {
		return CategoryComplexTopic
	}

	return CategoryGeneralInquiry
}
