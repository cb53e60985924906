package resilience

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackCatalog_PickKnownCategory(t *testing.T) {
	fc := NewFallbackCatalog()

	for _, category := range []string{CategoryGreeting, CategoryGeneralInquiry, CategoryComplexTopic, CategoryTransientError} {
		resp := fc.Pick(category, "test reason")
		assert.True(t, resp.IsFallback)
		assert.Equal(t, category, resp.Category)
		assert.NotEmpty(t, resp.Content)
		assert.Equal(t, "test reason", resp.Reason)
	}
}

func TestFallbackCatalog_UnknownCategoryFallsBack(t *testing.T) {
	fc := NewFallbackCatalog()

	resp := fc.Pick("telepathy", "no such category")
	assert.Equal(t, CategoryGeneralInquiry, resp.Category)
	assert.NotEmpty(t, resp.Content)
}

func TestFallbackCatalog_Variety(t *testing.T) {
	fc := NewFallbackCatalog()

	// Repeated picks should not all return the same text
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		seen[fc.Pick(CategoryGreeting, "r").Content] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestFallbackCatalog_Register(t *testing.T) {
	fc := NewFallbackCatalog()

	fc.Register("maintenance", "We are down for maintenance.")
	resp := fc.Pick("maintenance", "planned window")
	assert.Equal(t, "maintenance", resp.Category)
	assert.Equal(t, "We are down for maintenance.", resp.Content)

	require.Contains(t, fc.Categories(), "maintenance")
}

func TestClassifyQuery(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		expected string
	}{
		{"plain greeting", "hello", CategoryGreeting},
		{"greeting with tail", "hi there, assistant", CategoryGreeting},
		{"greeting with comma", "hey, how are you", CategoryGreeting},
		{"uppercase greeting", "Good Morning!", CategoryGreeting},
		{"short question", "what's the weather tomorrow?", CategoryGeneralInquiry},
		{"empty", "", CategoryGeneralInquiry},
		{"multi question", "why is the sky blue? and why is grass green?", CategoryComplexTopic},
		{"word containing greeting prefix", "history of rome", CategoryGeneralInquiry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifyQuery(tt.query))
		})
	}
}

func TestClassifyQuery_LongQueryIsComplex(t *testing.T) {
	long := ""
	for i := 0; i < 30; i++ {
		long += "explain this "
	}
	assert.Equal(t, CategoryComplexTopic, ClassifyQuery(long))
}
