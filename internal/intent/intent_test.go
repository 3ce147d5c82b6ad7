package intent_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/objones25/mnemosyne/internal/intent"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase", "What Is The PRICE", "what is the price"},
		{"punctuation stripped", "iphone-15 price?!", "iphone 15 price"},
		{"whitespace collapsed", "  hello   world  ", "hello world"},
		{"empty", "", ""},
		{"only punctuation", "?!...", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, intent.Normalize(tt.in))
		})
	}
}

func TestRuleExtractor(t *testing.T) {
	e := intent.NewRuleExtractor()

	t.Run("pricing facet and entities", func(t *testing.T) {
		normalized, it := e.Extract("What is the price of iPhone 15?")
		assert.Equal(t, "what is the price of iphone 15", normalized)
		assert.Contains(t, it.Facets, "pricing")
		assert.Contains(t, it.Entities, "iphone")
		assert.Contains(t, it.Entities, "15")
		assert.Empty(t, it.Timebox)
	})

	t.Run("timebox detected", func(t *testing.T) {
		_, it := e.Extract("weather in paris today")
		assert.Equal(t, "today", it.Timebox)
	})

	t.Run("year is a timebox", func(t *testing.T) {
		_, it := e.Extract("best laptops 2025")
		assert.Equal(t, "2025", it.Timebox)
	})

	t.Run("stopwords excluded from entities", func(t *testing.T) {
		_, it := e.Extract("what is the capital of france")
		assert.NotContains(t, it.Entities, "what")
		assert.NotContains(t, it.Entities, "the")
		assert.Contains(t, it.Entities, "capital")
		assert.Contains(t, it.Entities, "france")
	})

	t.Run("facets deduplicated", func(t *testing.T) {
		_, it := e.Extract("price and cost of shipping")
		count := 0
		for _, f := range it.Facets {
			if f == "pricing" {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("pure function", func(t *testing.T) {
		n1, i1 := e.Extract("latest iphone reviews")
		n2, i2 := e.Extract("latest iphone reviews")
		assert.Equal(t, n1, n2)
		assert.Equal(t, i1, i2)
	})
}
