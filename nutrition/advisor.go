// Package nutrition describes the dishes a detector recognizes: a generative-language model
// writes the analysis, a local table stands in when it is unavailable, and a cache keeps
// answers for a day.
package nutrition

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Source says where an Info came from.
type Source string

// Sources of nutrition info.
const (
	SourceGemini   Source = "gemini_ai"
	SourceFallback Source = "fallback_data"
	SourceCache    Source = "cache"
)

var (
	// ErrNoAPIKey is returned when the language model API key is not configured.
	ErrNoAPIKey = errors.New("GEMINI_API_KEY is not set")
	// ErrInvalidResponse is returned when the language model answers without a candidate text.
	ErrInvalidResponse = errors.New("invalid response from Gemini API")
)

// Extracted holds the values parsed out of an analysis text. Each is nil when not found.
type Extracted struct {
	Calories      *int     `json:"calories,omitempty"`
	Protein       *float64 `json:"protein,omitempty"`
	Carbohydrates *float64 `json:"carbohydrates,omitempty"`
	Fat           *float64 `json:"fat,omitempty"`
}

// Empty reports whether nothing was extracted.
func (e Extracted) Empty() bool {
	return e.Calories == nil && e.Protein == nil && e.Carbohydrates == nil && e.Fat == nil
}

// Info is the nutrition analysis of one food.
type Info struct {
	FoodName  string    `json:"food_name"`
	Analysis  string    `json:"analysis"`
	Extracted Extracted `json:"extracted"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Language  string    `json:"language"`
}

// An Advisor analyzes the nutrition of a food in the given language.
type Advisor interface {
	Analyze(ctx context.Context, food, lang string) (Info, error)
}

// ConnectionStatus is the outcome of a connectivity check.
type ConnectionStatus struct {
	Success        bool   `json:"success"`
	Message        string `json:"message,omitempty"`
	ResponseLength int    `json:"response_length,omitempty"`
	Error          string `json:"error,omitempty"`
}

// A Tester can check its upstream.
type Tester interface {
	TestConnection(ctx context.Context) ConnectionStatus
}

func intPtr(v int) *int {
	return &v
}

func floatPtr(v float64) *float64 {
	return &v
}
