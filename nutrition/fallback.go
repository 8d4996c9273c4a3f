package nutrition

import (
	"context"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
)

type fallbackEntry struct {
	name          string
	calories      int
	protein       float64
	carbohydrates float64
	fat           float64
	analysis      map[string]string
}

var fallbackTable = map[string]fallbackEntry{
	"nasi_lemak": {
		name: "Nasi Lemak", calories: 350, protein: 8.5, carbohydrates: 45.2, fat: 15.8,
		analysis: map[string]string{
			"zh-CN": "椰浆饭是马来西亚的国菜，富含碳水化合物和椰浆，热量较高，适合早餐食用。",
			"en":    "Nasi lemak is the national dish of Malaysia. Rice cooked in coconut milk makes it rich in carbohydrates and fairly high in energy, a typical breakfast.",
		},
	},
	"roti_canai": {
		name: "Roti Canai", calories: 280, protein: 6.2, carbohydrates: 35.5, fat: 12.3,
		analysis: map[string]string{
			"zh-CN": "印度煎饼是马来西亚常见的早餐，面粉制作，含有适量蛋白质和碳水化合物。",
			"en":    "Roti canai is a common Malaysian breakfast flatbread made from wheat flour, with moderate protein and carbohydrates.",
		},
	},
	"char_kway_teow": {
		name: "Char Kway Teow", calories: 420, protein: 12.5, carbohydrates: 55.8, fat: 18.2,
		analysis: map[string]string{
			"zh-CN": "炒粿条是马来西亚经典炒面，米粉制作，含有蛋白质和碳水化合物，热量适中。",
			"en":    "Char kway teow is a classic Malaysian stir-fried flat rice noodle dish with protein and carbohydrates and a moderate energy content.",
		},
	},
	"bak_kut_teh": {
		name: "Bak Kut Teh", calories: 380, protein: 25.8, carbohydrates: 8.5, fat: 22.3,
		analysis: map[string]string{
			"zh-CN": "肉骨茶是马来西亚特色汤品，富含蛋白质，含有药材成分，营养丰富。",
			"en":    "Bak kut teh is a Malaysian pork rib soup simmered with herbs, high in protein and nutrient rich.",
		},
	},
}

var defaultFallback = fallbackEntry{calories: 300, protein: 10, carbohydrates: 40, fat: 15}

// FallbackKey normalizes a food name into a table key: lowercase with underscores.
func FallbackKey(food string) string {
	key := strings.ToLower(strings.TrimSpace(food))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(key)
}

// Fallback answers from a built-in table and never fails.
type Fallback struct {
	clock clock.Clock
}

// NewFallback returns a Fallback stamping answers with clk, the wall clock when nil.
func NewFallback(clk clock.Clock) *Fallback {
	if clk == nil {
		clk = clock.New()
	}
	return &Fallback{clock: clk}
}

// Analyze returns the table entry for food, or generic values for unknown foods.
func (f *Fallback) Analyze(_ context.Context, food, lang string) (Info, error) {
	lang = NormalizeLanguage(lang)
	entry, ok := fallbackTable[FallbackKey(food)]
	name := entry.name
	analysis := entry.analysis[lang]
	if analysis == "" {
		analysis = entry.analysis["en"]
	}
	if !ok {
		entry = defaultFallback
		name = food
		if lang == DefaultLanguage {
			analysis = fmt.Sprintf("%s 是马来西亚传统食物，营养均衡，建议适量食用。", food)
		} else {
			analysis = fmt.Sprintf("%s is a traditional Malaysian food with a balanced profile; enjoy it in moderation.", food)
		}
	}
	return Info{
		FoodName: name,
		Analysis: analysis,
		Extracted: Extracted{
			Calories:      intPtr(entry.calories),
			Protein:       floatPtr(entry.protein),
			Carbohydrates: floatPtr(entry.carbohydrates),
			Fat:           floatPtr(entry.fat),
		},
		Timestamp: f.clock.Now().UTC(),
		Source:    SourceFallback,
		Language:  lang,
	}, nil
}
