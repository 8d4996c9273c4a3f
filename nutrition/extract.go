package nutrition

import (
	"regexp"
	"strconv"
)

var (
	caloriesPattern      = regexp.MustCompile(`(?i)(\d+)\s*(?:卡路里|千卡|kcal|calories)`)
	proteinPattern       = regexp.MustCompile(`(?i)(?:蛋白质|protein)\s*[：:]\s*(\d+(?:\.\d+)?)\s*(?:克|g)`)
	carbohydratesPattern = regexp.MustCompile(`(?i)(?:碳水化合物|carbohydrates?)\s*[：:]\s*(\d+(?:\.\d+)?)\s*(?:克|g)`)
	fatPattern           = regexp.MustCompile(`(?i)(?:脂肪|fat)\s*[：:]\s*(\d+(?:\.\d+)?)\s*(?:克|g)`)
)

// Extract pulls calories, protein, carbohydrates and fat out of an analysis text. It
// understands "350 卡路里", "350 calories", "蛋白质：8.5克" and "Protein: 8.5 g".
func Extract(text string) Extracted {
	var out Extracted
	if m := caloriesPattern.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			out.Calories = intPtr(v)
		}
	}
	out.Protein = firstFloat(proteinPattern, text)
	out.Carbohydrates = firstFloat(carbohydratesPattern, text)
	out.Fat = firstFloat(fatPattern, text)
	return out
}

func firstFloat(re *regexp.Regexp, text string) *float64 {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return floatPtr(v)
}
