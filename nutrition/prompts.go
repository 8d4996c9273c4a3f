package nutrition

import (
	"fmt"
	"sort"
)

// DefaultLanguage is used when no language or an unknown one is requested.
const DefaultLanguage = "zh-CN"

const connectionPrompt = "请简单介绍一下马来西亚食物"

var prompts = map[string]string{
	"zh-CN": `请详细分析以下马来西亚食物的营养信息：%s

请提供以下信息（请用中文回答）：

1. **基本营养信息**：
   - 卡路里 (每100克)
   - 蛋白质 (克)
   - 碳水化合物 (克)
   - 脂肪 (克)
   - 纤维 (克)

2. **维生素含量**：
   - 维生素A、C、D、E、K
   - B族维生素 (B1, B2, B3, B6, B12)
   - 叶酸

3. **矿物质含量**：
   - 钙、铁、镁、磷、钾、钠、锌

4. **健康建议**：
   - 适合的食用时间
   - 健康益处
   - 注意事项
   - 推荐搭配

5. **马来西亚文化背景**：
   - 传统制作方法
   - 文化意义
   - 地区特色

请用清晰的格式回答，包含具体数值和建议。`,

	"en": `Please provide detailed nutritional analysis for this Malaysian food: %s

Please provide the following information (in English):

1. **Basic Nutritional Information** (per 100g):
   - Calories
   - Protein (g)
   - Carbohydrates (g)
   - Fat (g)
   - Fiber (g)

2. **Vitamin Content**:
   - Vitamins A, C, D, E, K
   - B-complex vitamins (B1, B2, B3, B6, B12)
   - Folate

3. **Mineral Content**:
   - Calcium, Iron, Magnesium, Phosphorus, Potassium, Sodium, Zinc

4. **Health Recommendations**:
   - Best time to consume
   - Health benefits
   - Precautions
   - Recommended combinations

5. **Malaysian Cultural Context**:
   - Traditional preparation methods
   - Cultural significance
   - Regional variations

Please provide specific values and clear recommendations.`,

	"ms": `Sila berikan analisis pemakanan terperinci untuk makanan Malaysia ini: %s

Sila berikan maklumat berikut (dalam Bahasa Melayu):

1. **Maklumat Pemakanan Asas** (per 100g):
   - Kalori
   - Protein (g)
   - Karbohidrat (g)
   - Lemak (g)
   - Serat (g)

2. **Kandungan Vitamin**:
   - Vitamin A, C, D, E, K
   - Vitamin B-kompleks (B1, B2, B3, B6, B12)
   - Folat

3. **Kandungan Mineral**:
   - Kalsium, Besi, Magnesium, Fosforus, Kalium, Natrium, Zink

4. **Cadangan Kesihatan**:
   - Masa terbaik untuk dimakan
   - Kebaikan kesihatan
   - Langkah berjaga-jaga
   - Gabungan yang disyorkan

5. **Konteks Budaya Malaysia**:
   - Kaedah penyediaan tradisional
   - Kepentingan budaya
   - Variasi serantau

Sila berikan nilai khusus dan cadangan yang jelas.`,
}

// NormalizeLanguage returns lang when a prompt exists for it, DefaultLanguage otherwise.
func NormalizeLanguage(lang string) string {
	if _, ok := prompts[lang]; ok {
		return lang
	}
	return DefaultLanguage
}

// Languages lists the supported languages.
func Languages() []string {
	out := make([]string, 0, len(prompts))
	for lang := range prompts {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// Prompt builds the analysis request for food.
func Prompt(food, lang string) string {
	return fmt.Sprintf(prompts[NormalizeLanguage(lang)], food)
}
