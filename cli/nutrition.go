package cli

import (
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"github.com/nutriscan/nutriscan/config"
	"github.com/nutriscan/nutriscan/internal"
	"github.com/nutriscan/nutriscan/nutrition"
)

// withNutrition runs fn with the configured nutrition service and answer language.
func withNutrition(c *cli.Context, fn func(svc *nutrition.Service, lang string) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, closeLogs := newLogger(c, cfg)
	defer closeLogs()

	svc, err := internal.NewNutrition(c.Context, cfg, logger.Sublogger("nutrition"))
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warnw("failed to close nutrition service", "error", err)
		}
	}()
	return fn(svc, language(c, cfg))
}

func language(c *cli.Context, cfg *config.Config) string {
	if lang := c.String(nutritionFlagLanguage); lang != "" {
		return nutrition.NormalizeLanguage(lang)
	}
	return cfg.Nutrition.Language
}

func printNutrition(w io.Writer, info nutrition.Info) {
	printf(w, "%s (%s, %s)", info.FoodName, info.Source, info.Language)
	if !info.Extracted.Empty() {
		rows := []table.Row{}
		if v := info.Extracted.Calories; v != nil {
			rows = append(rows, table.Row{"Calories (kcal)", *v})
		}
		if v := info.Extracted.Protein; v != nil {
			rows = append(rows, table.Row{"Protein (g)", *v})
		}
		if v := info.Extracted.Carbohydrates; v != nil {
			rows = append(rows, table.Row{"Carbohydrates (g)", *v})
		}
		if v := info.Extracted.Fat; v != nil {
			rows = append(rows, table.Row{"Fat (g)", *v})
		}
		renderTable(w, table.Row{"Nutrient", "Amount"}, rows)
	}
	printf(w, "%s", info.Analysis)
}

// NutritionAnalyzeAction is the corresponding action for 'nutrition analyze'.
func NutritionAnalyzeAction(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return errors.New("expected exactly one food name")
	}
	return withNutrition(c, func(svc *nutrition.Service, lang string) error {
		info, err := svc.Analyze(c.Context, c.Args().First(), lang)
		if err != nil {
			return err
		}
		if c.Bool(generalFlagJSON) {
			return printJSON(c.App.Writer, info)
		}
		printNutrition(c.App.Writer, info)
		return nil
	})
}

// NutritionBatchAction is the corresponding action for 'nutrition batch'.
func NutritionBatchAction(c *cli.Context) error {
	if c.Args().Len() == 0 {
		return errors.New("expected at least one food name")
	}
	return withNutrition(c, func(svc *nutrition.Service, lang string) error {
		infos, err := svc.AnalyzeBatch(c.Context, c.Args().Slice(), lang)
		if err != nil {
			return err
		}
		if c.Bool(generalFlagJSON) {
			return printJSON(c.App.Writer, infos)
		}
		foods := lo.Keys(infos)
		sort.Strings(foods)
		rows := make([]table.Row, 0, len(foods))
		for _, food := range foods {
			info := infos[food]
			rows = append(rows, table.Row{
				food, info.Source,
				derefOr(info.Extracted.Calories), derefOr(info.Extracted.Protein),
				derefOr(info.Extracted.Carbohydrates), derefOr(info.Extracted.Fat),
			})
		}
		renderTable(c.App.Writer, table.Row{"Food", "Source", "kcal", "Protein", "Carbs", "Fat"}, rows)
		return nil
	})
}

func derefOr[T int | float64](v *T) any {
	if v == nil {
		return "-"
	}
	return *v
}

// NutritionTestAction is the corresponding action for 'nutrition test'.
func NutritionTestAction(c *cli.Context) error {
	return withNutrition(c, func(svc *nutrition.Service, _ string) error {
		status := svc.TestConnection(c.Context)
		if !status.Success {
			return errors.Errorf("Gemini connection failed: %s", lo.CoalesceOrEmpty(status.Error, status.Message))
		}
		printf(c.App.Writer, "%s (%d characters)", status.Message, status.ResponseLength)
		return nil
	})
}

// NutritionClearCacheAction is the corresponding action for 'nutrition clear-cache'.
func NutritionClearCacheAction(c *cli.Context) error {
	return withNutrition(c, func(svc *nutrition.Service, _ string) error {
		if err := svc.ClearCache(c.Context); err != nil {
			return err
		}
		printf(c.App.Writer, "Nutrition cache cleared")
		return nil
	})
}
