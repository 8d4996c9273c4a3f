package cli

import (
	"io"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"github.com/nutriscan/nutriscan/config"
	"github.com/nutriscan/nutriscan/internal"
	"github.com/nutriscan/nutriscan/ml"
	"github.com/nutriscan/nutriscan/pipeline"
)

const trainRootStep = "run"

// trainingConfig applies the train flags on top of the loaded config.
func trainingConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	if source := c.String(trainFlagSource); source != "" {
		cfg.Dataset.Source = strings.ToLower(source)
	}
	if sets := c.StringSlice(trainFlagSet); len(sets) > 0 {
		overrides, err := ml.ParseOverrides(sets)
		if err != nil {
			return nil, err
		}
		if cfg.Training, err = ml.ApplyOverrides(cfg.Training, overrides); err != nil {
			return nil, err
		}
	}
	if formats := c.StringSlice(trainFlagFormats); len(formats) > 0 {
		cfg.Export.Formats = formats
	}
	if dir := c.Path(trainFlagOutputDir); dir != "" {
		cfg.Export.OutputDir = dir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TrainAction is the corresponding action for 'train'.
func TrainAction(c *cli.Context) error {
	cfg, err := trainingConfig(c)
	if err != nil {
		return err
	}
	logger, closeLogs := newLogger(c, cfg)
	defer closeLogs()

	ctx, stop := interruptible(c)
	defer stop()

	svcs, err := internal.NewServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svcs.Close(); err != nil {
			logger.Warnw("failed to close services", "error", err)
		}
	}()

	progress := NewPipelineProgress(trainRootStep, "Training Malaysian food detector",
		WithProgressWriter(c.App.Writer), WithProgressOutput(!c.Bool(trainFlagQuiet)))
	defer progress.Stop()

	deps := internal.PipelineDeps{
		Store:     svcs.Store,
		Reporter:  progress,
		SessionID: c.String(trainFlagSessionID),
	}
	if !c.Bool(trainFlagSkipNutrition) {
		deps.Nutrition = svcs.Nutrition
	}
	runner, err := pipeline.New(internal.PipelineOptions(cfg, deps, logger), logger)
	if err != nil {
		return err
	}

	//nolint:errcheck
	progress.Start(trainRootStep)
	summary, runErr := runner.Run(ctx)
	if runErr != nil {
		//nolint:errcheck
		progress.FailWithMessage(trainRootStep, "Training failed")
	} else {
		//nolint:errcheck
		progress.CompleteWithMessage(trainRootStep, "Training complete")
	}
	if summary != nil {
		printRunSummary(c.App.Writer, summary)
		for step, msg := range summary.Errors {
			warningf(c.App.ErrWriter, "%s: %s", step, msg)
		}
	}
	return runErr
}

func printRunSummary(w io.Writer, summary *pipeline.Summary) {
	rows := []table.Row{
		{"Session", summary.SessionID},
		{"Status", summary.Status},
		{"Dataset", summary.DatasetID},
		{"Device", summary.Device},
		{"Duration", summary.Duration},
	}
	m := summary.ValidationResults
	if m == nil {
		m = summary.Metrics
	}
	if m != nil {
		rows = append(rows, table.Row{"mAP50", formatMetric(m.MAP50)}, table.Row{"mAP50-95", formatMetric(m.MAP50to95)})
	}
	if summary.BestModelPath != "" {
		rows = append(rows, table.Row{"Best model", summary.BestModelPath})
	}
	formats := lo.Keys(summary.ExportedModels)
	sort.Strings(formats)
	for _, format := range formats {
		rows = append(rows, table.Row{strings.ToUpper(format), summary.ExportedModels[format]})
	}
	if summary.SummaryPath != "" {
		rows = append(rows, table.Row{"Summary", summary.SummaryPath})
	}
	renderTable(w, table.Row{"Run", ""}, rows)
}
