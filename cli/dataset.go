package cli

import (
	"sort"

	"github.com/docker/go-units"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/nutriscan/nutriscan/dataset"
	"github.com/nutriscan/nutriscan/internal"
)

// DatasetDownloadAction is the corresponding action for 'dataset download'.
func DatasetDownloadAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, closeLogs := newLogger(c, cfg)
	defer closeLogs()

	req := internal.RoboflowRequest(cfg)
	if dir := c.Path(datasetFlagDir); dir != "" {
		req.Dest = dir
	}
	if ws := c.String(datasetFlagWorkspace); ws != "" {
		req.Workspace = ws
	}
	if project := c.String(datasetFlagProject); project != "" {
		req.Project = project
	}
	if version := c.Int(datasetFlagVersion); version > 0 {
		req.Version = version
	}
	if format := c.String(datasetFlagFormat); format != "" {
		req.Format = format
	}

	ctx, stop := interruptible(c)
	defer stop()
	client := dataset.NewRoboflowClient(cfg.Roboflow.URL, cfg.Roboflow.APIKey, logger.Sublogger("roboflow"))
	ds, err := client.Download(ctx, req)
	if err != nil {
		return err
	}
	printf(c.App.Writer, "Downloaded %s to %s", ds.ID, ds.Dir)
	printf(c.App.Writer, "Data config: %s", ds.DataConfig)
	return nil
}

// DatasetSynthAction is the corresponding action for 'dataset synth'.
func DatasetSynthAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	dir := cfg.Dataset.Dir
	if d := c.Path(datasetFlagDir); d != "" {
		dir = d
	}
	classes := cfg.Dataset.Classes
	if cs := c.StringSlice(datasetFlagClasses); len(cs) > 0 {
		classes = cs
	}
	opts := dataset.SynthOptions{PerClass: cfg.Dataset.PerClass, ImageSize: cfg.Dataset.ImageSize}
	if n := c.Int(datasetFlagPerClass); n > 0 {
		opts.PerClass = n
	}
	if n := c.Int(datasetFlagImageSize); n > 0 {
		opts.ImageSize = n
	}

	ds, err := dataset.Synthesize(c.Context, dir, classes, opts)
	if err != nil {
		return err
	}
	printf(c.App.Writer, "Wrote synthetic dataset to %s", ds.Dir)
	printf(c.App.Writer, "Data config: %s", ds.DataConfig)
	return nil
}

// datasetDir is the first argument, or the configured dataset directory.
func datasetDir(c *cli.Context) (string, error) {
	if c.Args().Len() > 1 {
		return "", errors.New("expected at most one dataset directory")
	}
	if dir := c.Args().First(); dir != "" {
		return dir, nil
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return "", err
	}
	return cfg.Dataset.Dir, nil
}

// DatasetStatsAction is the corresponding action for 'dataset stats'.
func DatasetStatsAction(c *cli.Context) error {
	dir, err := datasetDir(c)
	if err != nil {
		return err
	}
	st, err := dataset.Stats(dir)
	if err != nil {
		return err
	}
	if c.Bool(generalFlagJSON) {
		return printJSON(c.App.Writer, st)
	}

	printf(c.App.Writer, "Dataset %s (%d images, %s)", st.Dir, st.TotalImages, st.Size)
	rows := make([]table.Row, 0, len(st.Splits))
	for _, split := range st.Splits {
		rows = append(rows, table.Row{split.Split, split.Images, split.Labels, units.HumanSize(float64(split.Bytes))})
	}
	renderTable(c.App.Writer, table.Row{"Split", "Images", "Labels", "Size"}, rows)

	classes := append([]string(nil), st.Classes...)
	sort.SliceStable(classes, func(i, j int) bool {
		return st.Instances[classes[i]] > st.Instances[classes[j]]
	})
	rows = rows[:0]
	for _, class := range classes {
		rows = append(rows, table.Row{class, st.Instances[class]})
	}
	renderTable(c.App.Writer, table.Row{"Class", "Instances"}, rows)
	return nil
}

// DatasetValidateAction is the corresponding action for 'dataset validate'.
func DatasetValidateAction(c *cli.Context) error {
	dir, err := datasetDir(c)
	if err != nil {
		return err
	}
	report := dataset.Validate(dir)
	if report.Valid() {
		printf(c.App.Writer, "Dataset %s is valid", dir)
		return nil
	}
	for _, issue := range report.Issues {
		warningf(c.App.ErrWriter, "%s", issue)
	}
	return errors.Errorf("dataset %s has %d issues", dir, len(report.Issues))
}
