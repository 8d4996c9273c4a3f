package cli

import (
	"github.com/urfave/cli/v2"

	"github.com/nutriscan/nutriscan/internal"
	"github.com/nutriscan/nutriscan/ml"
	"github.com/nutriscan/nutriscan/ml/inference"
)

// predictRunner replaces python execution in tests.
var predictRunner ml.Runner

// PredictAction is the corresponding action for 'predict'. It prints the same JSON envelope as
// the infer binary, including on failure.
func PredictAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, closeLogs := newLogger(c, cfg)
	defer closeLogs()

	ctx, stop := interruptible(c)
	defer stop()
	model := internal.ModelOptions(cfg, c.Path(predictFlagModel), c.Path(predictFlagLabels), predictRunner)
	opts := ml.PredictOptions{Conf: c.Float64(predictFlagConf), IoU: c.Float64(predictFlagIoU)}
	return inference.Run(ctx, c.App.Writer, model, c.Path(predictFlagImage), opts, logger)
}
