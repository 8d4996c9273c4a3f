// Package main is the single-image inference wrapper. It prints exactly one JSON document on
// stdout and exits non-zero on any failure; logs go to stderr.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/nutriscan/nutriscan/logging"
	"github.com/nutriscan/nutriscan/ml"
	"github.com/nutriscan/nutriscan/ml/inference"
	"github.com/nutriscan/nutriscan/vision/objectdetection"
)

const (
	flagModel   = "model"
	flagImage   = "image"
	flagConf    = "conf"
	flagIoU     = "iou"
	flagLabels  = "labels"
	flagPython  = "python"
	flagOnnxLib = "onnxruntime-lib"
	flagDebug   = "debug"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runWith(ctx, args, stdout, stderr, nil)
}

// runWith is run with an injectable runner for the ultralytics backend.
func runWith(ctx context.Context, args []string, stdout, stderr io.Writer, runner ml.Runner) int {
	defaults := ml.DefaultPredictOptions()
	reported := false

	app := &cli.App{
		Name:      "infer",
		Usage:     "detect dishes in one image and print the detections as JSON",
		Writer:    stderr,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagModel, Usage: "trained model (.pt, or .onnx for in-process inference)"},
			&cli.StringFlag{Name: flagImage, Usage: "image to run detection on"},
			&cli.Float64Flag{Name: flagConf, Value: defaults.Conf, Usage: "minimum confidence"},
			&cli.Float64Flag{Name: flagIoU, Value: defaults.IoU, Usage: "NMS IoU threshold"},
			&cli.StringFlag{Name: flagLabels, Usage: "labels file or data.yaml for ONNX models"},
			&cli.StringFlag{Name: flagPython, Value: "python3", EnvVars: []string{"NUTRISCAN_PYTHON"}},
			&cli.StringFlag{Name: flagOnnxLib, EnvVars: []string{"ONNXRUNTIME_SHARED_LIBRARY"}},
			&cli.BoolFlag{Name: flagDebug, Usage: "enable debug logging"},
		},
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return err
		},
		ExitErrHandler: func(*cli.Context, error) {},
		Action: func(c *cli.Context) error {
			logger := logging.NewBlankLogger("infer")
			logger.AddAppender(logging.NewWriterAppender(stderr))
			if !c.Bool(flagDebug) {
				logger.SetLevel(logging.INFO)
			}

			model, image := c.String(flagModel), c.String(flagImage)
			var err error
			switch {
			case model == "":
				err = errors.New("--model is required")
			case image == "":
				err = errors.New("--image is required")
			case c.Float64(flagConf) < 0 || c.Float64(flagConf) > 1:
				err = errors.Errorf("--conf must be in [0, 1], got %v", c.Float64(flagConf))
			}
			if err != nil {
				return err
			}

			reported = true
			return inference.Run(c.Context, stdout, inference.ModelOptions{
				Path:          model,
				Labels:        c.String(flagLabels),
				Python:        c.String(flagPython),
				Runner:        runner,
				SharedLibrary: c.String(flagOnnxLib),
			}, image, ml.PredictOptions{Conf: c.Float64(flagConf), IoU: c.Float64(flagIoU)}, logger)
		},
	}

	if err := app.RunContext(ctx, args); err != nil {
		if !reported {
			//nolint:errcheck
			objectdetection.WriteError(stdout, err)
		}
		return 1
	}
	return 0
}
