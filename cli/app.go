// Package cli contains the nutriscan command line: training runs, dataset tools, session
// inspection, nutrition lookups, inference and the REST server.
package cli

import (
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"github.com/nutriscan/nutriscan/config"
	"github.com/nutriscan/nutriscan/ml"
	"github.com/nutriscan/nutriscan/nutrition"
)

const (
	generalFlagConfig = "config"
	generalFlagDebug  = "debug"
	generalFlagJSON   = "json"

	trainFlagSource        = "source"
	trainFlagSet           = "set"
	trainFlagSkipNutrition = "skip-nutrition"
	trainFlagFormats       = "formats"
	trainFlagOutputDir     = "output-dir"
	trainFlagSessionID     = "session-id"
	trainFlagQuiet         = "quiet"

	datasetFlagDir       = "dir"
	datasetFlagWorkspace = "workspace"
	datasetFlagProject   = "project"
	datasetFlagVersion   = "version"
	datasetFlagFormat    = "format"
	datasetFlagClasses   = "classes"
	datasetFlagPerClass  = "per-class"
	datasetFlagImageSize = "image-size"

	nutritionFlagLanguage = "language"

	predictFlagModel  = "model"
	predictFlagImage  = "image"
	predictFlagConf   = "conf"
	predictFlagIoU    = "iou"
	predictFlagLabels = "labels"

	serveFlagAddress = "address"
)

func newApp() *cli.App {
	predictDefaults := ml.DefaultPredictOptions()
	return &cli.App{
		Name:            "nutriscan",
		Usage:           "train and run a Malaysian food detector with nutrition analysis",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    generalFlagConfig,
				Aliases: []string{"c"},
				Usage:   fmt.Sprintf("load configuration from `FILE` (default %s when present)", config.DefaultFile),
				EnvVars: []string{config.EnvPrefix + "_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    generalFlagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "train",
				Usage: "run the full pipeline: dependencies, dataset, training, validation, nutrition and export",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  trainFlagSource,
						Usage: "dataset source: roboflow, synthetic or local (overrides dataset.source)",
					},
					&cli.StringSliceFlag{
						Name:  trainFlagSet,
						Usage: "training override as key=value, e.g. --set epochs=50 --set batch=8",
					},
					&cli.BoolFlag{
						Name:  trainFlagSkipNutrition,
						Usage: "skip the nutrition analysis step",
					},
					&cli.StringSliceFlag{
						Name:  trainFlagFormats,
						Usage: "export formats (onnx, torchscript, tflite)",
					},
					&cli.PathFlag{
						Name:  trainFlagOutputDir,
						Usage: "directory for the run summary",
					},
					&cli.StringFlag{
						Name:  trainFlagSessionID,
						Usage: "run under an existing pending session",
					},
					&cli.BoolFlag{
						Name:  trainFlagQuiet,
						Usage: "hide step progress",
					},
				},
				Action: TrainAction,
			},
			{
				Name:            "dataset",
				Usage:           "acquire and inspect datasets",
				HideHelpCommand: true,
				Subcommands: []*cli.Command{
					{
						Name:  "download",
						Usage: "download a dataset version from Roboflow",
						Flags: []cli.Flag{
							&cli.PathFlag{Name: datasetFlagDir, Usage: "destination directory"},
							&cli.StringFlag{Name: datasetFlagWorkspace, Usage: "Roboflow workspace"},
							&cli.StringFlag{Name: datasetFlagProject, Usage: "Roboflow project"},
							&cli.IntFlag{Name: datasetFlagVersion, Usage: "dataset version"},
							&cli.StringFlag{Name: datasetFlagFormat, Usage: "export format"},
						},
						Action: DatasetDownloadAction,
					},
					{
						Name:  "synth",
						Usage: "write a small synthetic dataset for smoke tests",
						Flags: []cli.Flag{
							&cli.PathFlag{Name: datasetFlagDir, Usage: "destination directory"},
							&cli.StringSliceFlag{Name: datasetFlagClasses, Usage: "class names"},
							&cli.IntFlag{Name: datasetFlagPerClass, Usage: "images per class and split"},
							&cli.IntFlag{Name: datasetFlagImageSize, Usage: "image side in pixels"},
						},
						Action: DatasetSynthAction,
					},
					{
						Name:      "stats",
						Usage:     "count images, labels and instances per class",
						ArgsUsage: "[dir]",
						Flags:     []cli.Flag{&cli.BoolFlag{Name: generalFlagJSON, Usage: "print JSON"}},
						Action:    DatasetStatsAction,
					},
					{
						Name:      "validate",
						Usage:     "check the dataset layout and label files",
						ArgsUsage: "[dir]",
						Action:    DatasetValidateAction,
					},
				},
			},
			{
				Name:            "sessions",
				Usage:           "inspect training sessions",
				HideHelpCommand: true,
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "list sessions",
						Flags:  []cli.Flag{&cli.BoolFlag{Name: generalFlagJSON, Usage: "print JSON"}},
						Action: SessionsListAction,
					},
					{
						Name:      "get",
						Usage:     "print one session",
						ArgsUsage: "<id>",
						Action:    SessionsGetAction,
					},
					{
						Name:      "delete",
						Usage:     "delete one session",
						ArgsUsage: "<id>",
						Action:    SessionsDeleteAction,
					},
					{
						Name:   "watch",
						Usage:  "print the session table whenever the session file changes",
						Action: SessionsWatchAction,
					},
					{
						Name:   "summary",
						Usage:  "aggregate status counts and metrics",
						Action: SessionsSummaryAction,
					},
				},
			},
			{
				Name:            "nutrition",
				Usage:           "look up nutrition analyses",
				HideHelpCommand: true,
				Subcommands: []*cli.Command{
					{
						Name:      "analyze",
						Usage:     "analyze one food",
						ArgsUsage: "<food>",
						Flags:     nutritionFlags(),
						Action:    NutritionAnalyzeAction,
					},
					{
						Name:      "batch",
						Usage:     "analyze several foods concurrently",
						ArgsUsage: "<food>...",
						Flags:     nutritionFlags(),
						Action:    NutritionBatchAction,
					},
					{
						Name:   "test",
						Usage:  "check the connection to the Gemini API",
						Action: NutritionTestAction,
					},
					{
						Name:   "clear-cache",
						Usage:  "drop cached analyses",
						Action: NutritionClearCacheAction,
					},
				},
			},
			{
				Name:  "predict",
				Usage: "detect dishes in one image and print the detections as JSON",
				Flags: []cli.Flag{
					&cli.PathFlag{Name: predictFlagModel, Required: true, Usage: "trained model (.pt or .onnx)"},
					&cli.PathFlag{Name: predictFlagImage, Required: true, Usage: "image to run detection on"},
					&cli.Float64Flag{Name: predictFlagConf, Value: predictDefaults.Conf, Usage: "minimum confidence"},
					&cli.Float64Flag{Name: predictFlagIoU, Value: predictDefaults.IoU, Usage: "NMS IoU threshold"},
					&cli.PathFlag{Name: predictFlagLabels, Usage: "labels file or data.yaml for ONNX models"},
				},
				Action: PredictAction,
			},
			{
				Name:            "config",
				Usage:           "inspect configuration",
				HideHelpCommand: true,
				Subcommands: []*cli.Command{
					{
						Name:   "schema",
						Usage:  "print the JSON schema of the config file",
						Action: ConfigSchemaAction,
					},
					{
						Name:   "show",
						Usage:  "print the effective configuration with secrets masked",
						Action: ConfigShowAction,
					},
				},
			},
			{
				Name:  "serve",
				Usage: "run the REST server",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: serveFlagAddress, Usage: "listen address (overrides server.address)"},
				},
				Action: ServeAction,
			},
			{
				Name:   "version",
				Usage:  "print version info for this program",
				Action: VersionAction,
			},
		},
	}
}

func nutritionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    nutritionFlagLanguage,
			Aliases: []string{"l"},
			Usage:   fmt.Sprintf("answer language (%v)", nutrition.Languages()),
		},
		&cli.BoolFlag{Name: generalFlagJSON, Usage: "print JSON"},
	}
}

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app := newApp()
	app.Writer = out
	app.ErrWriter = errOut
	return app
}
