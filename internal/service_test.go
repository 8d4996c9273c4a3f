package internal

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"go.viam.com/test"

	"github.com/nutriscan/nutriscan/config"
	"github.com/nutriscan/nutriscan/logging"
	"github.com/nutriscan/nutriscan/ml"
	"github.com/nutriscan/nutriscan/ml/mltest"
	"github.com/nutriscan/nutriscan/nutrition"
	"github.com/nutriscan/nutriscan/session"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Dataset.Source = config.SourceSynthetic
	cfg.Dataset.Dir = filepath.Join(dir, "data")
	cfg.Dataset.Classes = []string{"satay", "rojak"}
	cfg.Session.Path = filepath.Join(dir, session.DefaultFile)
	cfg.Export.OutputDir = filepath.Join(dir, "out")
	cfg.Gemini.APIKey = ""
	return cfg
}

func TestDatasetSources(t *testing.T) {
	cfg := testConfig(t)
	logger := logging.NewTestLogger(t)

	ds, err := DatasetSource(cfg, logger)(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ds.DataConfig, test.ShouldEqual, filepath.Join(cfg.Dataset.Dir, "data.yaml"))

	cfg.Dataset.Source = config.SourceLocal
	local, err := DatasetSource(cfg, logger)(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, local.ID, test.ShouldEqual, "local:"+cfg.Dataset.Dir)
	test.That(t, local.DataConfig, test.ShouldEqual, ds.DataConfig)

	_, err = LocalDataset(t.TempDir())
	test.That(t, err, test.ShouldNotBeNil)

	req := RoboflowRequest(cfg)
	test.That(t, req.ID(), test.ShouldEqual, "malaysian-food-detection/malaysian-food-detection-wy3kt/2")
	test.That(t, req.Dest, test.ShouldEqual, cfg.Dataset.Dir)
}

func TestServicesWithoutKeys(t *testing.T) {
	cfg := testConfig(t)
	svcs, err := NewServices(context.Background(), cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer func() { test.That(t, svcs.Close(), test.ShouldBeNil) }()

	rec, err := svcs.Store.Insert(context.Background(), session.Record{Status: session.StatusPending})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.ID, test.ShouldNotBeEmpty)

	info, err := svcs.Nutrition.Analyze(context.Background(), "nasi lemak", "en")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Source, test.ShouldEqual, nutrition.SourceFallback)

	status := svcs.Nutrition.TestConnection(context.Background())
	test.That(t, status.Success, test.ShouldBeFalse)
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.Backend = "sqlite"
	_, err := OpenStore(context.Background(), cfg)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPipelineOptions(t *testing.T) {
	cfg := testConfig(t)
	runner := &mltest.Runner{RunFunc: func(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error {
		switch {
		case args[0] == "--version":
			_, err := io.WriteString(stdout, "Python 3.11.4\n")
			return err
		case strings.Contains(args[1], "ultralytics"):
			_, err := io.WriteString(stdout, "8.2.0\n")
			return err
		default:
			_, err := io.WriteString(stdout, "False\n")
			return err
		}
	}}
	opts := PipelineOptions(cfg, PipelineDeps{Runner: runner}, logging.NewTestLogger(t))
	test.That(t, opts.Formats, test.ShouldResemble, []ml.ExportFormat{ml.ExportONNX, ml.ExportTorchScript})
	test.That(t, opts.OutputDir, test.ShouldEqual, cfg.Export.OutputDir)
	test.That(t, opts.Language, test.ShouldEqual, nutrition.DefaultLanguage)
	test.That(t, opts.Nutrition, test.ShouldBeNil)

	env, err := opts.Environment(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, env.UltralyticsVersion, test.ShouldEqual, "8.2.0")
	test.That(t, env.Device(), test.ShouldEqual, "cpu")
	test.That(t, runner.Calls()[0].String(), test.ShouldEqual, "python3 --version")

	det, err := opts.NewDetector(filepath.Join(cfg.Dataset.Dir, "data.yaml"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, det.Close(), test.ShouldBeNil)

	mo := ModelOptions(cfg, "best.onnx", "", runner)
	test.That(t, mo.Python, test.ShouldEqual, "python3")
	test.That(t, mo.Path, test.ShouldEqual, "best.onnx")
}
