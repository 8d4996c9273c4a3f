package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/nutriscan/nutriscan/dataset"
	"github.com/nutriscan/nutriscan/logging"
	"github.com/nutriscan/nutriscan/ml"
	"github.com/nutriscan/nutriscan/nutrition"
	"github.com/nutriscan/nutriscan/session"
	"github.com/nutriscan/nutriscan/vision/objectdetection"
)

type fakeDetector struct {
	trainErr    error
	validateErr error
	exportErr   map[ml.ExportFormat]error
	onTrain     func()
	trained     ml.TrainingConfig
	closed      bool
}

func (d *fakeDetector) Train(ctx context.Context, cfg ml.TrainingConfig) (*ml.TrainResult, error) {
	d.trained = cfg
	if d.onTrain != nil {
		d.onTrain()
	}
	if d.trainErr != nil {
		return nil, d.trainErr
	}
	return &ml.TrainResult{
		BestModelPath: "runs/detect/run/weights/best.pt",
		Metrics:       ml.Metrics{MAP50to95: 0.41, MAP50: 0.62, Precision: 0.7, Recall: 0.55},
	}, nil
}

func (d *fakeDetector) Validate(ctx context.Context) (ml.Metrics, error) {
	if d.validateErr != nil {
		return ml.Metrics{}, d.validateErr
	}
	return ml.Metrics{MAP50to95: 0.4, MAP50: 0.6, Precision: 0.69, Recall: 0.5}, nil
}

func (d *fakeDetector) Predict(
	ctx context.Context, imagePath string, opts ml.PredictOptions,
) ([]objectdetection.Detection, error) {
	return nil, ml.ErrUnsupported
}

func (d *fakeDetector) Export(ctx context.Context, format ml.ExportFormat) (string, error) {
	if err := d.exportErr[format]; err != nil {
		return "", err
	}
	return "runs/detect/run/weights/best." + string(format), nil
}

func (d *fakeDetector) Close() error {
	d.closed = true
	return nil
}

type fakeBatch struct {
	foods []string
	lang  string
	err   error
}

func (b *fakeBatch) AnalyzeBatch(ctx context.Context, foods []string, lang string) (map[string]nutrition.Info, error) {
	b.foods, b.lang = foods, lang
	if b.err != nil {
		return nil, b.err
	}
	out := map[string]nutrition.Info{}
	for _, f := range foods {
		out[f] = nutrition.Info{FoodName: f, Source: nutrition.SourceFallback, Language: lang}
	}
	return out, nil
}

type recordingReporter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingReporter) add(e string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingReporter) Start(step string) error { return r.add("start " + step) }

func (r *recordingReporter) CompleteWithMessage(step, message string) error {
	return r.add("done " + step)
}
func (r *recordingReporter) Fail(step string, err error) error { return r.add("fail " + step) }

type fixture struct {
	dir      string
	store    *session.FileStore
	detector *fakeDetector
	reporter *recordingReporter
	opts     Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := session.NewFileStore(filepath.Join(dir, session.DefaultFile))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		dir:      dir,
		store:    store,
		detector: &fakeDetector{},
		reporter: &recordingReporter{},
	}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.opts = Options{
		Training: ml.DefaultTrainingConfig(),
		Environment: func(ctx context.Context) (ml.Environment, error) {
			return ml.Environment{Python: "python3", UltralyticsVersion: "8.2.0"}, nil
		},
		Dataset: func(ctx context.Context) (*dataset.Downloaded, error) {
			return dataset.Synthesize(ctx, filepath.Join(dir, "data"), []string{"nasi_lemak", "satay"}, dataset.SynthOptions{})
		},
		NewDetector: func(dataConfig string) (ml.Detector, error) {
			return f.detector, nil
		},
		Formats:   []ml.ExportFormat{ml.ExportONNX, ml.ExportTorchScript},
		OutputDir: filepath.Join(dir, "out"),
		Store:     store,
		Reporter:  f.reporter,
		Now: func() time.Time {
			now = now.Add(time.Minute)
			return now
		},
	}
	return f
}

func (f *fixture) run(t *testing.T, ctx context.Context) (*Summary, error) {
	t.Helper()
	r, err := New(f.opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return r.Run(ctx)
}

func readSummary(t *testing.T, path string) Summary {
	t.Helper()
	raw, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	var s Summary
	test.That(t, json.Unmarshal(raw, &s), test.ShouldBeNil)
	return s
}

func TestRunCompletes(t *testing.T) {
	f := newFixture(t)
	batch := &fakeBatch{}
	f.opts.Nutrition = batch
	f.opts.Language = "en"

	summary, err := f.run(t, context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.Status, test.ShouldEqual, session.StatusCompleted)
	test.That(t, summary.Device, test.ShouldEqual, "cpu")
	test.That(t, summary.Classes, test.ShouldResemble, []string{"nasi_lemak", "satay"})
	test.That(t, summary.Errors, test.ShouldBeEmpty)
	test.That(t, summary.Duration, test.ShouldEqual, "1m0s")
	test.That(t, batch.foods, test.ShouldResemble, []string{"nasi_lemak", "satay"})
	test.That(t, batch.lang, test.ShouldEqual, "en")

	test.That(t, f.detector.trained.Device, test.ShouldEqual, "cpu")
	test.That(t, f.detector.trained.Batch, test.ShouldEqual, 8)
	test.That(t, f.detector.closed, test.ShouldBeTrue)

	test.That(t, f.reporter.events, test.ShouldResemble, []string{
		"start install", "done install",
		"start dataset", "done dataset",
		"start train", "done train",
		"start validate", "done validate",
		"start nutrition", "done nutrition",
		"start export", "done export",
	})

	rec, err := f.store.Get(context.Background(), summary.SessionID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.Status, test.ShouldEqual, session.StatusCompleted)
	test.That(t, rec.DatasetID, test.ShouldEqual, summary.DatasetID)
	test.That(t, rec.ModelConfig.Device, test.ShouldEqual, "cpu")
	test.That(t, rec.Metrics.MAP50, test.ShouldEqual, 0.62)
	test.That(t, rec.ValidationResults.Recall, test.ShouldEqual, 0.5)
	test.That(t, rec.BestModelPath, test.ShouldEqual, "runs/detect/run/weights/best.pt")
	test.That(t, rec.ExportedModels, test.ShouldResemble, map[string]string{
		"onnx":        "runs/detect/run/weights/best.onnx",
		"torchscript": "runs/detect/run/weights/best.torchscript",
	})

	test.That(t, summary.SummaryPath, test.ShouldEqual, filepath.Join(f.dir, "out", SummaryFile))
	written := readSummary(t, summary.SummaryPath)
	test.That(t, written.SessionID, test.ShouldEqual, summary.SessionID)
	test.That(t, written.Nutrition["satay"].Language, test.ShouldEqual, "en")
	test.That(t, written.ExportedModels, test.ShouldHaveLength, 2)
}

func TestRunOptionalFailures(t *testing.T) {
	f := newFixture(t)
	f.detector.validateErr = errors.New("no val split")
	f.detector.exportErr = map[ml.ExportFormat]error{ml.ExportTorchScript: errors.New("tracing failed")}
	f.opts.Nutrition = &fakeBatch{err: errors.New("quota")}

	summary, err := f.run(t, context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.Status, test.ShouldEqual, session.StatusCompleted)
	test.That(t, summary.Errors, test.ShouldResemble, map[string]string{
		"validate":           "no val split",
		"nutrition":          "quota",
		"export_torchscript": "tracing failed",
	})
	test.That(t, summary.ExportedModels, test.ShouldResemble, map[string]string{
		"onnx": "runs/detect/run/weights/best.onnx",
	})
	test.That(t, f.reporter.events, test.ShouldContain, "fail validate")
	test.That(t, f.reporter.events, test.ShouldContain, "fail nutrition")
	test.That(t, f.reporter.events, test.ShouldContain, "done export")

	rec, err := f.store.Get(context.Background(), summary.SessionID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.Status, test.ShouldEqual, session.StatusCompleted)
	test.That(t, rec.ValidationResults, test.ShouldBeNil)
}

func TestRunNutritionSkipped(t *testing.T) {
	f := newFixture(t)
	summary, err := f.run(t, context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.Nutrition, test.ShouldBeNil)
	test.That(t, f.reporter.events, test.ShouldContain, "done nutrition")
}

func TestRunRequiredFailure(t *testing.T) {
	f := newFixture(t)
	f.detector.trainErr = errors.New("CUDA out of memory")

	summary, err := f.run(t, context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "train step failed")
	test.That(t, summary.Status, test.ShouldEqual, session.StatusFailed)
	test.That(t, f.reporter.events[len(f.reporter.events)-1], test.ShouldEqual, "fail train")
	test.That(t, f.detector.closed, test.ShouldBeTrue)

	rec, err := f.store.Get(context.Background(), summary.SessionID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.Status, test.ShouldEqual, session.StatusFailed)
	test.That(t, rec.Error, test.ShouldContainSubstring, "CUDA out of memory")
	test.That(t, rec.DatasetID, test.ShouldNotBeEmpty)

	written := readSummary(t, summary.SummaryPath)
	test.That(t, written.Status, test.ShouldEqual, session.StatusFailed)
}

func TestRunEnvironmentFailure(t *testing.T) {
	f := newFixture(t)
	f.opts.Environment = func(ctx context.Context) (ml.Environment, error) {
		return ml.Environment{}, errors.New("python3 not found")
	}
	summary, err := f.run(t, context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "install step failed")
	test.That(t, f.reporter.events, test.ShouldResemble, []string{"start install", "fail install"})

	rec, err := f.store.Get(context.Background(), summary.SessionID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.Status, test.ShouldEqual, session.StatusFailed)
}

func TestRunInterrupted(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.detector.onTrain = cancel
	f.detector.trainErr = errors.New("signal: killed")

	summary, err := f.run(t, ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)

	rec, err := f.store.Get(context.Background(), summary.SessionID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.Status, test.ShouldEqual, session.StatusFailed)
	test.That(t, rec.Error, test.ShouldEqual, "interrupted")
}

func TestRunExistingSession(t *testing.T) {
	f := newFixture(t)
	rec, err := f.store.Insert(context.Background(), session.Record{Status: session.StatusPending})
	test.That(t, err, test.ShouldBeNil)
	f.opts.SessionID = rec.ID

	summary, err := f.run(t, context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.SessionID, test.ShouldEqual, rec.ID)

	// a finished session cannot be run again
	_, err = f.run(t, context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "not pending")
}

func TestNewRequiresCollaborators(t *testing.T) {
	f := newFixture(t)
	opts := f.opts
	opts.Store = nil
	_, err := New(opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)

	opts = f.opts
	opts.Training.ImgSize = 100
	_, err = New(opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "invalid training config")
}

func TestLogReporter(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	r := LogReporter{Logger: logger}
	test.That(t, r.Start(StepTrain), test.ShouldBeNil)
	test.That(t, r.CompleteWithMessage(StepTrain, "ok"), test.ShouldBeNil)
	test.That(t, r.Fail(StepExport, errors.New("boom")), test.ShouldBeNil)
	test.That(t, logs.FilterMessage("step completed").Len(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("step failed").Len(), test.ShouldEqual, 1)
	for _, step := range Steps {
		test.That(t, StepMessage(step), test.ShouldNotBeEmpty)
	}
}
