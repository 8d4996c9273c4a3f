package ultralytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/nutriscan/nutriscan/dataset"
	"github.com/nutriscan/nutriscan/logging"
	"github.com/nutriscan/nutriscan/ml"
	"github.com/nutriscan/nutriscan/ml/mltest"
)

// fakeDriver answers driver requests without python. respond maps an action to the result
// written back; requests are captured for inspection.
func fakeDriver(t *testing.T, respond map[string]map[string]any, requests *[]request) *mltest.Runner {
	t.Helper()
	return &mltest.Runner{
		RunFunc: func(_ context.Context, _ string, args []string, stdout, stderr io.Writer) error {
			test.That(t, args, test.ShouldHaveLength, 3)
			_, err := os.Stat(args[0])
			test.That(t, err, test.ShouldBeNil)

			raw, err := os.ReadFile(args[1])
			test.That(t, err, test.ShouldBeNil)
			var req request
			test.That(t, json.Unmarshal(raw, &req), test.ShouldBeNil)
			*requests = append(*requests, req)

			fmt.Fprintf(stdout, "running %s\n", req.Action)
			fmt.Fprint(stderr, "progress 10%\rprogress 100%\n")

			out, ok := respond[req.Action]
			if !ok {
				return errors.New("exit status 1")
			}
			encoded, err := json.Marshal(out)
			test.That(t, err, test.ShouldBeNil)
			return os.WriteFile(args[2], encoded, 0o600)
		},
	}
}

func writeDataConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), dataset.DataConfigFile)
	test.That(t, os.WriteFile(path, []byte("nc: 1\nnames: [satay]\n"), 0o600), test.ShouldBeNil)
	return path
}

var sampleMetrics = map[string]any{
	"map50_95": 0.61, "map50": 0.82, "map75": 0.66, "precision": 0.79, "recall": 0.74,
}

func TestTrainSwitchesToBestCheckpoint(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dataConfig := writeDataConfig(t)
	best := filepath.Join(t.TempDir(), "best.pt")
	test.That(t, os.WriteFile(best, []byte("weights"), 0o600), test.ShouldBeNil)

	var requests []request
	runner := fakeDriver(t, map[string]map[string]any{
		actionTrain: {"best": best, "last": "last.pt", "save_dir": "runs/detect/x", "metrics": sampleMetrics},
		actionVal:   {"metrics": sampleMetrics},
	}, &requests)

	det, err := New(Options{DataConfig: dataConfig, Weights: "yolov8n.pt", Runner: runner}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() { test.That(t, det.Close(), test.ShouldBeNil) }()
	det.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	cfg := ml.DefaultTrainingConfig()
	cfg.Epochs = 3
	cfg.Device = "cpu"
	res, err := det.Train(context.Background(), cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.BestModelPath, test.ShouldEqual, best)
	test.That(t, res.RunName, test.ShouldEqual, "malaysian_food_yolov8n_20240102_030405")
	test.That(t, res.Metrics.MAP50, test.ShouldEqual, 0.82)
	test.That(t, res.Metrics.Recall, test.ShouldEqual, 0.74)
	test.That(t, det.Weights(), test.ShouldEqual, best)

	test.That(t, requests, test.ShouldHaveLength, 1)
	test.That(t, requests[0].Weights, test.ShouldEqual, "yolov8n.pt")
	test.That(t, requests[0].Data, test.ShouldEqual, dataConfig)
	test.That(t, requests[0].Args["epochs"], test.ShouldEqual, 3.0)
	test.That(t, requests[0].Args["device"], test.ShouldEqual, "cpu")

	metrics, err := det.Validate(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, metrics.MAP50to95, test.ShouldEqual, 0.61)
	test.That(t, requests[1].Weights, test.ShouldEqual, best)
}

func TestTrainMissingDataConfigDoesNotSpawn(t *testing.T) {
	runner := &mltest.Runner{}
	missing := filepath.Join(t.TempDir(), "data.yaml")
	det, err := New(Options{DataConfig: missing, Runner: runner}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer det.Close()

	_, err = det.Train(context.Background(), ml.DefaultTrainingConfig())
	test.That(t, errors.Is(err, dataset.ErrDataConfigNotFound), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, missing+" does not exist")
	test.That(t, runner.Calls(), test.ShouldBeEmpty)
}

func TestMissingCheckpointDoesNotSpawn(t *testing.T) {
	runner := &mltest.Runner{}
	missing := filepath.Join(t.TempDir(), "best.pt")
	det, err := New(Options{DataConfig: writeDataConfig(t), Weights: missing, Runner: runner}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer det.Close()

	_, err = det.Validate(context.Background())
	test.That(t, errors.Is(err, ml.ErrCheckpointNotFound), test.ShouldBeTrue)
	_, err = det.Export(context.Background(), ml.ExportONNX)
	test.That(t, err.Error(), test.ShouldContainSubstring, "does not exist")
	test.That(t, runner.Calls(), test.ShouldBeEmpty)
}

func TestPredict(t *testing.T) {
	weights := filepath.Join(t.TempDir(), "best.pt")
	test.That(t, os.WriteFile(weights, []byte("weights"), 0o600), test.ShouldBeNil)
	image := filepath.Join(t.TempDir(), "plate.jpg")
	test.That(t, os.WriteFile(image, []byte("jpeg"), 0o600), test.ShouldBeNil)

	var requests []request
	runner := fakeDriver(t, map[string]map[string]any{
		actionPredict: {"detections": []map[string]any{
			{"class": "satay", "confidence": 0.91, "xyxy": []float64{10, 20, 110, 70}},
			{"class": "nasi_lemak", "confidence": 0.55, "xyxy": []float64{0, 0, 50, 50}},
		}},
	}, &requests)
	det, err := New(Options{Weights: weights, Runner: runner}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer det.Close()

	dets, err := det.Predict(context.Background(), image, ml.PredictOptions{Conf: 0.5, IoU: 0.4})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 2)
	test.That(t, dets[0].Label(), test.ShouldEqual, "satay")
	test.That(t, dets[0].Score(), test.ShouldEqual, 0.91)
	test.That(t, dets[0].Box().XYWH(), test.ShouldResemble, [4]float64{10, 20, 100, 50})
	test.That(t, *requests[0].Conf, test.ShouldEqual, 0.5)
	test.That(t, *requests[0].IoU, test.ShouldEqual, 0.4)

	_, err = det.Predict(context.Background(), image, ml.PredictOptions{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, requests[1].Conf, test.ShouldNotBeNil)
	test.That(t, *requests[1].Conf, test.ShouldEqual, 0.0)
	test.That(t, requests[1].IoU, test.ShouldNotBeNil)
	test.That(t, *requests[1].IoU, test.ShouldEqual, 0.0)

	_, err = det.Predict(context.Background(), filepath.Join(t.TempDir(), "nope.jpg"), ml.DefaultPredictOptions())
	test.That(t, errors.Is(err, ml.ErrImageNotFound), test.ShouldBeTrue)
}

func TestExport(t *testing.T) {
	weights := filepath.Join(t.TempDir(), "best.pt")
	test.That(t, os.WriteFile(weights, []byte("weights"), 0o600), test.ShouldBeNil)

	var requests []request
	runner := fakeDriver(t, map[string]map[string]any{
		actionExport: {"path": "best.onnx"},
	}, &requests)
	det, err := New(Options{Weights: weights, Runner: runner, ImgSize: 320}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer det.Close()

	path, err := det.Export(context.Background(), ml.ExportONNX)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, path, test.ShouldEqual, "best.onnx")
	test.That(t, requests[0].Format, test.ShouldEqual, "onnx")
	test.That(t, requests[0].ImgSize, test.ShouldEqual, 320)

	_, err = det.Export(context.Background(), ml.ExportFormat("coreml"))
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown export format")
}

func TestDriverErrors(t *testing.T) {
	weights := filepath.Join(t.TempDir(), "best.pt")
	test.That(t, os.WriteFile(weights, []byte("weights"), 0o600), test.ShouldBeNil)

	t.Run("reported by driver", func(t *testing.T) {
		var requests []request
		runner := fakeDriver(t, map[string]map[string]any{
			actionExport: {"error": "RuntimeError: onnx not installed"},
		}, &requests)
		det, err := New(Options{Weights: weights, Runner: runner}, logging.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		defer det.Close()

		_, err = det.Export(context.Background(), ml.ExportONNX)
		test.That(t, err.Error(), test.ShouldEqual, "export failed: RuntimeError: onnx not installed")
	})

	t.Run("process crashed", func(t *testing.T) {
		var requests []request
		runner := fakeDriver(t, map[string]map[string]any{}, &requests)
		det, err := New(Options{Weights: weights, Runner: runner}, logging.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		defer det.Close()

		_, err = det.Export(context.Background(), ml.ExportONNX)
		test.That(t, err.Error(), test.ShouldContainSubstring, "export failed: progress 100%")
	})
}

func TestCloseRemovesScratch(t *testing.T) {
	det, err := New(Options{Runner: &mltest.Runner{}}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	_, err = os.Stat(det.scriptPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, det.Close(), test.ShouldBeNil)
	_, err = os.Stat(det.scratch)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestLogWriterTail(t *testing.T) {
	w := newLogWriter(logging.NewTestLogger(t), "train", true)
	for i := 0; i < stderrTailLines+5; i++ {
		fmt.Fprintf(w, "line %d\n", i)
	}
	fmt.Fprint(w, "partial")
	w.Flush()
	test.That(t, w.tail, test.ShouldHaveLength, stderrTailLines)
	test.That(t, w.tail[len(w.tail)-1], test.ShouldEqual, "partial")
}
