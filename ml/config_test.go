package ml

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.viam.com/test"
)

func TestDefaultTrainingConfig(t *testing.T) {
	cfg := DefaultTrainingConfig()
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.Model, test.ShouldEqual, "yolov8n")
	test.That(t, cfg.WeightsFile(), test.ShouldEqual, "yolov8n.pt")
	test.That(t, cfg.Augmentation.FlipLR, test.ShouldEqual, 0.5)
	test.That(t, cfg.Augmentation.Mixup, test.ShouldEqual, 0.1)
}

func TestTrainingConfigValidate(t *testing.T) {
	cfg := DefaultTrainingConfig()
	cfg.Model = "yolov9z"
	cfg.Epochs = 0
	cfg.ImgSize = 650
	cfg.LR0 = 2
	err := cfg.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, `model "yolov9z"`)
	test.That(t, err.Error(), test.ShouldContainSubstring, "epochs must be positive")
	test.That(t, err.Error(), test.ShouldContainSubstring, "imgsz must be a positive multiple of 32")
	test.That(t, err.Error(), test.ShouldContainSubstring, "lr0 must be in (0, 1]")
}

func TestRunNameAndArgs(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	cfg := DefaultTrainingConfig()
	test.That(t, cfg.RunName(now), test.ShouldEqual, "malaysian_food_yolov8n_20240309_140507")

	cfg.Name = "custom"
	test.That(t, cfg.RunName(now), test.ShouldEqual, "custom")

	args := DefaultTrainingConfig().Args(now)
	test.That(t, args["epochs"], test.ShouldEqual, 100)
	test.That(t, args["name"], test.ShouldEqual, "malaysian_food_yolov8n_20240309_140507")
	test.That(t, args["mosaic"], test.ShouldEqual, 1.0)
	_, hasBatch := args["batch"]
	test.That(t, hasBatch, test.ShouldBeFalse)
	_, hasDevice := args["device"]
	test.That(t, hasDevice, test.ShouldBeFalse)

	keys := SortedKeys(args)
	test.That(t, keys[0], test.ShouldEqual, "degrees")
}

func TestWithDevice(t *testing.T) {
	cpu := DefaultTrainingConfig().WithDevice(Environment{CUDA: false})
	test.That(t, cpu.Device, test.ShouldEqual, "cpu")
	test.That(t, cpu.Batch, test.ShouldEqual, 8)
	test.That(t, cpu.Workers, test.ShouldEqual, 2)

	gpu := DefaultTrainingConfig().WithDevice(Environment{CUDA: true})
	test.That(t, gpu.Device, test.ShouldEqual, "0")
	test.That(t, gpu.Batch, test.ShouldEqual, 16)
	test.That(t, gpu.Workers, test.ShouldEqual, 4)

	pinned := DefaultTrainingConfig()
	pinned.Batch = 32
	pinned.Device = "cpu"
	pinned = pinned.WithDevice(Environment{CUDA: true})
	test.That(t, pinned.Device, test.ShouldEqual, "cpu")
	test.That(t, pinned.Batch, test.ShouldEqual, 32)
}

func TestParseOverrides(t *testing.T) {
	out, err := ParseOverrides([]string{"epochs=5", "lr0=0.002", "model=yolov8s", "plots=false"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out["epochs"], test.ShouldEqual, 5)
	test.That(t, out["lr0"], test.ShouldEqual, 0.002)
	test.That(t, out["model"], test.ShouldEqual, "yolov8s")
	test.That(t, out["plots"], test.ShouldEqual, false)

	_, err = ParseOverrides([]string{"epochs"})
	test.That(t, err.Error(), test.ShouldContainSubstring, "expected key=value")

	_, err = ParseOverrides([]string{"ep;rm -rf=1"})
	test.That(t, err.Error(), test.ShouldContainSubstring, "invalid argument key")
}

func TestApplyOverrides(t *testing.T) {
	cfg, err := ApplyOverrides(DefaultTrainingConfig(), map[string]any{
		"epochs":   "25",
		"batch":    4,
		"model":    "yolov8m",
		"fliplr":   0.0,
		"mixup":    0.3,
		"imgsz":    320,
		"patience": 3,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Epochs, test.ShouldEqual, 25)
	test.That(t, cfg.Batch, test.ShouldEqual, 4)
	test.That(t, cfg.Model, test.ShouldEqual, "yolov8m")
	test.That(t, cfg.ImgSize, test.ShouldEqual, 320)
	test.That(t, cfg.Augmentation.FlipLR, test.ShouldEqual, 0.0)
	test.That(t, cfg.Augmentation.Mixup, test.ShouldEqual, 0.3)
	// Untouched fields keep their defaults.
	test.That(t, cfg.Augmentation.Mosaic, test.ShouldEqual, 1.0)
	test.That(t, cfg.LR0, test.ShouldEqual, 0.01)

	_, err = ApplyOverrides(DefaultTrainingConfig(), map[string]any{"epocs": 3})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "invalid training override")
}

func TestParseExportFormat(t *testing.T) {
	f, err := ParseExportFormat(" ONNX ")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f, test.ShouldEqual, ExportONNX)

	_, err = ParseExportFormat("coreml")
	test.That(t, err.Error(), test.ShouldContainSubstring, `unknown export format "coreml"`)
}

func TestCheckFile(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "best.pt")
	err := CheckFile(missing)
	test.That(t, errors.Is(err, ErrCheckpointNotFound), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, missing+" does not exist")

	test.That(t, os.WriteFile(missing, []byte("weights"), 0o600), test.ShouldBeNil)
	test.That(t, CheckFile(missing), test.ShouldBeNil)
	test.That(t, CheckFile(dir).Error(), test.ShouldContainSubstring, "is a directory")
}

func TestMetricsFitness(t *testing.T) {
	m := Metrics{MAP50: 0.8, MAP50to95: 0.5}
	test.That(t, m.Fitness(), test.ShouldAlmostEqual, 0.53)

	raw, err := json.Marshal(m)
	test.That(t, err, test.ShouldBeNil)
	var written map[string]float64
	test.That(t, json.Unmarshal(raw, &written), test.ShouldBeNil)
	test.That(t, written["fitness"], test.ShouldAlmostEqual, 0.53)
	test.That(t, written["map50"], test.ShouldEqual, 0.8)

	var back Metrics
	test.That(t, json.Unmarshal(raw, &back), test.ShouldBeNil)
	test.That(t, back, test.ShouldResemble, m)

	raw, err = bson.Marshal(m)
	test.That(t, err, test.ShouldBeNil)
	var doc bson.M
	test.That(t, bson.Unmarshal(raw, &doc), test.ShouldBeNil)
	test.That(t, doc["fitness"], test.ShouldAlmostEqual, 0.53)
}
