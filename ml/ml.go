// Package ml defines the detector capability the pipeline drives, the training configuration it
// passes to the external training library, and the metrics it gets back.
package ml

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/nutriscan/nutriscan/vision/objectdetection"
)

var (
	// ErrCheckpointNotFound is returned when a model weights file is missing.
	ErrCheckpointNotFound = errors.New("model checkpoint not found")
	// ErrUnsupported is returned by backends that cannot perform an operation, e.g. training an
	// exported ONNX model.
	ErrUnsupported = errors.New("operation not supported by this detector backend")
	// ErrImageNotFound is returned when an image to run inference on is missing.
	ErrImageNotFound = errors.New("image not found")
)

// Detector is an object detector that can be fine-tuned, validated, queried and exported.
// Implementations keep track of the current weights: Train replaces them with the best
// checkpoint of the run.
type Detector interface {
	Train(ctx context.Context, cfg TrainingConfig) (*TrainResult, error)
	Validate(ctx context.Context) (Metrics, error)
	Predict(ctx context.Context, imagePath string, opts PredictOptions) ([]objectdetection.Detection, error)
	Export(ctx context.Context, format ExportFormat) (string, error)
	Close() error
}

// TrainResult is what a finished training run leaves behind.
type TrainResult struct {
	RunName       string  `json:"run_name"`
	SaveDir       string  `json:"save_dir"`
	BestModelPath string  `json:"best_model_path"`
	LastModelPath string  `json:"last_model_path"`
	Metrics       Metrics `json:"metrics"`
}

// PredictOptions are the thresholds applied to raw detector output.
type PredictOptions struct {
	Conf float64
	IoU  float64
}

// DefaultPredictOptions matches the detector library's defaults.
func DefaultPredictOptions() PredictOptions {
	return PredictOptions{Conf: 0.25, IoU: 0.45}
}

// Metrics are box detection metrics on the validation split.
type Metrics struct {
	MAP50to95 float64 `json:"map50_95" mapstructure:"map50_95" bson:"map50_95"`
	MAP50     float64 `json:"map50" mapstructure:"map50" bson:"map50"`
	MAP75     float64 `json:"map75" mapstructure:"map75" bson:"map75"`
	Precision float64 `json:"precision" mapstructure:"precision" bson:"precision"`
	Recall    float64 `json:"recall" mapstructure:"recall" bson:"recall"`
}

// Fitness is the weighted score the training library uses to pick the best epoch.
func (m Metrics) Fitness() float64 {
	return 0.1*m.MAP50 + 0.9*m.MAP50to95
}

// storedMetrics is the written form of Metrics. Fitness is derived, so it is only ever
// written and ignored when read back.
type storedMetrics struct {
	MAP50to95 float64 `json:"map50_95" bson:"map50_95"`
	MAP50     float64 `json:"map50" bson:"map50"`
	MAP75     float64 `json:"map75" bson:"map75"`
	Precision float64 `json:"precision" bson:"precision"`
	Recall    float64 `json:"recall" bson:"recall"`
	Fitness   float64 `json:"fitness" bson:"fitness"`
}

func (m Metrics) stored() storedMetrics {
	return storedMetrics{
		MAP50to95: m.MAP50to95,
		MAP50:     m.MAP50,
		MAP75:     m.MAP75,
		Precision: m.Precision,
		Recall:    m.Recall,
		Fitness:   m.Fitness(),
	}
}

// MarshalJSON writes the metrics together with their fitness.
func (m Metrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.stored())
}

// MarshalBSON writes the metrics together with their fitness.
func (m Metrics) MarshalBSON() ([]byte, error) {
	return bson.Marshal(m.stored())
}

// ExportFormat is an interchange format a checkpoint can be exported to.
type ExportFormat string

// Supported export formats.
const (
	ExportONNX        = ExportFormat("onnx")
	ExportTorchScript = ExportFormat("torchscript")
	ExportTFLite      = ExportFormat("tflite")
)

// DefaultExportFormats are exported at the end of every pipeline run.
var DefaultExportFormats = []ExportFormat{ExportONNX, ExportTorchScript}

// ParseExportFormat validates a format name.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case ExportONNX, ExportTorchScript, ExportTFLite:
		return f, nil
	default:
		return "", errors.Errorf("unknown export format %q, must be one of onnx, torchscript, tflite", s)
	}
}

// CheckFile returns ErrCheckpointNotFound naming the path when a weights file is missing.
// Bare model names such as "yolov8n.pt" are resolved by the training library and are not checked.
func CheckFile(path string) error {
	if path == "" {
		return errors.Wrap(ErrCheckpointNotFound, "no model path given")
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return errors.Wrapf(ErrCheckpointNotFound, "%s does not exist", path)
	}
	if err != nil {
		return errors.Wrapf(err, "could not stat model %s", path)
	}
	if info.IsDir() {
		return errors.Errorf("model path %s is a directory", path)
	}
	return nil
}

// CheckImage returns ErrImageNotFound naming the path when an input image is missing.
func CheckImage(path string) error {
	if path == "" {
		return errors.Wrap(ErrImageNotFound, "no image path given")
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrImageNotFound, "image %s does not exist", path)
		}
		return errors.Wrapf(err, "could not stat image %s", path)
	}
	return nil
}
