// Package inference loads one trained model with the backend that fits its format and runs it on
// single images, reporting the result as the JSON envelope consumed by external callers.
package inference

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/nutriscan/nutriscan/logging"
	"github.com/nutriscan/nutriscan/ml"
	"github.com/nutriscan/nutriscan/ml/onnxdetector"
	"github.com/nutriscan/nutriscan/ml/ultralytics"
	"github.com/nutriscan/nutriscan/vision/objectdetection"
)

// Backend names.
const (
	BackendONNX        = "onnx"
	BackendUltralytics = "ultralytics"
)

// ModelOptions describe the model to load.
type ModelOptions struct {
	Path string
	// Labels is passed to the ONNX backend; see onnxdetector.Options.
	Labels string
	// Python is the interpreter for the ultralytics backend.
	Python string
	// Runner replaces process execution for the ultralytics backend.
	Runner ml.Runner
	// SharedLibrary is the onnxruntime library for the ONNX backend.
	SharedLibrary string
}

// BackendFor picks the backend for a model path: ONNX exports run in process, everything else
// goes through the training library.
func BackendFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		return BackendONNX
	}
	return BackendUltralytics
}

// Open loads the model. A missing model file is reported before any backend starts.
func Open(opts ModelOptions, logger logging.Logger) (ml.Detector, error) {
	if err := ml.CheckFile(opts.Path); err != nil {
		return nil, err
	}
	switch backend := BackendFor(opts.Path); backend {
	case BackendONNX:
		return onnxdetector.New(onnxdetector.Options{
			ModelPath:     opts.Path,
			LabelsPath:    opts.Labels,
			SharedLibrary: opts.SharedLibrary,
		}, logger.Sublogger(backend))
	default:
		return ultralytics.New(ultralytics.Options{
			Python:  opts.Python,
			Weights: opts.Path,
			Runner:  opts.Runner,
		}, logger.Sublogger(backend))
	}
}

// Run loads the model, predicts on one image and writes either
// {"success": true, "detections": [...]} or {"success": false, "error": "..."} to w. The
// returned error is the failure that was reported, so callers can set an exit status.
func Run(ctx context.Context, w io.Writer, model ModelOptions, imagePath string, opts ml.PredictOptions, logger logging.Logger) error {
	dets, err := Predict(ctx, model, imagePath, opts, logger)
	if err != nil {
		if writeErr := objectdetection.WriteError(w, err); writeErr != nil {
			return errors.Wrap(writeErr, err.Error())
		}
		return err
	}
	return objectdetection.WriteResponse(w, dets)
}

// Predict loads the model, runs it on one image and closes it again.
func Predict(ctx context.Context, model ModelOptions, imagePath string, opts ml.PredictOptions, logger logging.Logger) (
	[]objectdetection.Detection, error,
) {
	if err := ml.CheckImage(imagePath); err != nil {
		return nil, err
	}
	det, err := Open(model, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := det.Close(); err != nil {
			logger.Debugw("failed to close detector", "error", err)
		}
	}()
	return det.Predict(ctx, imagePath, opts)
}
