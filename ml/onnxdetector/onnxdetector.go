// Package onnxdetector runs a detector exported to ONNX in process with onnxruntime. It only
// predicts; training, validation and export stay with the library that produced the model.
package onnxdetector

import (
	"bufio"
	"context"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"

	"github.com/nutriscan/nutriscan/dataset"
	"github.com/nutriscan/nutriscan/logging"
	"github.com/nutriscan/nutriscan/ml"
	"github.com/nutriscan/nutriscan/vision/objectdetection"
)

// Options configure a Detector.
type Options struct {
	ModelPath string
	// LabelsPath is a data.yaml or a file with one label per line. When empty, labels.txt and
	// data.yaml next to the model are tried, then class ids are used as labels.
	LabelsPath string
	// SharedLibrary is the onnxruntime shared library; the loader default when empty.
	SharedLibrary string
}

var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(sharedLibrary string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		if sharedLibrary != "" {
			ort.SetSharedLibraryPath(sharedLibrary)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return errors.Wrap(err, "failed to initialize onnxruntime")
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs == 0 {
		return ort.DestroyEnvironment()
	}
	return nil
}

// Detector is an ml.Detector over a YOLOv8 ONNX export with input "images" [1,3,S,S] and a single
// output [1,4+nc,anchors] of cx, cy, w, h followed by per-class scores.
type Detector struct {
	logger logging.Logger
	labels []string

	size    int
	classes int
	anchors int

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

var _ ml.Detector = (*Detector)(nil)

// New loads the model and its labels.
func New(opts Options, logger logging.Logger) (*Detector, error) {
	if err := ml.CheckFile(opts.ModelPath); err != nil {
		return nil, err
	}
	if err := acquireEnvironment(opts.SharedLibrary); err != nil {
		return nil, err
	}

	d, err := newDetector(opts, logger)
	if err != nil {
		return nil, multierr.Combine(err, releaseEnvironment())
	}
	return d, nil
}

func newDetector(opts Options, logger logging.Logger) (*Detector, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read model %s", opts.ModelPath)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, errors.Errorf("expected one input and at least one output, got %d and %d", len(inputs), len(outputs))
	}
	inShape, outShape := inputs[0].Dimensions, outputs[0].Dimensions
	if len(inShape) != 4 || inShape[1] != 3 || inShape[2] != inShape[3] || inShape[2] <= 0 {
		return nil, errors.Errorf("unsupported input shape %v, expected [1 3 S S]", inShape)
	}
	if len(outShape) != 3 || outShape[1] <= 4 || outShape[2] <= 0 {
		return nil, errors.Errorf("unsupported output shape %v, expected [1 4+nc anchors]", outShape)
	}

	d := &Detector{
		logger:  logger,
		size:    int(inShape[2]),
		classes: int(outShape[1] - 4),
		anchors: int(outShape[2]),
	}
	if d.labels, err = loadLabels(opts); err != nil {
		return nil, err
	}
	if d.labels != nil && len(d.labels) != d.classes {
		return nil, errors.Errorf("model has %d classes but %d labels were found", d.classes, len(d.labels))
	}

	if d.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, inShape[2], inShape[3])); err != nil {
		return nil, errors.Wrap(err, "failed to create input tensor")
	}
	if d.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, outShape[1], outShape[2])); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "failed to create output tensor"), d.input.Destroy())
	}
	d.session, err = ort.NewAdvancedSession(opts.ModelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name},
		[]ort.ArbitraryTensor{d.input}, []ort.ArbitraryTensor{d.output},
		nil)
	if err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "failed to create onnxruntime session"),
			d.input.Destroy(), d.output.Destroy())
	}
	logger.Debugw("loaded onnx model", "path", opts.ModelPath, "size", d.size, "classes", d.classes, "anchors", d.anchors)
	return d, nil
}

// Labels returns the class labels, nil when the model has none.
func (d *Detector) Labels() []string {
	return d.labels
}

// Predict loads the image, runs the model and applies the score filter and NMS.
func (d *Detector) Predict(ctx context.Context, imagePath string, opts ml.PredictOptions) ([]objectdetection.Detection, error) {
	if err := ml.CheckImage(imagePath); err != nil {
		return nil, err
	}
	img, err := imaging.Open(imagePath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "could not decode image %s", imagePath)
	}
	detector, err := objectdetection.Build(d.detect,
		objectdetection.NewScoreFilter(opts.Conf),
		objectdetection.NewNMS(opts.IoU))
	if err != nil {
		return nil, err
	}
	return detector(ctx, img)
}

// detect is the raw detector: every anchor's best class, rescaled to the source image.
func (d *Detector) detect(ctx context.Context, img image.Image) ([]objectdetection.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	origW, origH := img.Bounds().Dx(), img.Bounds().Dy()
	resized := resize.Resize(uint(d.size), uint(d.size), img, resize.Bilinear)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil, errors.New("detector is closed")
	}
	fillCHW(d.input.GetData(), resized, d.size)
	if err := d.session.Run(); err != nil {
		return nil, errors.Wrap(err, "inference failed")
	}
	return decode(d.output.GetData(), d.classes, d.anchors,
		float64(origW)/float64(d.size), float64(origH)/float64(d.size),
		float64(origW), float64(origH), d.label), nil
}

func (d *Detector) label(class int) string {
	if d.labels == nil {
		return strconv.Itoa(class)
	}
	return d.labels[class]
}

// fillCHW writes the image as planar RGB scaled to [0,1].
func fillCHW(dst []float32, img image.Image, size int) {
	plane := size * size
	b := img.Bounds()
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*size + x
			dst[i] = float32(r>>8) / 255
			dst[plane+i] = float32(g>>8) / 255
			dst[2*plane+i] = float32(bl>>8) / 255
		}
	}
}

// decode turns a [4+nc, anchors] output into detections, one per anchor with a positive best
// score. Thresholds are applied by postprocessors.
func decode(
	data []float32, classes, anchors int, scaleX, scaleY, maxX, maxY float64, label func(int) string,
) []objectdetection.Detection {
	dets := make([]objectdetection.Detection, 0)
	for a := 0; a < anchors; a++ {
		best, bestScore := 0, float32(-1)
		for c := 0; c < classes; c++ {
			if s := data[(4+c)*anchors+a]; s > bestScore {
				best, bestScore = c, s
			}
		}
		if bestScore <= 0 {
			continue
		}
		cx := float64(data[a])
		cy := float64(data[anchors+a])
		w := float64(data[2*anchors+a])
		h := float64(data[3*anchors+a])
		box := objectdetection.Box{
			X1: clamp((cx-w/2)*scaleX, 0, maxX),
			Y1: clamp((cy-h/2)*scaleY, 0, maxY),
			X2: clamp((cx+w/2)*scaleX, 0, maxX),
			Y2: clamp((cy+h/2)*scaleY, 0, maxY),
		}
		dets = append(dets, objectdetection.NewDetection(box, float64(bestScore), label(best)))
	}
	return dets
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}

// Train is not supported for exported models.
func (d *Detector) Train(context.Context, ml.TrainingConfig) (*ml.TrainResult, error) {
	return nil, errors.Wrap(ml.ErrUnsupported, "train")
}

// Validate is not supported for exported models.
func (d *Detector) Validate(context.Context) (ml.Metrics, error) {
	return ml.Metrics{}, errors.Wrap(ml.ErrUnsupported, "validate")
}

// Export is not supported for exported models.
func (d *Detector) Export(context.Context, ml.ExportFormat) (string, error) {
	return "", errors.Wrap(ml.ErrUnsupported, "export")
}

// Close releases the session and tensors.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil
	}
	err := multierr.Combine(d.session.Destroy(), d.input.Destroy(), d.output.Destroy())
	d.session = nil
	return multierr.Combine(err, releaseEnvironment())
}

func loadLabels(opts Options) ([]string, error) {
	path := opts.LabelsPath
	if path == "" {
		dir := filepath.Dir(opts.ModelPath)
		for _, candidate := range []string{
			strings.TrimSuffix(opts.ModelPath, filepath.Ext(opts.ModelPath)) + ".txt",
			filepath.Join(dir, "labels.txt"),
			filepath.Join(dir, dataset.DataConfigFile),
		} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			return nil, nil
		}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err := dataset.ReadDataConfig(path)
		if err != nil {
			return nil, err
		}
		return cfg.Names, nil
	default:
		return readLabelLines(path)
	}
}

func readLabelLines(path string) ([]string, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open labels file %s", path)
	}
	defer f.Close() //nolint:errcheck

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			labels = append(labels, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "could not read labels file %s", path)
	}
	return labels, nil
}
