// Package ultralytics drives the ultralytics YOLO python library as a black-box detector. Each
// operation writes a JSON request, runs an embedded driver script with python, and reads back a
// JSON result.
package ultralytics

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/nutriscan/nutriscan/dataset"
	"github.com/nutriscan/nutriscan/logging"
	"github.com/nutriscan/nutriscan/ml"
	"github.com/nutriscan/nutriscan/vision/objectdetection"
)

//go:embed driver.py
var driverScript string

const (
	actionTrain   = "train"
	actionVal     = "val"
	actionPredict = "predict"
	actionExport  = "export"
)

// Options configure a Detector.
type Options struct {
	// Python is the interpreter to run, python3 when empty.
	Python string
	// DataConfig is the data.yaml used for training and validation.
	DataConfig string
	// Weights is the checkpoint used by Validate, Predict and Export until Train replaces it.
	Weights string
	// ImgSize is passed to validation and export; 640 when zero.
	ImgSize int
	// Runner runs python; an ExecRunner when nil.
	Runner ml.Runner
}

// Detector is an ml.Detector backed by the ultralytics library.
type Detector struct {
	python     string
	dataConfig string
	imgSize    int
	runner     ml.Runner
	logger     logging.Logger

	scratch    string
	scriptPath string

	mu      sync.Mutex
	weights string
	now     func() time.Time
}

var _ ml.Detector = (*Detector)(nil)

// New writes the driver script to a scratch directory and returns a Detector. Close removes it.
func New(opts Options, logger logging.Logger) (*Detector, error) {
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if opts.ImgSize == 0 {
		opts.ImgSize = 640
	}
	if opts.Runner == nil {
		opts.Runner = ml.ExecRunner{}
	}

	scratch, err := os.MkdirTemp("", "nutriscan-ultralytics-*")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create scratch directory")
	}
	scriptPath := filepath.Join(scratch, "driver.py")
	if err := os.WriteFile(scriptPath, []byte(driverScript), 0o600); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "failed to write driver script"), os.RemoveAll(scratch))
	}

	return &Detector{
		python:     opts.Python,
		dataConfig: opts.DataConfig,
		imgSize:    opts.ImgSize,
		runner:     opts.Runner,
		logger:     logger,
		scratch:    scratch,
		scriptPath: scriptPath,
		weights:    opts.Weights,
		now:        time.Now,
	}, nil
}

// Weights returns the checkpoint currently in use.
func (d *Detector) Weights() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.weights
}

// Train fine-tunes the pretrained model named by cfg and switches the detector to the best
// checkpoint of the run.
func (d *Detector) Train(ctx context.Context, cfg ml.TrainingConfig) (*ml.TrainResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid training config")
	}
	if err := dataset.RequireDataConfig(d.dataConfig); err != nil {
		return nil, err
	}
	args := cfg.Args(d.now())
	for key := range args {
		if !ml.IsValidArgumentKey(key) {
			return nil, errors.Errorf("invalid argument key: %s", key)
		}
	}

	d.logger.Infow("starting training", "model", cfg.Model, "epochs", cfg.Epochs, "device", cfg.Device)
	res, err := d.call(ctx, request{
		Action:  actionTrain,
		Weights: cfg.WeightsFile(),
		Data:    d.dataConfig,
		Args:    args,
	})
	if err != nil {
		return nil, err
	}
	if res.Best == "" {
		return nil, errors.New("training finished without a best checkpoint")
	}

	d.mu.Lock()
	d.weights = res.Best
	d.mu.Unlock()

	out := &ml.TrainResult{
		RunName:       args["name"].(string),
		SaveDir:       res.SaveDir,
		BestModelPath: res.Best,
		LastModelPath: res.Last,
	}
	if res.Metrics != nil {
		out.Metrics = *res.Metrics
	}
	return out, nil
}

// Validate evaluates the current weights on the validation split.
func (d *Detector) Validate(ctx context.Context) (ml.Metrics, error) {
	weights, err := d.requireWeights()
	if err != nil {
		return ml.Metrics{}, err
	}
	if err := dataset.RequireDataConfig(d.dataConfig); err != nil {
		return ml.Metrics{}, err
	}
	res, err := d.call(ctx, request{Action: actionVal, Weights: weights, Data: d.dataConfig, ImgSize: d.imgSize})
	if err != nil {
		return ml.Metrics{}, err
	}
	if res.Metrics == nil {
		return ml.Metrics{}, errors.New("validation returned no metrics")
	}
	return *res.Metrics, nil
}

// Predict runs the current weights on one image.
func (d *Detector) Predict(ctx context.Context, imagePath string, opts ml.PredictOptions) ([]objectdetection.Detection, error) {
	weights, err := d.requireWeights()
	if err != nil {
		return nil, err
	}
	if err := ml.CheckImage(imagePath); err != nil {
		return nil, err
	}
	res, err := d.call(ctx, request{
		Action:  actionPredict,
		Weights: weights,
		Image:   imagePath,
		Conf:    &opts.Conf,
		IoU:     &opts.IoU,
	})
	if err != nil {
		return nil, err
	}
	dets := make([]objectdetection.Detection, 0, len(res.Detections))
	for _, raw := range res.Detections {
		box := objectdetection.Box{X1: raw.XYXY[0], Y1: raw.XYXY[1], X2: raw.XYXY[2], Y2: raw.XYXY[3]}
		dets = append(dets, objectdetection.NewDetection(box, raw.Confidence, raw.Class))
	}
	return dets, nil
}

// Export converts the current weights and returns the path of the exported model.
func (d *Detector) Export(ctx context.Context, format ml.ExportFormat) (string, error) {
	if _, err := ml.ParseExportFormat(string(format)); err != nil {
		return "", err
	}
	weights, err := d.requireWeights()
	if err != nil {
		return "", err
	}
	res, err := d.call(ctx, request{Action: actionExport, Weights: weights, Format: string(format), ImgSize: d.imgSize})
	if err != nil {
		return "", err
	}
	if res.Path == "" {
		return "", errors.Errorf("%s export returned no path", format)
	}
	return res.Path, nil
}

// Close removes the scratch directory.
func (d *Detector) Close() error {
	return os.RemoveAll(d.scratch)
}

func (d *Detector) requireWeights() (string, error) {
	weights := d.Weights()
	if isPretrainedName(weights) {
		return weights, nil
	}
	if err := ml.CheckFile(weights); err != nil {
		return "", err
	}
	return weights, nil
}

// isPretrainedName reports whether weights is a bare hub name like yolov8n.pt that the library
// downloads itself.
func isPretrainedName(weights string) bool {
	if weights == "" || filepath.Base(weights) != weights {
		return false
	}
	for _, size := range ml.ModelSizes {
		if weights == size+".pt" {
			return true
		}
	}
	return false
}

type request struct {
	Action  string         `json:"action"`
	Weights string         `json:"weights"`
	Data    string         `json:"data,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Image   string         `json:"image,omitempty"`
	// Conf and IoU are pointers so a zero threshold still reaches the driver.
	Conf    *float64       `json:"conf,omitempty"`
	IoU     *float64       `json:"iou,omitempty"`
	Format  string         `json:"format,omitempty"`
	ImgSize int            `json:"imgsz,omitempty"`
}

type result struct {
	Error      string         `mapstructure:"error"`
	Metrics    *ml.Metrics    `mapstructure:"metrics"`
	Best       string         `mapstructure:"best"`
	Last       string         `mapstructure:"last"`
	SaveDir    string         `mapstructure:"save_dir"`
	Path       string         `mapstructure:"path"`
	Detections []rawDetection `mapstructure:"detections"`
}

type rawDetection struct {
	Class      string     `mapstructure:"class"`
	Confidence float64    `mapstructure:"confidence"`
	XYXY       [4]float64 `mapstructure:"xyxy"`
}

const stderrTailLines = 20

// call runs one driver action. The driver reports library failures in the result file; the
// process exit status and stderr tail are used when it could not even write one.
func (d *Detector) call(ctx context.Context, req request) (*result, error) {
	dir, err := os.MkdirTemp(d.scratch, req.Action+"-*")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request directory")
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			d.logger.Debugw("failed to remove request directory", "dir", dir, "error", err)
		}
	}()

	reqPath := filepath.Join(dir, "request.json")
	resPath := filepath.Join(dir, "result.json")
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(reqPath, raw, 0o600); err != nil {
		return nil, errors.Wrap(err, "failed to write request")
	}

	stdout := newLogWriter(d.logger, req.Action, false)
	stderr := newLogWriter(d.logger, req.Action, true)
	start := time.Now()
	runErr := d.runner.Run(ctx, d.python, []string{d.scriptPath, reqPath, resPath}, stdout, stderr)
	stdout.Flush()
	stderr.Flush()
	d.logger.CDebugw(ctx, "driver finished", "action", req.Action, "duration", time.Since(start).String())

	if ctx.Err() != nil {
		return nil, errors.Wrapf(ctx.Err(), "%s interrupted", req.Action)
	}

	res, readErr := readResult(resPath)
	if readErr != nil {
		if runErr != nil {
			return nil, errors.Wrapf(runErr, "%s failed: %s", req.Action, stderr.Tail())
		}
		return nil, errors.Wrapf(readErr, "%s produced no result", req.Action)
	}
	if res.Error != "" {
		return nil, errors.Errorf("%s failed: %s", req.Action, res.Error)
	}
	if runErr != nil {
		return nil, errors.Wrapf(runErr, "%s failed: %s", req.Action, stderr.Tail())
	}
	return res, nil
}

func readResult(path string) (*result, error) {
	//nolint:gosec
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var loose map[string]any
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil, errors.Wrap(err, "malformed result")
	}
	var res result
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &res,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(loose); err != nil {
		return nil, errors.Wrap(err, "malformed result")
	}
	return &res, nil
}

// logWriter forwards process output to the logger line by line, keeping the last lines for error
// messages.
type logWriter struct {
	logger  logging.Logger
	action  string
	isErr   bool
	partial bytes.Buffer
	mu      sync.Mutex
	tail    []string
}

func newLogWriter(logger logging.Logger, action string, isErr bool) *logWriter {
	return &logWriter{logger: logger, action: action, isErr: isErr}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.partial.Write(p)
	for {
		line, err := w.partial.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			w.partial.Reset()
			w.partial.WriteString(line)
			break
		}
		w.emit(line)
	}
	return len(p), nil
}

// Flush logs a trailing line without a newline.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.partial.Len() > 0 {
		w.emit(w.partial.String())
		w.partial.Reset()
	}
}

func (w *logWriter) emit(line string) {
	// progress bars redraw with carriage returns; keep the last frame
	if i := strings.LastIndexByte(strings.TrimRight(line, "\r\n"), '\r'); i >= 0 {
		line = line[i+1:]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if w.isErr {
		w.logger.Debugw(line, "action", w.action, "stream", "stderr")
		w.tail = append(w.tail, line)
		if len(w.tail) > stderrTailLines {
			w.tail = w.tail[len(w.tail)-stderrTailLines:]
		}
		return
	}
	w.logger.Infow(line, "action", w.action)
}

// Tail returns the last stderr lines joined by newlines.
func (w *logWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.tail) == 0 {
		return "no output"
	}
	return strings.Join(w.tail, "\n")
}
