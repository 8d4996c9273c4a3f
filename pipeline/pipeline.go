// Package pipeline runs the six training steps end to end: check the environment, acquire a
// dataset, train, validate, analyze nutrition and export, recording progress in a session.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nutriscan/nutriscan/dataset"
	"github.com/nutriscan/nutriscan/logging"
	"github.com/nutriscan/nutriscan/ml"
	"github.com/nutriscan/nutriscan/nutrition"
	"github.com/nutriscan/nutriscan/session"
)

// Step names in execution order.
const (
	StepInstall   = "install"
	StepDataset   = "dataset"
	StepTrain     = "train"
	StepValidate  = "validate"
	StepNutrition = "nutrition"
	StepExport    = "export"
)

// Steps lists every step in order.
var Steps = []string{StepInstall, StepDataset, StepTrain, StepValidate, StepNutrition, StepExport}

var stepMessages = map[string]string{
	StepInstall:   "Checking training dependencies",
	StepDataset:   "Preparing dataset",
	StepTrain:     "Training model",
	StepValidate:  "Validating model",
	StepNutrition: "Analyzing nutrition",
	StepExport:    "Exporting model",
}

// StepMessage is the human readable description of a step.
func StepMessage(step string) string {
	return stepMessages[step]
}

// SummaryFile is the name of the run summary written to the output directory.
const SummaryFile = "training_results.json"

// errInterrupted is recorded on sessions whose run was cancelled.
const errInterrupted = "interrupted"

// A BatchAdvisor analyzes many foods at once.
type BatchAdvisor interface {
	AnalyzeBatch(ctx context.Context, foods []string, lang string) (map[string]nutrition.Info, error)
}

// Options wire a Runner to its collaborators.
type Options struct {
	Training ml.TrainingConfig
	// Environment checks and prepares the training library.
	Environment func(ctx context.Context) (ml.Environment, error)
	// Dataset acquires the dataset to train on.
	Dataset func(ctx context.Context) (*dataset.Downloaded, error)
	// NewDetector opens a detector over the given data.yaml.
	NewDetector func(dataConfig string) (ml.Detector, error)
	// Nutrition analyzes the dataset classes; the step is skipped when nil.
	Nutrition BatchAdvisor
	Language  string
	Formats   []ml.ExportFormat
	// OutputDir receives the run summary; the working directory when empty.
	OutputDir string
	Store     session.Store
	// SessionID names an existing pending record to run under; a new record is inserted when empty.
	SessionID string
	Reporter  Reporter
	Now       func() time.Time
}

// Summary is the content of training_results.json.
type Summary struct {
	Timestamp         time.Time                 `json:"timestamp"`
	SessionID         string                    `json:"session_id"`
	Status            session.Status            `json:"status"`
	DatasetPath       string                    `json:"dataset_path,omitempty"`
	DatasetID         string                    `json:"dataset_id,omitempty"`
	Classes           []string                  `json:"classes,omitempty"`
	TrainingConfig    ml.TrainingConfig         `json:"training_config"`
	Device            string                    `json:"device,omitempty"`
	Metrics           *ml.Metrics               `json:"metrics,omitempty"`
	ValidationResults *ml.Metrics               `json:"validation_results,omitempty"`
	BestModelPath     string                    `json:"best_model_path,omitempty"`
	ExportedModels    map[string]string         `json:"exported_models"`
	Nutrition         map[string]nutrition.Info `json:"nutrition,omitempty"`
	Errors            map[string]string         `json:"errors,omitempty"`
	Duration          string                    `json:"duration"`
	SummaryPath       string                    `json:"-"`
}

// Runner executes the pipeline once per Run.
type Runner struct {
	opts   Options
	logger logging.Logger
}

// New checks that the required collaborators are present.
func New(opts Options, logger logging.Logger) (*Runner, error) {
	switch {
	case opts.Environment == nil:
		return nil, errors.New("pipeline needs an environment check")
	case opts.Dataset == nil:
		return nil, errors.New("pipeline needs a dataset source")
	case opts.NewDetector == nil:
		return nil, errors.New("pipeline needs a detector factory")
	case opts.Store == nil:
		return nil, errors.New("pipeline needs a session store")
	}
	if err := opts.Training.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid training config")
	}
	if opts.Reporter == nil {
		opts.Reporter = nopReporter{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if opts.Language == "" {
		opts.Language = nutrition.DefaultLanguage
	}
	return &Runner{opts: opts, logger: logger}, nil
}

type run struct {
	*Runner
	ctx     context.Context
	id      string
	summary *Summary
	started time.Time
}

// Run executes every step. Required steps (install, dataset, train) abort the run on failure;
// optional ones (validate, nutrition, each export format) are recorded in Summary.Errors and
// skipped. The session ends completed or failed, with "interrupted" when ctx was cancelled.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	started := r.opts.Now()
	rec, err := r.openSession(ctx)
	if err != nil {
		return nil, err
	}
	rn := &run{
		Runner:  r,
		ctx:     ctx,
		id:      rec.ID,
		started: started,
		summary: &Summary{
			Timestamp:      started.UTC(),
			SessionID:      rec.ID,
			Status:         session.StatusRunning,
			TrainingConfig: r.opts.Training,
			ExportedModels: map[string]string{},
			Errors:         map[string]string{},
		},
	}
	r.logger.Infow("pipeline started", "session", rec.ID, "model", r.opts.Training.Model)

	if err := rn.steps(); err != nil {
		return rn.summary, rn.finish(err)
	}
	return rn.summary, rn.finish(nil)
}

func (r *Runner) openSession(ctx context.Context) (session.Record, error) {
	if r.opts.SessionID == "" {
		rec, err := r.opts.Store.Insert(ctx, session.Record{
			Status:      session.StatusRunning,
			ModelConfig: r.opts.Training,
		})
		return rec, errors.Wrap(err, "could not create session")
	}
	rec, err := session.Mutate(ctx, r.opts.Store, r.opts.SessionID, func(rec *session.Record) error {
		if rec.Status != session.StatusPending {
			return errors.Errorf("session %s is %s, not pending", rec.ID, rec.Status)
		}
		rec.Status = session.StatusRunning
		rec.ModelConfig = r.opts.Training
		return nil
	})
	return rec, err
}

func (rn *run) steps() error {
	o := rn.opts

	// install
	rn.start(StepInstall)
	env, err := o.Environment(rn.ctx)
	if err != nil {
		return rn.fail(StepInstall, err)
	}
	cfg := o.Training.WithDevice(env)
	rn.summary.TrainingConfig = cfg
	rn.summary.Device = cfg.Device
	rn.complete(StepInstall, fmt.Sprintf("ultralytics %s on %s", env.UltralyticsVersion, env.Device()))

	// dataset
	rn.start(StepDataset)
	ds, err := o.Dataset(rn.ctx)
	if err != nil {
		return rn.fail(StepDataset, err)
	}
	dataCfg, err := dataset.ReadDataConfig(ds.DataConfig)
	if err != nil {
		return rn.fail(StepDataset, err)
	}
	rn.summary.DatasetPath = ds.Dir
	rn.summary.DatasetID = ds.ID
	rn.summary.Classes = dataCfg.Names
	if err := rn.update(func(rec *session.Record) {
		rec.DatasetID = ds.ID
		rec.ModelConfig = cfg
	}); err != nil {
		return rn.fail(StepDataset, err)
	}
	rn.complete(StepDataset, fmt.Sprintf("%s: %d classes", ds.ID, dataCfg.NC))

	// train
	rn.start(StepTrain)
	det, err := o.NewDetector(ds.DataConfig)
	if err != nil {
		return rn.fail(StepTrain, err)
	}
	defer func() {
		if err := det.Close(); err != nil {
			rn.logger.Warnw("failed to close detector", "error", err)
		}
	}()
	res, err := det.Train(rn.ctx, cfg)
	if err != nil {
		return rn.fail(StepTrain, err)
	}
	rn.summary.Metrics = &res.Metrics
	rn.summary.BestModelPath = res.BestModelPath
	if err := rn.update(func(rec *session.Record) {
		rec.Metrics = &res.Metrics
		rec.BestModelPath = res.BestModelPath
	}); err != nil {
		return rn.fail(StepTrain, err)
	}
	rn.complete(StepTrain, fmt.Sprintf("mAP50 %.3f, best model %s", res.Metrics.MAP50, res.BestModelPath))

	// validate
	rn.start(StepValidate)
	if m, err := det.Validate(rn.ctx); err != nil {
		if err := rn.optional(StepValidate, StepValidate, err); err != nil {
			return err
		}
	} else {
		rn.summary.ValidationResults = &m
		if err := rn.update(func(rec *session.Record) { rec.ValidationResults = &m }); err != nil {
			return rn.fail(StepValidate, err)
		}
		rn.complete(StepValidate, fmt.Sprintf("mAP50-95 %.3f, mAP50 %.3f, precision %.3f, recall %.3f",
			m.MAP50to95, m.MAP50, m.Precision, m.Recall))
	}

	// nutrition
	rn.start(StepNutrition)
	if o.Nutrition == nil {
		rn.complete(StepNutrition, "skipped")
	} else if infos, err := o.Nutrition.AnalyzeBatch(rn.ctx, dataCfg.Names, o.Language); err != nil {
		if err := rn.optional(StepNutrition, StepNutrition, err); err != nil {
			return err
		}
	} else {
		rn.summary.Nutrition = infos
		rn.complete(StepNutrition, fmt.Sprintf("%d foods analyzed", len(infos)))
	}

	// export
	rn.start(StepExport)
	var failed []string
	for _, format := range o.Formats {
		path, err := det.Export(rn.ctx, format)
		if err != nil {
			if err := rn.optional("", "export_"+string(format), err); err != nil {
				return rn.fail(StepExport, err)
			}
			failed = append(failed, string(format))
			continue
		}
		rn.summary.ExportedModels[string(format)] = path
	}
	exported := rn.summary.ExportedModels
	if err := rn.update(func(rec *session.Record) { rec.ExportedModels = exported }); err != nil {
		return rn.fail(StepExport, err)
	}
	formats := make([]string, 0, len(exported))
	for f := range exported {
		formats = append(formats, f)
	}
	sort.Strings(formats)
	msg := fmt.Sprintf("exported %s", strings.Join(formats, ", "))
	if len(formats) == 0 {
		msg = "nothing exported"
	}
	if len(failed) > 0 {
		msg += fmt.Sprintf("; failed %s", strings.Join(failed, ", "))
	}
	rn.complete(StepExport, msg)
	return nil
}

func (rn *run) start(step string) {
	if err := rn.opts.Reporter.Start(step); err != nil {
		rn.logger.Debugw("reporter rejected step", "step", step, "error", err)
	}
}

func (rn *run) complete(step, message string) {
	if err := rn.opts.Reporter.CompleteWithMessage(step, message); err != nil {
		rn.logger.Debugw("reporter rejected step", "step", step, "error", err)
	}
}

// fail reports a required step failure and returns the error that ends the run.
func (rn *run) fail(step string, err error) error {
	if ctxErr := rn.ctx.Err(); ctxErr != nil {
		err = errors.Wrap(ctxErr, errInterrupted)
	}
	if repErr := rn.opts.Reporter.Fail(step, err); repErr != nil {
		rn.logger.Debugw("reporter rejected step", "step", step, "error", repErr)
	}
	return errors.Wrapf(err, "%s step failed", step)
}

// optional records a failure that does not end the run, unless the run was cancelled. An empty
// step skips reporting, for sub-steps the reporter does not know.
func (rn *run) optional(step, key string, err error) error {
	if ctxErr := rn.ctx.Err(); ctxErr != nil {
		if step == "" {
			return ctxErr
		}
		return rn.fail(step, ctxErr)
	}
	rn.logger.Warnw("optional step failed, continuing", "step", key, "error", err)
	rn.summary.Errors[key] = err.Error()
	if step != "" {
		if repErr := rn.opts.Reporter.Fail(step, err); repErr != nil {
			rn.logger.Debugw("reporter rejected step", "step", step, "error", repErr)
		}
	}
	return nil
}

func (rn *run) update(fn func(*session.Record)) error {
	// Progress is recorded even while the run is being torn down.
	ctx := context.WithoutCancel(rn.ctx)
	_, err := session.Mutate(ctx, rn.opts.Store, rn.id, func(rec *session.Record) error {
		fn(rec)
		return nil
	})
	return err
}

// finish stores the final status and writes the summary file.
func (rn *run) finish(runErr error) error {
	status := session.StatusCompleted
	errText := ""
	if runErr != nil {
		status = session.StatusFailed
		errText = runErr.Error()
		if rn.ctx.Err() != nil {
			errText = errInterrupted
		}
	}
	rn.summary.Status = status
	rn.summary.Duration = rn.opts.Now().Sub(rn.started).Round(time.Second).String()

	updateErr := rn.update(func(rec *session.Record) {
		rec.Status = status
		rec.Error = errText
	})
	if updateErr != nil {
		rn.logger.Errorw("could not record session status", "session", rn.id, "error", updateErr)
	}

	path, writeErr := writeSummary(rn.opts.OutputDir, rn.summary)
	if writeErr != nil {
		rn.logger.Errorw("could not write run summary", "error", writeErr)
	}
	rn.summary.SummaryPath = path

	if runErr != nil {
		rn.logger.Errorw("pipeline failed", "session", rn.id, "error", runErr)
		return runErr
	}
	rn.logger.Infow("pipeline completed", "session", rn.id, "summary", path, "duration", rn.summary.Duration)
	if updateErr != nil {
		return updateErr
	}
	return writeErr
}

func writeSummary(dir string, summary *Summary) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", errors.Wrapf(err, "could not create %s", dir)
	}
	raw, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, SummaryFile)
	return path, errors.Wrapf(os.WriteFile(path, raw, 0o600), "could not write %s", path)
}
