// Package internal builds the long-lived collaborators of a NutriScan process from its config.
// It is shared by the CLI and the REST server and is not a supported API.
package internal

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/nutriscan/nutriscan/config"
	"github.com/nutriscan/nutriscan/dataset"
	"github.com/nutriscan/nutriscan/logging"
	"github.com/nutriscan/nutriscan/ml"
	"github.com/nutriscan/nutriscan/ml/inference"
	"github.com/nutriscan/nutriscan/ml/ultralytics"
	"github.com/nutriscan/nutriscan/nutrition"
	"github.com/nutriscan/nutriscan/pipeline"
	"github.com/nutriscan/nutriscan/session"
)

// OpenStore opens the configured session backend.
func OpenStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	switch cfg.Session.Backend {
	case config.BackendMongo:
		return session.NewMongoStore(ctx, cfg.Session.MongoURI, cfg.Session.MongoDatabase, cfg.Session.MongoCollection)
	case config.BackendFile:
		return session.NewFileStore(cfg.Session.Path)
	default:
		return nil, errors.Errorf("unknown session backend %q", cfg.Session.Backend)
	}
}

// NewNutrition builds the nutrition service. Without a Gemini key every answer comes from the
// fallback table.
func NewNutrition(ctx context.Context, cfg *config.Config, logger logging.Logger) (*nutrition.Service, error) {
	var cache nutrition.Cache
	if cfg.Nutrition.CacheBackend == config.BackendRedis {
		redisCache, err := nutrition.NewRedisCache(ctx, nutrition.RedisOptions{
			Addr:     cfg.Nutrition.RedisAddr,
			Password: cfg.Nutrition.RedisPassword,
			DB:       cfg.Nutrition.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		cache = redisCache
	}

	var primary nutrition.Advisor
	if cfg.Gemini.APIKey != "" {
		primary = nutrition.NewGeminiClient(nutrition.GeminiOptions{
			BaseURL:           cfg.Gemini.URL,
			Model:             cfg.Gemini.Model,
			APIKey:            cfg.Gemini.APIKey,
			RequestsPerMinute: cfg.Gemini.RequestsPerMinute,
		}, logger.Sublogger("gemini"))
	} else {
		logger.Infow("no Gemini API key configured, nutrition answers come from built-in data",
			"env", config.GeminiAPIKeyEnv)
	}
	return nutrition.NewService(primary, cache, nutrition.ServiceOptions{
		TTL:         cfg.Nutrition.CacheTTL,
		Concurrency: cfg.Nutrition.Concurrency,
	}, logger), nil
}

// DatasetSource returns the acquisition step for the configured dataset source.
func DatasetSource(cfg *config.Config, logger logging.Logger) func(context.Context) (*dataset.Downloaded, error) {
	switch cfg.Dataset.Source {
	case config.SourceSynthetic:
		return func(ctx context.Context) (*dataset.Downloaded, error) {
			return dataset.Synthesize(ctx, cfg.Dataset.Dir, cfg.Dataset.Classes, dataset.SynthOptions{
				PerClass:  cfg.Dataset.PerClass,
				ImageSize: cfg.Dataset.ImageSize,
			})
		}
	case config.SourceLocal:
		return func(ctx context.Context) (*dataset.Downloaded, error) {
			return LocalDataset(cfg.Dataset.Dir)
		}
	default:
		return func(ctx context.Context) (*dataset.Downloaded, error) {
			client := dataset.NewRoboflowClient(cfg.Roboflow.URL, cfg.Roboflow.APIKey, logger.Sublogger("roboflow"))
			return client.Download(ctx, RoboflowRequest(cfg))
		}
	}
}

// RoboflowRequest is the download request for the configured dataset version.
func RoboflowRequest(cfg *config.Config) dataset.DownloadRequest {
	return dataset.DownloadRequest{
		Workspace: cfg.Roboflow.Workspace,
		Project:   cfg.Roboflow.Project,
		Version:   cfg.Roboflow.Version,
		Format:    cfg.Roboflow.Format,
		Dest:      cfg.Dataset.Dir,
	}
}

// LocalDataset uses a dataset already on disk.
func LocalDataset(dir string) (*dataset.Downloaded, error) {
	configPath, err := dataset.FindDataConfig(dir)
	if err != nil {
		return nil, err
	}
	if report := dataset.Validate(dir); !report.Valid() {
		return nil, report.Err()
	}
	return &dataset.Downloaded{ID: "local:" + dir, Dir: dir, DataConfig: configPath}, nil
}

// PipelineDeps are the per-run collaborators of a pipeline.
type PipelineDeps struct {
	Store session.Store
	// Nutrition analyzes the dataset classes; nil skips the step.
	Nutrition pipeline.BatchAdvisor
	Reporter  pipeline.Reporter
	// Runner runs python; an ExecRunner when nil.
	Runner    ml.Runner
	SessionID string
}

// PipelineOptions wires a pipeline run from the config.
func PipelineOptions(cfg *config.Config, deps PipelineDeps, logger logging.Logger) pipeline.Options {
	runner := deps.Runner
	if runner == nil {
		runner = ml.ExecRunner{}
	}
	mlLogger := logger.Sublogger("ml")
	return pipeline.Options{
		Training: cfg.Training,
		Environment: func(ctx context.Context) (ml.Environment, error) {
			return ml.CheckEnvironment(ctx, runner, ml.EnvironmentOptions{
				Python:  cfg.Runtime.Python,
				Install: cfg.Runtime.InstallDeps,
				Package: cfg.Runtime.Package,
			}, mlLogger)
		},
		Dataset: DatasetSource(cfg, logger.Sublogger("dataset")),
		NewDetector: func(dataConfig string) (ml.Detector, error) {
			return ultralytics.New(ultralytics.Options{
				Python:     cfg.Runtime.Python,
				DataConfig: dataConfig,
				ImgSize:    cfg.Training.ImgSize,
				Runner:     runner,
			}, mlLogger)
		},
		Nutrition: deps.Nutrition,
		Language:  cfg.Nutrition.Language,
		Formats:   cfg.ExportFormats(),
		OutputDir: cfg.Export.OutputDir,
		Store:     deps.Store,
		SessionID: deps.SessionID,
		Reporter:  deps.Reporter,
	}
}

// ModelOptions describes a trained model for inference.
func ModelOptions(cfg *config.Config, path, labels string, runner ml.Runner) inference.ModelOptions {
	return inference.ModelOptions{
		Path:          path,
		Labels:        labels,
		Python:        cfg.Runtime.Python,
		Runner:        runner,
		SharedLibrary: cfg.Runtime.OnnxRuntimeLib,
	}
}

// Services are the collaborators a long-running process keeps open.
type Services struct {
	Config    *config.Config
	Store     session.Store
	Nutrition *nutrition.Service
}

// NewServices opens the session store and the nutrition service.
func NewServices(ctx context.Context, cfg *config.Config, logger logging.Logger) (*Services, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "could not open session store")
	}
	svc, err := NewNutrition(ctx, cfg, logger.Sublogger("nutrition"))
	if err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "could not start nutrition service"), store.Close())
	}
	return &Services{Config: cfg, Store: store, Nutrition: svc}, nil
}

// Close closes everything NewServices opened.
func (s *Services) Close() error {
	return multierr.Combine(s.Nutrition.Close(), s.Store.Close())
}
