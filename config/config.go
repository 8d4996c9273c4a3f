// Package config defines the nutriscan configuration file and how it is read.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/nutriscan/nutriscan/dataset"
	"github.com/nutriscan/nutriscan/logging"
	"github.com/nutriscan/nutriscan/ml"
	"github.com/nutriscan/nutriscan/nutrition"
	"github.com/nutriscan/nutriscan/session"
)

// DefaultFile is read when no config path is given.
const DefaultFile = "nutriscan.yaml"

// Dataset sources.
const (
	SourceRoboflow  = "roboflow"
	SourceSynthetic = "synthetic"
	SourceLocal     = "local"
)

// Session and cache backends.
const (
	BackendFile   = "file"
	BackendMongo  = "mongo"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

const redacted = "<redacted>"

// Config is the whole nutriscan configuration.
type Config struct {
	Training  ml.TrainingConfig `json:"training" mapstructure:"training"`
	Runtime   RuntimeConfig     `json:"runtime" mapstructure:"runtime"`
	Dataset   DatasetConfig     `json:"dataset" mapstructure:"dataset"`
	Roboflow  RoboflowConfig    `json:"roboflow" mapstructure:"roboflow"`
	Gemini    GeminiConfig      `json:"gemini" mapstructure:"gemini"`
	Nutrition NutritionConfig   `json:"nutrition" mapstructure:"nutrition"`
	Session   SessionConfig     `json:"session" mapstructure:"session"`
	Export    ExportConfig      `json:"export" mapstructure:"export"`
	Server    ServerConfig      `json:"server" mapstructure:"server"`
	Log       LogConfig         `json:"log" mapstructure:"log"`
}

// RuntimeConfig locates the python side of the training library.
type RuntimeConfig struct {
	Python         string `json:"python" mapstructure:"python"`
	InstallDeps    bool   `json:"install_deps" mapstructure:"install_deps"`
	Package        string `json:"package" mapstructure:"package"`
	OnnxRuntimeLib string `json:"onnxruntime_lib,omitempty" mapstructure:"onnxruntime_lib"`
}

// DatasetConfig says where the training data comes from and where it lives.
type DatasetConfig struct {
	Source    string   `json:"source" mapstructure:"source" jsonschema:"enum=roboflow,enum=synthetic,enum=local"`
	Dir       string   `json:"dir" mapstructure:"dir"`
	Classes   []string `json:"classes,omitempty" mapstructure:"classes"`
	PerClass  int      `json:"per_class" mapstructure:"per_class"`
	ImageSize int      `json:"image_size" mapstructure:"image_size"`
}

// RoboflowConfig names the hosted dataset version.
type RoboflowConfig struct {
	APIKey    string `json:"api_key,omitempty" mapstructure:"api_key"`
	URL       string `json:"url" mapstructure:"url"`
	Workspace string `json:"workspace" mapstructure:"workspace"`
	Project   string `json:"project" mapstructure:"project"`
	Version   int    `json:"version" mapstructure:"version" jsonschema:"minimum=1"`
	Format    string `json:"format" mapstructure:"format"`
}

// GeminiConfig configures the language model used for nutrition analysis.
type GeminiConfig struct {
	APIKey            string `json:"api_key,omitempty" mapstructure:"api_key"`
	URL               string `json:"url" mapstructure:"url"`
	Model             string `json:"model" mapstructure:"model"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// NutritionConfig configures the nutrition step and its cache.
type NutritionConfig struct {
	Language      string        `json:"language" mapstructure:"language" jsonschema:"enum=zh-CN,enum=en,enum=ms"`
	CacheTTL      time.Duration `json:"cache_ttl" mapstructure:"cache_ttl"`
	CacheBackend  string        `json:"cache_backend" mapstructure:"cache_backend" jsonschema:"enum=memory,enum=redis"`
	RedisAddr     string        `json:"redis_addr,omitempty" mapstructure:"redis_addr"`
	RedisPassword string        `json:"redis_password,omitempty" mapstructure:"redis_password"`
	RedisDB       int           `json:"redis_db" mapstructure:"redis_db"`
	Concurrency   int           `json:"concurrency" mapstructure:"concurrency"`
}

// SessionConfig selects the session store.
type SessionConfig struct {
	Backend         string `json:"backend" mapstructure:"backend" jsonschema:"enum=file,enum=mongo"`
	Path            string `json:"path" mapstructure:"path"`
	MongoURI        string `json:"mongo_uri,omitempty" mapstructure:"mongo_uri"`
	MongoDatabase   string `json:"mongo_database" mapstructure:"mongo_database"`
	MongoCollection string `json:"mongo_collection" mapstructure:"mongo_collection"`
}

// ExportConfig lists the interchange formats and where run summaries go.
type ExportConfig struct {
	Formats   []string `json:"formats" mapstructure:"formats"`
	OutputDir string   `json:"output_dir" mapstructure:"output_dir"`
}

// ServerConfig configures the REST server.
type ServerConfig struct {
	Address string `json:"address" mapstructure:"address"`
	Mode    string `json:"mode" mapstructure:"mode" jsonschema:"enum=debug,enum=release,enum=test"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	File       string `json:"file,omitempty" mapstructure:"file"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
	// Loggers override the level of named subloggers, e.g. {pattern: "nutriscan.gemini", level: debug}.
	Loggers []logging.LoggerPatternConfig `json:"loggers,omitempty" mapstructure:"loggers"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills every unset field.
func (c *Config) applyDefaults() {
	if c.Training == (ml.TrainingConfig{}) {
		c.Training = ml.DefaultTrainingConfig()
	}

	if c.Runtime.Python == "" {
		c.Runtime.Python = "python3"
	}
	if c.Runtime.Package == "" {
		c.Runtime.Package = "ultralytics"
	}

	if c.Dataset.Source == "" {
		c.Dataset.Source = SourceRoboflow
	}
	if c.Dataset.Dir == "" {
		c.Dataset.Dir = "datasets/malaysian_food"
	}
	if c.Dataset.PerClass == 0 {
		c.Dataset.PerClass = 1
	}
	if c.Dataset.ImageSize == 0 {
		c.Dataset.ImageSize = 64
	}

	if c.Roboflow.URL == "" {
		c.Roboflow.URL = dataset.DefaultRoboflowURL
	}
	if c.Roboflow.Workspace == "" {
		c.Roboflow.Workspace = dataset.DefaultRoboflowWorkspace
	}
	if c.Roboflow.Project == "" {
		c.Roboflow.Project = dataset.DefaultRoboflowProject
	}
	if c.Roboflow.Version == 0 {
		c.Roboflow.Version = dataset.DefaultRoboflowVersion
	}
	if c.Roboflow.Format == "" {
		c.Roboflow.Format = dataset.DefaultExportFormat
	}

	if c.Gemini.URL == "" {
		c.Gemini.URL = nutrition.DefaultGeminiURL
	}
	if c.Gemini.Model == "" {
		c.Gemini.Model = nutrition.DefaultGeminiModel
	}
	if c.Gemini.RequestsPerMinute == 0 {
		c.Gemini.RequestsPerMinute = 60
	}

	if c.Nutrition.Language == "" {
		c.Nutrition.Language = nutrition.DefaultLanguage
	}
	if c.Nutrition.CacheTTL == 0 {
		c.Nutrition.CacheTTL = nutrition.DefaultCacheTTL
	}
	if c.Nutrition.CacheBackend == "" {
		c.Nutrition.CacheBackend = BackendMemory
	}
	if c.Nutrition.RedisAddr == "" {
		c.Nutrition.RedisAddr = "localhost:6379"
	}
	if c.Nutrition.Concurrency == 0 {
		c.Nutrition.Concurrency = 4
	}

	if c.Session.Backend == "" {
		c.Session.Backend = BackendFile
	}
	if c.Session.Path == "" {
		c.Session.Path = session.DefaultFile
	}
	if c.Session.MongoDatabase == "" {
		c.Session.MongoDatabase = session.DefaultMongoDatabase
	}
	if c.Session.MongoCollection == "" {
		c.Session.MongoCollection = session.DefaultMongoCollection
	}

	if c.Export.Formats == nil {
		c.Export.Formats = make([]string, 0, len(ml.DefaultExportFormats))
		for _, f := range ml.DefaultExportFormats {
			c.Export.Formats = append(c.Export.Formats, string(f))
		}
	}
	if c.Export.OutputDir == "" {
		c.Export.OutputDir = "."
	}

	if c.Server.Address == "" {
		c.Server.Address = "localhost:8080"
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
}

// normalize canonicalizes case and spelling so Validate sees one form.
func (c *Config) normalize() {
	c.Dataset.Source = strings.ToLower(strings.TrimSpace(c.Dataset.Source))
	c.Dataset.Classes = lo.Uniq(c.Dataset.Classes)
	c.Nutrition.CacheBackend = strings.ToLower(c.Nutrition.CacheBackend)
	c.Session.Backend = strings.ToLower(c.Session.Backend)
	if c.Session.Backend == "mongodb" {
		c.Session.Backend = BackendMongo
	}
	for i, f := range c.Export.Formats {
		c.Export.Formats[i] = strings.ToLower(strings.TrimSpace(f))
	}
	c.Export.Formats = lo.Uniq(c.Export.Formats)
	c.Server.Mode = strings.ToLower(c.Server.Mode)
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Gemini.URL = strings.TrimRight(c.Gemini.URL, "/")
	c.Roboflow.URL = strings.TrimRight(c.Roboflow.URL, "/")
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate() error {
	if err := c.Training.Validate(); err != nil {
		return newValidationError("training", err)
	}
	if err := c.Dataset.Validate("dataset"); err != nil {
		return err
	}
	if err := c.Roboflow.Validate("roboflow"); err != nil {
		return err
	}
	if err := c.Nutrition.Validate("nutrition"); err != nil {
		return err
	}
	if err := c.Session.Validate("session"); err != nil {
		return err
	}
	if err := c.Export.Validate("export"); err != nil {
		return err
	}
	if err := c.Server.Validate("server"); err != nil {
		return err
	}
	return c.Log.Validate("log")
}

// Validate ensures all parts of the config are valid.
func (d *DatasetConfig) Validate(path string) error {
	switch d.Source {
	case SourceRoboflow, SourceSynthetic, SourceLocal:
	default:
		return newValidationError(path, errors.Errorf("source %q must be one of roboflow, synthetic, local", d.Source))
	}
	if d.Dir == "" {
		return newFieldRequiredError(path, "dir")
	}
	if d.PerClass < 0 {
		return newValidationError(path, errors.Errorf("per_class must not be negative, got %d", d.PerClass))
	}
	if d.ImageSize < 0 {
		return newValidationError(path, errors.Errorf("image_size must not be negative, got %d", d.ImageSize))
	}
	return nil
}

// Validate ensures all parts of the config are valid. The API key is checked when a download
// is attempted so the other commands work without it.
func (r *RoboflowConfig) Validate(path string) error {
	if r.Workspace == "" {
		return newFieldRequiredError(path, "workspace")
	}
	if r.Project == "" {
		return newFieldRequiredError(path, "project")
	}
	if r.Version <= 0 {
		return newValidationError(path, errors.Errorf("version must be positive, got %d", r.Version))
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (n *NutritionConfig) Validate(path string) error {
	if nutrition.NormalizeLanguage(n.Language) != n.Language {
		return newValidationError(path, errors.Errorf("language %q must be one of %s",
			n.Language, strings.Join(nutrition.Languages(), ", ")))
	}
	if n.CacheTTL < 0 {
		return newValidationError(path, errors.Errorf("cache_ttl must not be negative, got %s", n.CacheTTL))
	}
	switch n.CacheBackend {
	case BackendMemory:
	case BackendRedis:
		if n.RedisAddr == "" {
			return newFieldRequiredError(path, "redis_addr")
		}
	default:
		return newValidationError(path, errors.Errorf("cache_backend %q must be memory or redis", n.CacheBackend))
	}
	if n.Concurrency < 0 {
		return newValidationError(path, errors.Errorf("concurrency must not be negative, got %d", n.Concurrency))
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (s *SessionConfig) Validate(path string) error {
	switch s.Backend {
	case BackendFile:
		if s.Path == "" {
			return newFieldRequiredError(path, "path")
		}
	case BackendMongo:
		if s.MongoURI == "" {
			return newFieldRequiredError(path, "mongo_uri")
		}
	default:
		return newValidationError(path, errors.Errorf("backend %q must be file or mongo", s.Backend))
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (e *ExportConfig) Validate(path string) error {
	for idx, f := range e.Formats {
		if _, err := ml.ParseExportFormat(f); err != nil {
			return newValidationError(fmt.Sprintf("%s.formats.%d", path, idx), err)
		}
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (s *ServerConfig) Validate(path string) error {
	if _, _, err := net.SplitHostPort(s.Address); err != nil {
		return newValidationError(path, errors.Wrap(err, "error validating address"))
	}
	switch s.Mode {
	case "debug", "release", "test":
	default:
		return newValidationError(path, errors.Errorf("mode %q must be debug, release or test", s.Mode))
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (l *LogConfig) Validate(path string) error {
	if _, err := logging.LevelFromString(l.Level); err != nil {
		return newValidationError(path, err)
	}
	if l.MaxSizeMB < 0 || l.MaxBackups < 0 {
		return newValidationError(path, errors.New("max_size_mb and max_backups must not be negative"))
	}
	for i, lpc := range l.Loggers {
		if _, err := logging.LevelFromString(lpc.Level); err != nil {
			return newValidationError(fmt.Sprintf("%s.loggers.%d", path, i), err)
		}
	}
	return nil
}

// ExportFormats returns the configured formats, already validated.
func (c *Config) ExportFormats() []ml.ExportFormat {
	out := make([]ml.ExportFormat, 0, len(c.Export.Formats))
	for _, f := range c.Export.Formats {
		if format, err := ml.ParseExportFormat(f); err == nil {
			out = append(out, format)
		}
	}
	return out
}

// LogLevel returns the configured level.
func (c *Config) LogLevel() logging.Level {
	level, err := logging.LevelFromString(c.Log.Level)
	if err != nil {
		return logging.INFO
	}
	return level
}

// Redacted returns a copy safe to print: API keys and passwords are masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Dataset.Classes = append([]string(nil), c.Dataset.Classes...)
	out.Export.Formats = append([]string(nil), c.Export.Formats...)
	if out.Roboflow.APIKey != "" {
		out.Roboflow.APIKey = redacted
	}
	if out.Gemini.APIKey != "" {
		out.Gemini.APIKey = redacted
	}
	if out.Nutrition.RedisPassword != "" {
		out.Nutrition.RedisPassword = redacted
	}
	if out.Session.MongoURI != "" {
		out.Session.MongoURI = redactURI(out.Session.MongoURI)
	}
	return &out
}

// SecretStatus reports which secrets are configured, never their values.
func (c *Config) SecretStatus() map[string]bool {
	return map[string]bool{
		"roboflow_api_key": c.Roboflow.APIKey != "",
		"gemini_api_key":   c.Gemini.APIKey != "",
	}
}

func newValidationError(path string, err error) error {
	return errors.Wrapf(err, "error validating %q", path)
}

func newFieldRequiredError(path, field string) error {
	return newValidationError(path, errors.Errorf("%q is required", field))
}
