package ml

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ModelSizes are the pretrained detector sizes, smallest first.
var ModelSizes = []string{"yolov8n", "yolov8s", "yolov8m", "yolov8l", "yolov8x"}

// TrainingConfig is everything passed to the training library for one run. Zero Batch and
// Workers mean "pick from the device".
type TrainingConfig struct {
	Model      string  `json:"model" mapstructure:"model" jsonschema:"enum=yolov8n,enum=yolov8s,enum=yolov8m,enum=yolov8l,enum=yolov8x"`
	Epochs     int     `json:"epochs" mapstructure:"epochs" jsonschema:"minimum=1"`
	Batch      int     `json:"batch" mapstructure:"batch"`
	LR0        float64 `json:"lr0" mapstructure:"lr0"`
	LRF        float64 `json:"lrf" mapstructure:"lrf"`
	ImgSize    int     `json:"imgsz" mapstructure:"imgsz" jsonschema:"multipleOf=32"`
	Patience   int     `json:"patience" mapstructure:"patience"`
	SavePeriod int     `json:"save_period" mapstructure:"save_period"`
	Device     string  `json:"device,omitempty" mapstructure:"device"`
	Workers    int     `json:"workers" mapstructure:"workers"`
	Project    string  `json:"project" mapstructure:"project"`
	Name       string  `json:"name,omitempty" mapstructure:"name"`

	Augmentation Augmentation `json:"augmentation" mapstructure:"augmentation"`
}

// Augmentation are the image augmentation knobs of the training library.
type Augmentation struct {
	HSVH      float64 `json:"hsv_h" mapstructure:"hsv_h"`
	HSVS      float64 `json:"hsv_s" mapstructure:"hsv_s"`
	HSVV      float64 `json:"hsv_v" mapstructure:"hsv_v"`
	Degrees   float64 `json:"degrees" mapstructure:"degrees"`
	Translate float64 `json:"translate" mapstructure:"translate"`
	Scale     float64 `json:"scale" mapstructure:"scale"`
	FlipUD    float64 `json:"flipud" mapstructure:"flipud"`
	FlipLR    float64 `json:"fliplr" mapstructure:"fliplr"`
	Mosaic    float64 `json:"mosaic" mapstructure:"mosaic"`
	Mixup     float64 `json:"mixup" mapstructure:"mixup"`
}

// DefaultTrainingConfig returns the settings used when nothing is configured.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Model:      "yolov8n",
		Epochs:     100,
		LR0:        0.01,
		LRF:        0.01,
		ImgSize:    640,
		Patience:   10,
		SavePeriod: 5,
		Project:    "nutriscan_training",
		Augmentation: Augmentation{
			HSVH:      0.015,
			HSVS:      0.7,
			HSVV:      0.4,
			Degrees:   10,
			Translate: 0.1,
			Scale:     0.5,
			FlipUD:    0,
			FlipLR:    0.5,
			Mosaic:    1.0,
			Mixup:     0.1,
		},
	}
}

// Validate checks the values the training library would reject.
func (cfg TrainingConfig) Validate() error {
	var errs error
	if !isModelSize(cfg.Model) {
		errs = multierr.Append(errs, errors.Errorf("model %q must be one of %s", cfg.Model, strings.Join(ModelSizes, ", ")))
	}
	if cfg.Epochs <= 0 {
		errs = multierr.Append(errs, errors.Errorf("epochs must be positive, got %d", cfg.Epochs))
	}
	if cfg.Batch < 0 {
		errs = multierr.Append(errs, errors.Errorf("batch must not be negative, got %d", cfg.Batch))
	}
	if cfg.LR0 <= 0 || cfg.LR0 > 1 {
		errs = multierr.Append(errs, errors.Errorf("lr0 must be in (0, 1], got %v", cfg.LR0))
	}
	if cfg.ImgSize <= 0 || cfg.ImgSize%32 != 0 {
		errs = multierr.Append(errs, errors.Errorf("imgsz must be a positive multiple of 32, got %d", cfg.ImgSize))
	}
	if cfg.Patience < 0 {
		errs = multierr.Append(errs, errors.Errorf("patience must not be negative, got %d", cfg.Patience))
	}
	if cfg.SavePeriod < -1 {
		errs = multierr.Append(errs, errors.Errorf("save_period must be >= -1, got %d", cfg.SavePeriod))
	}
	if cfg.Workers < 0 {
		errs = multierr.Append(errs, errors.Errorf("workers must not be negative, got %d", cfg.Workers))
	}
	return errs
}

func isModelSize(model string) bool {
	for _, m := range ModelSizes {
		if m == model {
			return true
		}
	}
	return false
}

// WeightsFile is the pretrained checkpoint the run starts from.
func (cfg TrainingConfig) WeightsFile() string {
	return cfg.Model + ".pt"
}

// RunName is the configured name, or malaysian_food_{model}_{YYYYMMDD_HHMMSS}.
func (cfg TrainingConfig) RunName(now time.Time) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return fmt.Sprintf("malaysian_food_%s_%s", cfg.Model, now.Format("20060102_150405"))
}

// WithDevice fills in the device, batch and workers left on auto from the environment.
func (cfg TrainingConfig) WithDevice(env Environment) TrainingConfig {
	if cfg.Device == "" {
		cfg.Device = env.Device()
	}
	if cfg.Batch == 0 {
		cfg.Batch = env.DefaultBatch()
	}
	if cfg.Workers == 0 {
		cfg.Workers = env.DefaultWorkers()
	}
	return cfg
}

// Args renders the config as the keyword arguments of the training call. Name and Project are
// included; the data config and weights are supplied by the backend.
func (cfg TrainingConfig) Args(now time.Time) map[string]any {
	args := map[string]any{
		"epochs":      cfg.Epochs,
		"lr0":         cfg.LR0,
		"lrf":         cfg.LRF,
		"imgsz":       cfg.ImgSize,
		"patience":    cfg.Patience,
		"save_period": cfg.SavePeriod,
		"project":     cfg.Project,
		"name":        cfg.RunName(now),
		"hsv_h":       cfg.Augmentation.HSVH,
		"hsv_s":       cfg.Augmentation.HSVS,
		"hsv_v":       cfg.Augmentation.HSVV,
		"degrees":     cfg.Augmentation.Degrees,
		"translate":   cfg.Augmentation.Translate,
		"scale":       cfg.Augmentation.Scale,
		"flipud":      cfg.Augmentation.FlipUD,
		"fliplr":      cfg.Augmentation.FlipLR,
		"mosaic":      cfg.Augmentation.Mosaic,
		"mixup":       cfg.Augmentation.Mixup,
		"exist_ok":    true,
		"plots":       true,
	}
	if cfg.Batch > 0 {
		args["batch"] = cfg.Batch
	}
	if cfg.Workers > 0 {
		args["workers"] = cfg.Workers
	}
	if cfg.Device != "" {
		args["device"] = cfg.Device
	}
	return args
}

var validArgumentKeyRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidArgumentKey validates that an argument key only contains letters, digits, underscores
// and hyphens.
func IsValidArgumentKey(key string) bool {
	return key != "" && validArgumentKeyRegex.MatchString(key)
}

// ParseOverrides parses key=value arguments into a map. Values that look like numbers or booleans
// are converted so they decode into typed config fields.
func ParseOverrides(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, errors.Errorf("invalid argument format: %s (expected key=value)", arg)
		}
		if !IsValidArgumentKey(key) {
			return nil, errors.Errorf(
				"invalid argument key: %s (only alphanumeric characters, underscores, and hyphens are allowed)", key)
		}
		out[key] = parseScalar(value)
	}
	return out, nil
}

func parseScalar(value string) any {
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}

// SortedKeys returns the keys of an argument map in order, for stable logging.
func SortedKeys(args map[string]any) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
