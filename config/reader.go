package config

import (
	"bytes"
	"encoding/json"
	"net/url"
	"os"
	"strings"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables that override file values, as in
// NUTRISCAN_TRAINING_EPOCHS=50 or NUTRISCAN_SERVER_ADDRESS=:9000.
const EnvPrefix = "NUTRISCAN"

// Secret environment variables read when the file leaves the keys empty.
const (
	RoboflowAPIKeyEnv = "ROBOFLOW_API_KEY"
	GeminiAPIKeyEnv   = "GEMINI_API_KEY"
)

// Read reads a config from the given file. ${VAR} references in the file are expanded from the
// environment before parsing, and NUTRISCAN_* variables override individual keys. A missing
// DefaultFile is not an error; any other missing path is.
func Read(filePath string) (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	if filePath == "" {
		filePath = DefaultFile
	}

	buf, err := envsubst.ReadFile(filePath)
	switch {
	case err == nil:
		if err := v.ReadConfig(bytes.NewReader(buf)); err != nil {
			return nil, errors.Wrapf(err, "could not parse config %s", filePath)
		}
	case os.IsNotExist(err) && filePath == DefaultFile:
	case os.IsNotExist(err):
		return nil, errors.Errorf("config file %s does not exist", filePath)
	default:
		return nil, errors.Wrapf(err, "could not read config %s", filePath)
	}
	return fromViper(v)
}

// FromBytes reads a config from YAML content, with the same environment handling as Read.
func FromBytes(content []byte) (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	expanded, err := envsubst.Bytes(content)
	if err != nil {
		return nil, err
	}
	if err := v.ReadConfig(bytes.NewReader(expanded)); err != nil {
		return nil, errors.Wrap(err, "could not parse config")
	}
	return fromViper(v)
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default for AutomaticEnv to reach it during Unmarshal.
	defaults, err := defaultsMap()
	if err != nil {
		return nil, err
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v, nil
}

func defaultsMap() (map[string]any, error) {
	raw, err := json.Marshal(Default())
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	// omitempty fields are missing from the json form.
	for key, value := range map[string]any{
		"training.device":          "",
		"training.name":            "",
		"dataset.classes":          []string{},
		"roboflow.api_key":         "",
		"gemini.api_key":           "",
		"nutrition.redis_password": "",
		"session.mongo_uri":        "",
		"runtime.onnxruntime_lib":  "",
		"log.file":                 "",
	} {
		section, field, _ := strings.Cut(key, ".")
		if m, ok := out[section].(map[string]any); ok {
			m[field] = value
		}
	}
	return out, nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "could not decode config")
	}
	if cfg.Roboflow.APIKey == "" {
		cfg.Roboflow.APIKey = os.Getenv(RoboflowAPIKeyEnv)
	}
	if cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = os.Getenv(GeminiAPIKeyEnv)
	}
	cfg.applyDefaults()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func redactURI(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return redacted
	}
	if parsed.User != nil {
		if _, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(parsed.User.Username(), "xxxxx")
		}
	}
	return parsed.String()
}
