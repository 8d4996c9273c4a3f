package config

import (
	"encoding/json"
	"io"

	"github.com/invopop/jsonschema"

	"github.com/nutriscan/nutriscan/logging"
)

// Schema returns the JSON schema of the config file.
func Schema() *jsonschema.Schema {
	return jsonschema.Reflect(&Config{})
}

// SchemaJSON renders Schema as indented JSON.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}

// NewLogger builds the process logger: console output to the given writer (stdout when nil) at
// the configured level plus, when log.file is set, a rotating file. The returned close func
// flushes and closes the file.
func (c *Config) NewLogger(name string, console io.Writer) (logging.Logger, func() error) {
	var logger logging.Logger
	if console == nil {
		logger = logging.NewLogger(name)
	} else {
		logger = logging.NewBlankLogger(name)
		logger.AddAppender(logging.NewWriterAppender(console))
	}
	logger.SetLevel(c.LogLevel())
	if len(c.Log.Loggers) > 0 {
		if err := logging.UpdateLoggerLevels(c.Log.Loggers); err != nil {
			logger.Warnw("ignoring logger level overrides", "error", err)
		}
	}
	if c.Log.File == "" {
		return logger, logger.Sync
	}
	file := logging.NewFileAppender(logging.FileConfig{
		Path:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		Compress:   c.Log.Compress,
	})
	logger.AddAppender(file)
	return logger, func() error {
		if err := logger.Sync(); err != nil {
			return err
		}
		return file.Close()
	}
}
