package logging

import (
	"regexp"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Registry tracks named subloggers so their levels can be changed by pattern after creation.
type Registry struct {
	mu        sync.RWMutex
	loggers   map[string]Logger
	logConfig []LoggerPatternConfig
}

var globalRegistry = newRegistry()

func newRegistry() *Registry {
	return &Registry{
		loggers: make(map[string]Logger),
	}
}

func (lr *Registry) loggerNamed(name string) (Logger, bool) {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	logger, ok := lr.loggers[name]
	return logger, ok
}

// levelForLocked returns the level of the last pattern matching name. Callers hold lr.mu.
func (lr *Registry) levelForLocked(name string) (Level, bool, error) {
	var (
		found bool
		level Level
	)
	for _, lpc := range lr.logConfig {
		r, err := regexp.Compile(buildRegexFromPattern(lpc.Pattern))
		if err != nil {
			return level, false, err
		}
		if !r.MatchString(name) {
			continue
		}
		level, err = LevelFromString(lpc.Level)
		if err != nil {
			return level, false, err
		}
		found = true
	}
	return level, found, nil
}

// getOrRegister returns the logger already registered under name, or registers the input logger
// and applies the configured patterns to it. Concurrent callers registering the same name all get
// the winner's logger back.
func (lr *Registry) getOrRegister(name string, logger Logger) Logger {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if existing, ok := lr.loggers[name]; ok {
		return existing
	}

	lr.loggers[name] = logger
	if level, ok, err := lr.levelForLocked(name); err == nil && ok {
		logger.SetLevel(level)
	}
	return logger
}

// UpdateConfig validates the patterns and applies them to every registered logger. Loggers not
// matched by any pattern go back to INFO.
func (lr *Registry) UpdateConfig(logConfig []LoggerPatternConfig) error {
	for _, lpc := range logConfig {
		if !validatePattern(lpc.Pattern) {
			return errors.Errorf("invalid logger pattern %q", lpc.Pattern)
		}
		if _, err := LevelFromString(lpc.Level); err != nil {
			return errors.Wrapf(err, "logger pattern %q", lpc.Pattern)
		}
	}

	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.logConfig = logConfig
	for name, logger := range lr.loggers {
		level, ok, err := lr.levelForLocked(name)
		if err != nil {
			return err
		}
		if !ok {
			level = INFO
		}
		logger.SetLevel(level)
	}
	return nil
}

// Names returns the sorted names of all registered loggers.
func (lr *Registry) Names() []string {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	names := make([]string, 0, len(lr.loggers))
	for name := range lr.loggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UpdateLoggerLevels applies patterns to the process-wide registry.
func UpdateLoggerLevels(logConfig []LoggerPatternConfig) error {
	return globalRegistry.UpdateConfig(logConfig)
}
