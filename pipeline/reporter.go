package pipeline

import (
	"github.com/nutriscan/nutriscan/logging"
)

// Reporter is told about step transitions. The CLI progress display implements it.
type Reporter interface {
	Start(step string) error
	CompleteWithMessage(step, message string) error
	Fail(step string, err error) error
}

// LogReporter reports steps to a logger; servers use it where there is no terminal.
type LogReporter struct {
	Logger logging.Logger
}

// Start implements Reporter.
func (r LogReporter) Start(step string) error {
	r.Logger.Infow("step started", "step", step)
	return nil
}

// CompleteWithMessage implements Reporter.
func (r LogReporter) CompleteWithMessage(step, message string) error {
	r.Logger.Infow("step completed", "step", step, "result", message)
	return nil
}

// Fail implements Reporter.
func (r LogReporter) Fail(step string, err error) error {
	r.Logger.Warnw("step failed", "step", step, "error", err)
	return nil
}

type nopReporter struct{}

func (nopReporter) Start(string) error                       { return nil }
func (nopReporter) CompleteWithMessage(string, string) error { return nil }
func (nopReporter) Fail(string, error) error                 { return nil }
