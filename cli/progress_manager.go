package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/pterm/pterm"

	"github.com/nutriscan/nutriscan/pipeline"
)

type progressSpinner interface {
	Stop() error
	Success(...any)
	Fail(...any)
	UpdateText(string)
}

type progressSpinnerFactory func(w io.Writer, text string) (progressSpinner, error)

var defaultSpinnerFactory progressSpinnerFactory = func(w io.Writer, text string) (progressSpinner, error) {
	spinner, err := pterm.DefaultSpinner.
		WithWriter(w).
		WithRemoveWhenDone(false).
		WithText(text).
		Start()
	if err != nil {
		return nil, err
	}
	return spinner, nil
}

// StepStatus represents the state of a progress step.
type StepStatus int

const (
	// StepPending indicates a step has not yet started.
	StepPending StepStatus = iota
	// StepRunning indicates a step is currently in progress.
	StepRunning
	// StepCompleted indicates a step finished successfully.
	StepCompleted
	// StepFailed indicates a step encountered an error.
	StepFailed
)

// Step represents a single progress step.
type Step struct {
	ID           string
	Message      string
	Status       StepStatus
	CompletedMsg string // shown instead of Message on success
	FailedMsg    string // shown instead of "Message: err" on failure
	IndentLevel  int    // 0 = root, 1 = child (→), 2 = nested child
	startTime    time.Time
}

// ProgressManager renders a sequence of steps, one spinner at a time. It implements
// pipeline.Reporter.
type ProgressManager struct {
	steps          []*Step
	stepMap        map[string]*Step
	currentSpinner progressSpinner // active child spinner (IndentLevel > 0)
	spinnerFactory progressSpinnerFactory
	out            io.Writer
	success        pterm.PrefixPrinter
	failure        pterm.PrefixPrinter
	mu             sync.Mutex
	disabled       bool
}

var _ pipeline.Reporter = (*ProgressManager)(nil)

// ProgressManagerOption allows customizing ProgressManager behavior at creation time.
type ProgressManagerOption func(*ProgressManager)

// WithProgressOutput enables or disables terminal output for a ProgressManager.
func WithProgressOutput(enabled bool) ProgressManagerOption {
	return func(pm *ProgressManager) {
		pm.disabled = !enabled
	}
}

// WithProgressWriter sends output to w instead of stdout.
func WithProgressWriter(w io.Writer) ProgressManagerOption {
	return func(pm *ProgressManager) {
		pm.out = w
	}
}

func withProgressSpinnerFactory(factory progressSpinnerFactory) ProgressManagerOption {
	return func(pm *ProgressManager) {
		pm.spinnerFactory = factory
	}
}

var spinnerSequence = func() []string {
	base := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	out := make([]string, len(base))
	for i, char := range base {
		// leading space aligns the spinner with the ✓/✗ prefixes
		out[i] = " " + char
	}
	return out
}()

// NewProgressManager creates a new ProgressManager with all steps registered upfront.
func NewProgressManager(steps []*Step, opts ...ProgressManagerOption) *ProgressManager {
	pterm.DefaultSpinner.Sequence = spinnerSequence
	pterm.DefaultSpinner.Style = pterm.NewStyle(pterm.FgCyan)

	stepMap := make(map[string]*Step, len(steps))
	for _, step := range steps {
		stepMap[step.ID] = step
	}

	pm := &ProgressManager{
		steps:          steps,
		stepMap:        stepMap,
		spinnerFactory: defaultSpinnerFactory,
		out:            os.Stdout,
	}
	for _, opt := range opts {
		opt(pm)
	}
	if pm.out == nil {
		pm.out = io.Discard
	}
	pm.success = pterm.PrefixPrinter{
		Prefix:       pterm.Prefix{Text: "✓", Style: pterm.NewStyle(pterm.FgGreen)},
		MessageStyle: pterm.NewStyle(pterm.FgDefault),
		Writer:       pm.out,
	}
	pm.failure = pterm.PrefixPrinter{
		Prefix:       pterm.Prefix{Text: "✗", Style: pterm.NewStyle(pterm.FgRed)},
		MessageStyle: pterm.NewStyle(pterm.FgDefault),
		Writer:       pm.out,
	}
	return pm
}

// NewPipelineProgress lays out the pipeline steps under one root step titled title.
func NewPipelineProgress(rootID, title string, opts ...ProgressManagerOption) *ProgressManager {
	steps := []*Step{{ID: rootID, Message: title, IndentLevel: 0}}
	for _, id := range pipeline.Steps {
		steps = append(steps, &Step{ID: id, Message: pipeline.StepMessage(id), IndentLevel: 1})
	}
	return NewProgressManager(steps, opts...)
}

// getPrefix returns the formatted prefix for a step based on its indent level.
func getPrefix(step *Step) string {
	prefix := strings.Repeat("  ", step.IndentLevel)
	if step.IndentLevel > 0 {
		prefix += "→ "
	}
	return prefix
}

func (pm *ProgressManager) lookup(stepID string) (*Step, error) {
	step, exists := pm.stepMap[stepID]
	if !exists {
		return nil, errors.Errorf("step %q not found", stepID)
	}
	return step, nil
}

// Start begins animating the spinner for the given step ID.
func (pm *ProgressManager) Start(stepID string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	step, err := pm.lookup(stepID)
	if err != nil {
		return err
	}
	step.Status = StepRunning
	step.startTime = time.Now()

	if pm.disabled {
		return nil
	}

	if step.IndentLevel == 0 {
		_, err := fmt.Fprintf(pm.out, " …  %s\n", step.Message)
		return err
	}

	if pm.currentSpinner != nil {
		_ = pm.currentSpinner.Stop() //nolint:errcheck
	}

	// pterm adds a space after the spinner character, so children get one more here to line up
	// with the completed format.
	adjustedPrefix := strings.Repeat("  ", step.IndentLevel) + "  → "
	spinner, err := pm.spinnerFactory(pm.out, adjustedPrefix+step.Message)
	if err != nil {
		return errors.Wrap(err, "failed to start child spinner")
	}
	pm.currentSpinner = spinner
	return nil
}

func elapsedSince(step *Step) string {
	if step.startTime.IsZero() {
		return ""
	}
	return fmt.Sprintf(" (%s)", time.Since(step.startTime).Round(time.Second))
}

// Complete marks a step as completed with its CompletedMsg, or its Message.
func (pm *ProgressManager) Complete(stepID string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	step, err := pm.lookup(stepID)
	if err != nil {
		return err
	}
	msg := step.CompletedMsg
	if msg == "" {
		msg = step.Message
	}
	pm.completeLocked(step, msg)
	return nil
}

// CompleteWithMessage marks a step as completed with a custom message.
func (pm *ProgressManager) CompleteWithMessage(stepID, message string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	step, err := pm.lookup(stepID)
	if err != nil {
		return err
	}
	pm.completeLocked(step, message)
	return nil
}

func (pm *ProgressManager) completeLocked(step *Step, message string) {
	step.Status = StepCompleted
	if pm.disabled {
		return
	}
	line := message + elapsedSince(step)
	if step.IndentLevel > 0 {
		line = " " + getPrefix(step) + line
	}
	if pm.currentSpinner != nil && step.IndentLevel > 0 {
		pm.currentSpinner.Success(line)
		pm.currentSpinner = nil
		return
	}
	pm.success.Println(line)
}

// Fail marks a step as failed with an error message.
func (pm *ProgressManager) Fail(stepID string, err error) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	step, lookupErr := pm.lookup(stepID)
	if lookupErr != nil {
		return lookupErr
	}
	msg := step.FailedMsg
	if msg == "" {
		msg = fmt.Sprintf("%s: %v", step.Message, err)
	}
	pm.failWithMessageLocked(step, msg)
	return nil
}

// FailWithMessage marks a step as failed with a custom message.
func (pm *ProgressManager) FailWithMessage(stepID, message string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	step, err := pm.lookup(stepID)
	if err != nil {
		return err
	}
	pm.failWithMessageLocked(step, message)
	return nil
}

// failWithMessageLocked assumes the lock is held.
func (pm *ProgressManager) failWithMessageLocked(step *Step, message string) {
	step.Status = StepFailed
	if pm.disabled {
		return
	}
	line := message
	if step.IndentLevel > 0 {
		line = " " + getPrefix(step) + line
	}
	if pm.currentSpinner != nil && step.IndentLevel > 0 {
		pm.currentSpinner.Fail(line)
		pm.currentSpinner = nil
		return
	}
	pm.failure.Println(line)
}

// UpdateText updates the text of the currently active spinner.
func (pm *ProgressManager) UpdateText(text string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.disabled {
		return
	}
	if pm.currentSpinner != nil {
		pm.currentSpinner.UpdateText(text)
	}
}

// Stop stops any active spinner.
func (pm *ProgressManager) Stop() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.disabled {
		return
	}
	if pm.currentSpinner != nil {
		_ = pm.currentSpinner.Stop() //nolint:errcheck
		pm.currentSpinner = nil
	}
}
