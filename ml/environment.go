package ml

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"

	"github.com/nutriscan/nutriscan/logging"
)

// Runner runs an external program. ExecRunner is the real one; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct {
	Dir string
	Env []string
}

// Run starts the program and waits for it. The process is killed when ctx is cancelled.
func (r ExecRunner) Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error {
	//nolint:gosec
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return errors.Wrapf(ctx.Err(), "%s interrupted", name)
		}
		return errors.Wrapf(err, "%s %s failed", name, strings.Join(args, " "))
	}
	return nil
}

// Environment describes the python side of the training library.
type Environment struct {
	Python             string `json:"python"`
	PythonVersion      string `json:"python_version"`
	UltralyticsVersion string `json:"ultralytics_version"`
	CUDA               bool   `json:"cuda"`
}

// Device is "0" (first GPU) when CUDA is available, otherwise "cpu".
func (env Environment) Device() string {
	if env.CUDA {
		return "0"
	}
	return "cpu"
}

// DefaultBatch is 16 on a GPU and 8 on CPU.
func (env Environment) DefaultBatch() int {
	if env.CUDA {
		return 16
	}
	return 8
}

// DefaultWorkers is 4 on a GPU and 2 on CPU.
func (env Environment) DefaultWorkers() int {
	if env.CUDA {
		return 4
	}
	return 2
}

// EnvironmentOptions control CheckEnvironment.
type EnvironmentOptions struct {
	Python string
	// Install runs pip to install the training library when it is missing.
	Install bool
	// Package is the pip requirement installed when Install is set.
	Package string
}

const environmentCheckTimeout = 30 * time.Second

// CheckEnvironment verifies that python and the training library are usable, installing the
// library when allowed, and detects CUDA.
func CheckEnvironment(ctx context.Context, runner Runner, opts EnvironmentOptions, logger logging.Logger) (Environment, error) {
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if opts.Package == "" {
		opts.Package = "ultralytics"
	}
	env := Environment{Python: opts.Python}

	version, err := capture(ctx, runner, opts.Python, "--version")
	if err != nil {
		return env, errors.Wrapf(err, "%s is not available. Please install Python 3.8+ and ensure it is on PATH", opts.Python)
	}
	env.PythonVersion = strings.TrimPrefix(version, "Python ")

	importCheck := []string{"-c", "import ultralytics; print(ultralytics.__version__)"}
	ulVersion, err := capture(ctx, runner, opts.Python, importCheck...)
	if err != nil {
		if !opts.Install {
			return env, errors.Wrap(err, "ultralytics is not installed; rerun with installation enabled or pip install ultralytics")
		}
		logger.Infow("installing training library", "package", opts.Package)
		var stderr bytes.Buffer
		pipArgs := []string{"-m", "pip", "install", "--quiet", opts.Package}
		if err := runner.Run(ctx, opts.Python, pipArgs, io.Discard, &stderr); err != nil {
			return env, errors.Wrapf(err, "failed to install %s: %s", opts.Package, strings.TrimSpace(stderr.String()))
		}
		if ulVersion, err = capture(ctx, runner, opts.Python, importCheck...); err != nil {
			return env, errors.Wrap(err, "ultralytics still not importable after install")
		}
	}
	env.UltralyticsVersion = ulVersion
	if err := checkLibraryVersion(ulVersion, logger); err != nil {
		return env, err
	}

	cuda, err := capture(ctx, runner, opts.Python, "-c", "import torch; print(torch.cuda.is_available())")
	if err != nil {
		logger.Warnw("could not query CUDA, training on cpu", "error", err)
	}
	env.CUDA = strings.EqualFold(cuda, "true")

	logger.Infow("training environment ready",
		"python", env.PythonVersion, "ultralytics", env.UltralyticsVersion, "device", env.Device())
	return env, nil
}

func capture(ctx context.Context, runner Runner, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, environmentCheckTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	if err := runner.Run(ctx, name, args, &stdout, &stderr); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", errors.Wrap(err, msg)
		}
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}

// minLibraryVersion is the first training library release with the YOLOv8 API the driver uses.
var minLibraryVersion = semver.MustParse("8.0.0")

// checkLibraryVersion rejects training library releases older than minLibraryVersion.
// Unparseable versions, e.g. from source checkouts, are let through.
func checkLibraryVersion(version string, logger logging.Logger) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		logger.Warnw("could not parse training library version", "version", version, "error", err)
		return nil
	}
	if v.LessThan(minLibraryVersion) {
		return errors.Errorf("ultralytics %s is too old, %s or newer is required", v, minLibraryVersion)
	}
	return nil
}
