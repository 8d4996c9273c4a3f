package dataset

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// requiredSplits must exist for training to start.
var requiredSplits = []string{"train", "valid"}

// Issue is one problem found in a dataset.
type Issue struct {
	Path    string `json:"path"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", i.Path, i.Line, i.Message)
	}
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// ValidationReport lists the problems of a dataset. It is valid when there are none.
type ValidationReport struct {
	DataConfig    string  `json:"data_config"`
	ImagesChecked int     `json:"images_checked"`
	Issues        []Issue `json:"issues"`
}

// Valid reports whether no issues were found.
func (r *ValidationReport) Valid() bool {
	return len(r.Issues) == 0
}

// Err summarizes the issues as an error, nil when valid.
func (r *ValidationReport) Err() error {
	if r.Valid() {
		return nil
	}
	return errors.Errorf("dataset has %d issues, first: %s", len(r.Issues), r.Issues[0])
}

func (r *ValidationReport) add(path string, line int, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Path: path, Line: line, Message: fmt.Sprintf(format, args...)})
}

// Validate checks a dataset before training: data.yaml is present and consistent, the train and
// valid splits exist, every image has a label file, and every label line is
// "class cx cy w h" with a known class and coordinates in [0, 1].
func Validate(dir string) *ValidationReport {
	report := &ValidationReport{Issues: []Issue{}}
	configPath, err := FindDataConfig(dir)
	if err != nil {
		report.add(dir, 0, "%v", err)
		return report
	}
	report.DataConfig = configPath
	cfg, err := ReadDataConfig(configPath)
	if err != nil {
		report.add(configPath, 0, "%v", err)
		return report
	}

	for _, split := range Splits {
		imagesDir := cfg.SplitImages(configPath, split)
		if imagesDir == "" || !dirExists(imagesDir) {
			if isRequiredSplit(split) {
				report.add(configPath, 0, "%s split directory %q does not exist", split, imagesDir)
			}
			continue
		}
		images, err := listImages(imagesDir)
		if err != nil {
			report.add(imagesDir, 0, "%v", err)
			continue
		}
		if len(images) == 0 && isRequiredSplit(split) {
			report.add(imagesDir, 0, "%s split has no images", split)
		}
		labelsDir := labelsDirFor(imagesDir)
		for _, img := range images {
			report.ImagesChecked++
			validateLabelFile(report, labelPathFor(labelsDir, img), cfg.NC)
		}
	}
	return report
}

func isRequiredSplit(split string) bool {
	for _, s := range requiredSplits {
		if s == split {
			return true
		}
	}
	return false
}

func validateLabelFile(report *ValidationReport, path string, nc int) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			report.add(path, 0, "label file does not exist")
		} else {
			report.add(path, 0, "%v", err)
		}
		return
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 5 {
			report.add(path, lineNo, "expected 5 fields, got %d", len(fields))
			continue
		}
		class, err := strconv.Atoi(fields[0])
		if err != nil || class < 0 || class >= nc {
			report.add(path, lineNo, "class %q is not in [0, %d)", fields[0], nc)
		}
		for _, field := range fields[1:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil || v < 0 || v > 1 {
				report.add(path, lineNo, "coordinate %q is not in [0, 1]", field)
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		report.add(path, 0, "%v", err)
	}
}
