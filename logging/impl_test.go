package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"go.viam.com/test"
)

type basicStruct struct {
	X int
	y string
}

// assertLogMatches fuzzy matches a console log line: it checks the time layout length, the level,
// the caller's file (but not its line number), the message, and the structured fields.
func assertLogMatches(t *testing.T, actual *bytes.Buffer, expected string) {
	t.Helper()

	output, err := actual.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)

	actualParts := strings.Split(strings.TrimSuffix(output, "\n"), "\t")
	expectedParts := strings.Split(expected, "\t")
	test.That(t, len(actualParts), test.ShouldEqual, len(expectedParts))
	test.That(t, len(actualParts[0]), test.ShouldEqual, len(expectedParts[0]))
	test.That(t, actualParts[1], test.ShouldEqual, expectedParts[1])

	actualFilename, actualLine, found := strings.Cut(actualParts[2], ":")
	test.That(t, found, test.ShouldBeTrue)
	expectedFilename, _, _ := strings.Cut(expectedParts[2], ":")
	test.That(t, actualFilename, test.ShouldEqual, expectedFilename)
	_, err = strconv.Atoi(actualLine)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, actualParts[3], test.ShouldEqual, expectedParts[3])
	if len(actualParts) == 4 {
		return
	}

	expectedMap := make(map[string]any)
	test.That(t, json.Unmarshal([]byte(expectedParts[4]), &expectedMap), test.ShouldBeNil)
	actualMap := make(map[string]any)
	test.That(t, json.Unmarshal([]byte(actualParts[4]), &actualMap), test.ShouldBeNil)
	test.That(t, actualMap, test.ShouldResemble, expectedMap)
}

func TestConsoleOutputFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := newImpl("", DEBUG, false, NewWriterAppender(buf))

	logger.Info("impl Info log")
	assertLogMatches(t, buf,
		`2023-10-30T09:12:09.459-0400	INFO	logging/impl_test.go:56	impl Info log`)

	logger.Infof("impl %s log", "infof")
	assertLogMatches(t, buf,
		`2023-10-30T09:45:20.764-0400	INFO	logging/impl_test.go:60	impl infof log`)

	logger.Infow("impl logw", "key", "value")
	assertLogMatches(t, buf,
		`2023-10-30T13:19:45.806-0400	INFO	logging/impl_test.go:64	impl logw	{"key":"value"}`)

	logger.Warnw("struct", "basic", basicStruct{1, "hidden"})
	assertLogMatches(t, buf,
		`2023-10-30T13:19:45.806-0400	WARN	logging/impl_test.go:68	struct	{"basic":{"X":1}}`)

	logger.Errorw("unpaired", "dangling")
	assertLogMatches(t, buf,
		`2023-10-30T13:19:45.806-0400	ERROR	logging/impl_test.go:72	unpaired	{"dangling":"unpaired log key"}`)
}

func TestLevels(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := newImpl("", WARN, false, NewWriterAppender(buf))

	logger.Debug("dropped")
	logger.Info("dropped")
	test.That(t, buf.Len(), test.ShouldEqual, 0)

	logger.Warn("kept")
	assertLogMatches(t, buf,
		`2023-10-30T09:12:09.459-0400	WARN	logging/impl_test.go:85	kept`)

	logger.SetLevel(DEBUG)
	test.That(t, logger.GetLevel(), test.ShouldEqual, DEBUG)
	logger.Debugf("now %d", 1)
	assertLogMatches(t, buf,
		`2023-10-30T09:12:09.459-0400	DEBUG	logging/impl_test.go:91	now 1`)
}

func TestContextDebugMode(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := newImpl("", INFO, false, NewWriterAppender(buf))

	logger.CDebug(context.Background(), "dropped")
	test.That(t, buf.Len(), test.ShouldEqual, 0)

	ctx := EnableDebugMode(context.Background(), "")
	test.That(t, IsDebugMode(ctx), test.ShouldBeTrue)
	test.That(t, GetName(ctx), test.ShouldNotBeEmpty)
	logger.CDebugw(ctx, "kept", "run", "abc")
	assertLogMatches(t, buf,
		`2023-10-30T09:12:09.459-0400	DEBUG	logging/impl_test.go:106	kept	{"run":"abc"}`)
}

func TestSubloggerNames(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)
	sub := logger.Sublogger("nutrition").Sublogger("gemini")
	test.That(t, sub.Name(), test.ShouldEqual, "nutrition.gemini")

	sub.Infow("called", "food", "satay")
	entries := observed.FilterMessage("called").All()
	test.That(t, entries, test.ShouldHaveLength, 1)
	test.That(t, entries[0].LoggerName, test.ShouldEqual, "nutrition.gemini")
	test.That(t, entries[0].ContextMap()["food"], test.ShouldEqual, "satay")
}

func TestFileAppender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "nutriscan.log")
	appender := NewFileAppender(FileConfig{Path: path, MaxSizeMB: 1})
	logger := newImpl("file", INFO, true, appender)

	logger.Infow("written", "epochs", 3)
	test.That(t, appender.Close(), test.ShouldBeNil)

	//nolint:gosec
	contents, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	line := make(map[string]any)
	test.That(t, json.Unmarshal(bytes.TrimSpace(contents), &line), test.ShouldBeNil)
	test.That(t, line["msg"], test.ShouldEqual, "written")
	test.That(t, line["level"], test.ShouldEqual, "info")
	test.That(t, line["logger"], test.ShouldEqual, "file")
	test.That(t, line["epochs"], test.ShouldEqual, 3.0)
}

func TestLevelFromString(t *testing.T) {
	for _, tc := range []struct {
		in  string
		out Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"Error", ERROR},
	} {
		level, err := LevelFromString(tc.in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, level, test.ShouldEqual, tc.out)
	}

	_, err := LevelFromString("verbose")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown log level")

	var level Level
	test.That(t, json.Unmarshal([]byte(`"warn"`), &level), test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, WARN)
}
