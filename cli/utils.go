package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/nutriscan/nutriscan/config"
	"github.com/nutriscan/nutriscan/logging"
)

// printf prints a message with no prefix.
func printf(w io.Writer, format string, a ...any) {
	//nolint:errcheck
	fmt.Fprintf(w, format+"\n", a...)
}

// infof prints a message with an "Info: " prefix.
func infof(w io.Writer, format string, a ...any) {
	//nolint:errcheck
	fmt.Fprint(w, pterm.Bold.Sprint(pterm.FgCyan.Sprint("Info: ")))
	printf(w, format, a...)
}

// warningf prints a message with a "Warning: " prefix.
func warningf(w io.Writer, format string, a ...any) {
	//nolint:errcheck
	fmt.Fprint(w, pterm.Bold.Sprint(pterm.FgYellow.Sprint("Warning: ")))
	printf(w, format, a...)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderTable writes a table with the given header and rows.
func renderTable(w io.Writer, header table.Row, rows []table.Row) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	t.AppendRows(rows)
	t.Render()
}

// loadConfig reads the file named by --config with the global flags applied on top.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Read(c.String(generalFlagConfig))
	if err != nil {
		return nil, err
	}
	if c.Bool(generalFlagDebug) {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// newLogger builds the command logger. Console output goes to the app's error writer so stdout
// stays clean for command output.
func newLogger(c *cli.Context, cfg *config.Config) (logging.Logger, func()) {
	errOut := c.App.ErrWriter
	if errOut == nil {
		errOut = os.Stderr
	}
	logger, closeLogs := cfg.NewLogger("nutriscan", errOut)
	return logger, func() {
		//nolint:errcheck
		closeLogs()
	}
}

// interruptible cancels the returned context on SIGINT or SIGTERM.
func interruptible(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}
