package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/nutriscan/nutriscan/config"
	"github.com/nutriscan/nutriscan/internal"
	"github.com/nutriscan/nutriscan/session"
)

func formatMetric(v float64) string {
	return fmt.Sprintf("%.3f", v)
}

// withStore opens the configured session store for the duration of fn.
func withStore(c *cli.Context, fn func(store session.Store) error) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := internal.OpenStore(c.Context, cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, store.Close())
	}()
	return fn(store)
}

func sessionID(c *cli.Context) (string, error) {
	if c.Args().Len() != 1 {
		return "", errors.New("expected exactly one session id")
	}
	return c.Args().First(), nil
}

func renderSessions(w io.Writer, records []session.Record) {
	rows := make([]table.Row, 0, len(records))
	for _, rec := range records {
		mAP := ""
		if m := rec.ValidationResults; m != nil {
			mAP = formatMetric(m.MAP50)
		} else if m := rec.Metrics; m != nil {
			mAP = formatMetric(m.MAP50)
		}
		rows = append(rows, table.Row{
			rec.ID, rec.Status, rec.ModelConfig.Model, rec.ModelConfig.Epochs, rec.DatasetID, mAP,
			rec.CreatedAt.Local().Format(time.DateTime),
		})
	}
	renderTable(w, table.Row{"ID", "Status", "Model", "Epochs", "Dataset", "mAP50", "Created"}, rows)
}

// SessionsListAction is the corresponding action for 'sessions list'.
func SessionsListAction(c *cli.Context) error {
	return withStore(c, func(store session.Store) error {
		records, err := store.List(c.Context)
		if err != nil {
			return err
		}
		if c.Bool(generalFlagJSON) {
			return printJSON(c.App.Writer, records)
		}
		if len(records) == 0 {
			printf(c.App.Writer, "No training sessions")
			return nil
		}
		renderSessions(c.App.Writer, records)
		return nil
	})
}

// SessionsGetAction is the corresponding action for 'sessions get'.
func SessionsGetAction(c *cli.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	return withStore(c, func(store session.Store) error {
		rec, err := store.Get(c.Context, id)
		if err != nil {
			return err
		}
		return printJSON(c.App.Writer, rec)
	})
}

// SessionsDeleteAction is the corresponding action for 'sessions delete'.
func SessionsDeleteAction(c *cli.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	return withStore(c, func(store session.Store) error {
		if err := store.Delete(c.Context, id); err != nil {
			return err
		}
		printf(c.App.Writer, "Deleted session %s", id)
		return nil
	})
}

// SessionsSummaryAction is the corresponding action for 'sessions summary'.
func SessionsSummaryAction(c *cli.Context) error {
	return withStore(c, func(store session.Store) error {
		records, err := store.List(c.Context)
		if err != nil {
			return err
		}
		sum := session.Summarize(records)
		rows := []table.Row{{"Total", sum.Total}}
		for _, status := range session.Statuses {
			rows = append(rows, table.Row{string(status), sum.ByStatus[status]})
		}
		if sum.BestSessionID != "" {
			rows = append(rows,
				table.Row{"Best session", sum.BestSessionID},
				table.Row{"Best mAP50", formatMetric(sum.BestMAP50)},
				table.Row{"Mean mAP50", formatMetric(sum.MeanMAP50)},
				table.Row{"Mean mAP50-95", formatMetric(sum.MeanMAP50to95)},
				table.Row{"Median precision", formatMetric(sum.MedianPrecision)},
			)
		}
		renderTable(c.App.Writer, table.Row{"Sessions", ""}, rows)
		return nil
	})
}

// SessionsWatchAction is the corresponding action for 'sessions watch'.
func SessionsWatchAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Session.Backend != config.BackendFile {
		return errors.Errorf("sessions watch needs the %s session backend, configured %s",
			config.BackendFile, cfg.Session.Backend)
	}
	logger, closeLogs := newLogger(c, cfg)
	defer closeLogs()

	store, err := session.NewFileStore(cfg.Session.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := interruptible(c)
	defer stop()

	show := func() {
		records, err := store.List(ctx)
		if err != nil {
			warningf(c.App.ErrWriter, "could not read sessions: %v", err)
			return
		}
		sort.SliceStable(records, func(i, j int) bool { return records[i].UpdatedAt.After(records[j].UpdatedAt) })
		printf(c.App.Writer, "%s", time.Now().Format(time.DateTime))
		renderSessions(c.App.Writer, records)
	}
	show()
	infof(c.App.ErrWriter, "watching %s, press Ctrl-C to stop", cfg.Session.Path)
	return session.Watch(ctx, cfg.Session.Path, logger, show)
}
