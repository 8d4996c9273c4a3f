package cli

import (
	"github.com/urfave/cli/v2"

	"github.com/nutriscan/nutriscan/internal"
	"github.com/nutriscan/nutriscan/web"
)

// ServeAction is the corresponding action for 'serve'.
func ServeAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if addr := c.String(serveFlagAddress); addr != "" {
		cfg.Server.Address = addr
	}
	logger, closeLogs := newLogger(c, cfg)
	defer closeLogs()

	ctx, stop := interruptible(c)
	defer stop()

	svcs, err := internal.NewServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svcs.Close(); err != nil {
			logger.Warnw("failed to close services", "error", err)
		}
	}()

	server, err := web.New(web.Options{
		Config:    cfg,
		Store:     svcs.Store,
		Nutrition: svcs.Nutrition,
	}, logger.Sublogger("web"))
	if err != nil {
		return err
	}
	infof(c.App.ErrWriter, "serving on http://%s, press Ctrl-C to stop", cfg.Server.Address)
	return server.Serve(ctx)
}
