package cli

import (
	"sort"

	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"github.com/nutriscan/nutriscan/config"
)

// ConfigSchemaAction is the corresponding action for 'config schema'.
func ConfigSchemaAction(c *cli.Context) error {
	raw, err := config.SchemaJSON()
	if err != nil {
		return err
	}
	printf(c.App.Writer, "%s", raw)
	return nil
}

// ConfigShowAction is the corresponding action for 'config show'.
func ConfigShowAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	secrets := cfg.SecretStatus()
	missing := lo.OmitBy(secrets, func(_ string, set bool) bool { return set })
	keys := lo.Keys(missing)
	sort.Strings(keys)
	for _, key := range keys {
		warningf(c.App.ErrWriter, "%s is not set", key)
	}
	return printJSON(c.App.Writer, cfg.Redacted())
}
