package commands

import (
	"context"
	"errors"
	"fmt"
	"meshnode/config"
	"os"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// SetLevel applies the log level chosen on the command line to the commands logger.
func SetLevel(level logrus.Level) {
	log.SetLevel(level)
}

// RunInit writes a config file with default settings. An existing file is never overwritten.
func RunInit(ctx context.Context, cfg *config.Config) error {
	log.Infof("RunInit(): writing default config to %s", cfg.File())

	if _, err := os.Stat(cfg.File()); err == nil {
		return fmt.Errorf("config file %s already exists", cfg.File())
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	return cfg.Save()
}
