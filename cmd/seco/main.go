package main

import (
	"fmt"
	"log"
	"os"

	"github.com/guseggert/seco/config"
	"github.com/guseggert/seco/rendezvous"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "seco",
		Usage: "run a server and control it from other processes on the same machine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a config file. Defaults to the nearest " + config.FileName + " from the working directory up.",
			},
			&cli.StringFlag{
				Name:    "base-dir",
				Usage:   "The rendezvous directory holding instance sockets.",
				EnvVars: []string{"SECO_BASE_DIR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				EnvVars: []string{"SECO_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			newStartCommand(),
			newControlCommand(),
			newListCommand(),
			newInfoCommand(),
		},
	}
}

// env is what every command needs: the resolved settings, a logger and the rendezvous directory.
type env struct {
	cfg    config.Config
	logger *zap.Logger
	dir    *rendezvous.Directory
}

func loadEnv(c *cli.Context) (*env, error) {
	var (
		cfg config.Config
		err error
	)
	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		wd, wdErr := os.Getwd()
		if wdErr != nil {
			return nil, fmt.Errorf("getting working directory: %w", wdErr)
		}
		cfg, _, err = config.Discover(wd)
	}
	if err != nil {
		return nil, err
	}

	if c.IsSet("base-dir") {
		cfg.BaseDir = c.String("base-dir")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	zapCfg := zap.NewDevelopmentConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	return &env{
		cfg:    cfg,
		logger: logger,
		dir:    &rendezvous.Directory{Base: cfg.BaseDir, Log: logger.Named("rendezvous").Sugar()},
	}, nil
}
