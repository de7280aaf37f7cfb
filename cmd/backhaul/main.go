package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/free5gc/go-backhaul/internal/logger"
	"github.com/free5gc/go-backhaul/pkg/factory"
)

func main() {
	app := cli.NewApp()
	app.Name = "backhaul"
	app.Usage = "SDN ring backhaul controller"
	app.Action = action
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "Load configuration from `FILE`",
			Value: factory.BackhaulDefaultConfigPath,
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "Override the configured log level",
		},
		cli.BoolFlag{
			Name:  "dry-run",
			Usage: "Program an in-memory ring instead of the configured switches, print the result and exit",
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.MainLog.Errorf("Backhaul Cli Run Error: %+v", err)
		os.Exit(1)
	}
}

func action(c *cli.Context) error {
	cfg, err := factory.ReadConfig(c.String("config"))
	if err != nil {
		return err
	}
	initLogger(cfg.Logger, c.String("log-level"))
	logger.MainLog.Infof("Backhaul config version [%s]", cfg.GetVersion())

	dryRun := c.Bool("dry-run")
	if dryRun {
		cfg.Forwarder.Driver = factory.DriverMemory
	}
	if logger.MainLog.Logger.IsLevelEnabled(logrus.DebugLevel) {
		cfg.Print()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	bh, err := start(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := bh.driver.Close(); err != nil {
			logger.MainLog.Errorf("close forwarder: %+v", err)
		}
	}()
	bh.summary()

	if cfg.Forwarder.Driver == factory.DriverMemory {
		return nil
	}
	// Stay master of the switches until told to stop.
	logger.MainLog.Infof("backhaul up, waiting for signal")
	sig := <-sigCh
	logger.MainLog.Infof("received %s, shutting down", sig)
	return nil
}

func initLogger(cfg *factory.Logger, override string) {
	if !cfg.Enable {
		logger.SetLogLevel(logrus.PanicLevel)
		return
	}
	level := cfg.Level
	if override != "" {
		level = override
	}
	logger.ParseAndSetLevel(level)
	logger.SetReportCaller(cfg.ReportCaller)
}
