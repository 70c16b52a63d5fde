package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/swapd/internal/config"
	"github.com/urfave/cli/v2"
)

var (
	datadirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "directory where the daemon stores its state",
	}
	logLevelFlag = &cli.IntFlag{
		Name:  "loglevel",
		Usage: "logging level, from 0 (panic) to 6 (trace)",
	}
	dbTypeFlag = &cli.StringFlag{
		Name:  "dbtype",
		Usage: "storage backend, one of badger, inmemory or postgres",
	}
)

func main() {
	app := cli.NewApp()

	app.Version = "0.1.0"
	app.Name = "swapd"
	app.Usage = "Swap coordination daemon for peer to peer atomic swaps"
	app.Flags = []cli.Flag{datadirFlag, logLevelFlag, dbTypeFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	overrides := make(map[string]interface{})
	if c.IsSet(datadirFlag.Name) {
		overrides[config.DatadirKey] = c.String(datadirFlag.Name)
	}
	if c.IsSet(logLevelFlag.Name) {
		overrides[config.LogLevelKey] = c.Int(logLevelFlag.Name)
	}
	if c.IsSet(dbTypeFlag.Name) {
		overrides[config.DBTypeKey] = c.String(dbTypeFlag.Name)
	}

	if err := config.InitConfig(overrides); err != nil {
		return err
	}
	log.SetLevel(log.Level(config.GetInt(config.LogLevelKey)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := newDaemon(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize daemon: %w", err)
	}
	defer d.stop()

	if err := d.start(ctx); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	log.Info("swapd started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	log.Info("shutting down daemon")
	return nil
}
