// Command gibbons is the operator CLI for the gibbons authorization engine.
//
// Usage:
//
//	gibbons init --uri=<db-uri> [--config=<path>]
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/gibbonhq/gibbons/config"
	"github.com/gibbonhq/gibbons/log"
	"github.com/gibbonhq/gibbons/seed"
	"github.com/gibbonhq/gibbons/store"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var logger = log.Default().Module("cmd")

func main() {
	os.Exit(run(os.Args))
}

// run is the actual entry point, returning an exit code. Takes the full
// argv (including argv[0]) since that is what cli.App.Run expects, mirroring
// cmd/eth2030/main.go's run(args) int pattern: logic lives in a testable
// function, main only calls os.Exit.
func run(args []string) int {
	app := &cli.App{
		Name:  "gibbons",
		Usage: "operate a gibbons authorization engine database",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-format", Value: "json", Usage: "log rendering: json, text, or color"},
		},
		Before: func(c *cli.Context) error {
			log.SetDefault(log.NewWithFormat(slog.LevelInfo, c.String("log-format")))
			logger = log.Default().Module("cmd")
			return nil
		},
		Commands: []*cli.Command{
			initCommand(),
		},
	}
	if err := app.Run(args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "seed the group and permission universes, idempotently",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "uri", Usage: "MongoDB connection URI", Required: true},
			&cli.StringFlag{Name: "config", Usage: "path to gibbons.toml (default: search order)"},
		},
		Action: runInit,
	}
}

func runInit(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	ctx := c.Context
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.String("uri")))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			logger.Warn("disconnect failed", "error", err)
		}
	}()

	db := store.NewMongoDatabase(client.Database(cfg.DBName),
		cfg.GroupCollectionName(), cfg.PermissionCollectionName(), cfg.UserCollectionName())

	sizes := seed.Sizes{
		PermissionByteLength: cfg.PermissionByteLength,
		GroupByteLength:      cfg.GroupByteLength,
	}
	if err := seed.Initialize(ctx, db, sizes); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	logger.Info("gibbons init complete", "db", cfg.DBName)
	return nil
}
