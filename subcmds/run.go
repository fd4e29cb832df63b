// Copyright (c) 2025 NSVK

// Package subcmds implements the command-line subcommands.
package subcmds

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nightlyone/lockfile"
	"github.com/nsvk/backpackbot/queue"
	"github.com/nsvk/backpackbot/runner"
	"github.com/nsvk/backpackbot/subcmds/cmdutil"
	"github.com/nsvk/backpackbot/telegram"
	"github.com/nsvk/backpackbot/trader"
	"github.com/visvasity/cli"
	"github.com/visvasity/sglog"
)

type Run struct {
	cmdutil.DataFlags

	mode       string
	configPath string
	logDir     string
}

func (c *Run) Command() (string, *flag.FlagSet, cli.CmdFunc) {
	fset := new(flag.FlagSet)
	c.DataFlags.SetFlags(fset)
	fset.StringVar(&c.mode, "mode", "trade", "one of trade, pairs, sell-all or stats")
	fset.StringVar(&c.configPath, "config-file", "", "path to the trading config file")
	fset.StringVar(&c.logDir, "log-dir", "", "path to the log files directory")
	return "run", fset, cli.CmdFunc(c.run)
}

func (c *Run) Purpose() string {
	return "Works through the queued accounts in the selected mode"
}

func (c *Run) run(ctx context.Context, args []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode, err := runner.ParseMode(c.mode)
	if err != nil {
		return err
	}

	dataDir, err := c.DataDir()
	if err != nil {
		return err
	}

	if len(c.logDir) == 0 {
		c.logDir = filepath.Join(dataDir, "logs")
	}
	if err := os.MkdirAll(c.logDir, 0700); err != nil {
		return fmt.Errorf("could not create log directory %q: %w", c.logDir, err)
	}
	backend := sglog.NewBackend(&sglog.Options{LogDirs: []string{c.logDir}})
	slog.SetDefault(slog.New(backend.Handler()))

	lockPath := filepath.Join(dataDir, "backpackbot.lock")
	flock, err := lockfile.New(lockPath)
	if err != nil {
		return fmt.Errorf("could not create lock file %q: %w", lockPath, err)
	}
	if err := flock.TryLock(); err != nil {
		return fmt.Errorf("could not get lock on file %q: %w", lockPath, err)
	}
	defer flock.Unlock()

	if len(c.configPath) == 0 {
		c.configPath = filepath.Join(dataDir, "config.json")
	}
	cfg, err := trader.LoadConfig(c.configPath)
	if err != nil {
		return fmt.Errorf("could not load config file %q: %w", c.configPath, err)
	}

	var notifier runner.Notifier
	secretsPath := c.SecretsPath(dataDir)
	bsecrets, err := cmdutil.SecretsFromFile(secretsPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		slog.Warn("no secrets file found, reports are not delivered", "file", secretsPath)
	} else if bsecrets.Telegram != nil {
		tg, err := telegram.New(ctx, bsecrets.Telegram)
		if err != nil {
			return err
		}
		notifier = tg
	}

	db, closer, err := c.OpenDatabase()
	if err != nil {
		return err
	}
	defer closer()

	q := queue.New(db, &queue.Options{Shuffle: cfg.Shuffle})
	keyring, err := cmdutil.UnlockKeyring(ctx, q)
	if err != nil {
		return err
	}

	slog.Info("starting", "mode", mode, "data-dir", dataDir, "config", c.configPath)
	return runner.New(cfg, q, keyring, notifier, nil).Run(ctx, mode)
}
