// Copyright (c) 2025 NSVK

package db

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/nsvk/backpackbot/queue"
	"github.com/nsvk/backpackbot/subcmds/cmdutil"
	"github.com/visvasity/cli"
)

type Restore struct {
	cmdutil.DataFlags
}

func (c *Restore) Command() (string, *flag.FlagSet, cli.CmdFunc) {
	fset := new(flag.FlagSet)
	c.DataFlags.SetFlags(fset)
	return "restore", fset, cli.CmdFunc(c.run)
}

func (c *Restore) Purpose() string {
	return "Replaces the work queue with the contents of a JSON backup file"
}

func (c *Restore) run(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("command takes one (input backup file) argument")
	}

	fp, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("could not open file %q: %w", args[0], err)
	}
	defer fp.Close()

	db, closer, err := c.OpenDatabase()
	if err != nil {
		return err
	}
	defer closer()

	return queue.New(db, nil).Restore(ctx, bufio.NewReader(fp))
}
