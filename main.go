// Copyright (c) 2025 NSVK

package main

import (
	"context"
	"log"
	"os"

	"github.com/nsvk/backpackbot/subcmds"
	"github.com/nsvk/backpackbot/subcmds/db"
	"github.com/visvasity/cli"
)

func main() {
	dbCmds := []cli.Command{
		new(db.Backup),
		new(db.Restore),
	}

	cmds := []cli.Command{
		new(subcmds.Run),
		new(subcmds.Import),
		new(subcmds.Status),
		cli.NewGroup("db", "Export/import the work queue database", dbCmds...),
	}
	if err := cli.Run(context.Background(), cmds, os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
