// Copyright (c) 2025 NSVK

package subcmds

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/nightlyone/lockfile"
	"github.com/nsvk/backpackbot/queue"
	"github.com/nsvk/backpackbot/subcmds/cmdutil"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/visvasity/cli"
)

type Status struct {
	cmdutil.DataFlags
}

func (c *Status) Command() (string, *flag.FlagSet, cli.CmdFunc) {
	fset := new(flag.FlagSet)
	c.DataFlags.SetFlags(fset)
	return "status", fset, cli.CmdFunc(c.run)
}

func (c *Status) Purpose() string {
	return "Prints queue progress and the running instance's process info"
}

func (c *Status) run(ctx context.Context, args []string) error {
	dataDir, err := c.DataDir()
	if err != nil {
		return err
	}

	if err := c.printProcess(ctx, dataDir); err != nil {
		return err
	}

	db, closer, err := c.OpenDatabase()
	if err != nil {
		// A running instance holds the database open exclusively.
		fmt.Printf("\nQueue state is unavailable while an instance is running: %v\n", err)
		return nil
	}
	defer closer()

	return c.printQueue(ctx, queue.New(db, nil))
}

func (c *Status) printProcess(ctx context.Context, dataDir string) error {
	lockPath := filepath.Join(dataDir, "backpackbot.lock")
	flock, err := lockfile.New(lockPath)
	if err != nil {
		return fmt.Errorf("could not open lock file %q: %w", lockPath, err)
	}
	owner, err := flock.GetOwner()
	if err != nil {
		fmt.Printf("No running instance found\n")
		return nil
	}

	fmt.Printf("Running instance pid: %d\n", owner.Pid)
	proc, err := process.NewProcessWithContext(ctx, int32(owner.Pid))
	if err != nil {
		return nil
	}
	if name, err := proc.NameWithContext(ctx); err == nil {
		fmt.Printf("Process name: %s\n", name)
	}
	if created, err := proc.CreateTimeWithContext(ctx); err == nil {
		start := time.UnixMilli(created)
		fmt.Printf("Running since: %s (%s)\n", start.Format(time.RFC3339), time.Since(start).Round(time.Second))
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
		fmt.Printf("Resident memory: %d MiB\n", mem.RSS>>20)
	}
	if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
		fmt.Printf("CPU: %.1f%%\n", pct)
	}
	return nil
}

func (c *Status) printQueue(ctx context.Context, q *queue.Queue) error {
	counters, err := q.Counters(ctx)
	if err != nil {
		return err
	}
	left, err := q.AccountsLeft(ctx)
	if err != nil {
		return err
	}
	pairs, err := q.PendingPairs(ctx)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Accounts: %d/%d done (%d with work left)\n", counters.AccountsDone, counters.AccountsTotal, left)
	fmt.Printf("Tasks: %d/%d done\n", counters.TasksDone, counters.TasksTotal)
	fmt.Printf("Pairs: %d/%d done (%d open)\n", counters.PairsDone, counters.PairsTotal, len(pairs))

	accounts, err := q.Accounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) > 0 {
		type row struct {
			label           string
			pending, failed int
			retries         int
			pnl             string
		}
		var rows []row
		for _, a := range accounts {
			pending := a.PendingTasks()
			rows = append(rows, row{
				label:   a.Label,
				pending: pending,
				failed:  len(a.Tasks) - pending,
				retries: a.Retries,
				pnl:     a.TotalPnl.StringFixed(2),
			})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].label < rows[j].label })

		fmt.Println()
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', tabwriter.AlignRight)
		fmt.Fprintf(tw, "Label\tPending\tFailed\tRetries\tPnL\t\n")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t\n", r.label, r.pending, r.failed, r.retries, r.pnl)
		}
		tw.Flush()
	}

	if len(pairs) > 0 {
		fmt.Println()
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', tabwriter.AlignRight)
		fmt.Fprintf(tw, "Pair\tToken\tLong\tShort\tBuyDiff\t\n")
		ids := make([]string, 0, len(pairs))
		for id := range pairs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			p := pairs[id]
			long, short := p.Legs[0], p.Legs[1]
			if long.Side != "Bid" {
				long, short = short, long
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n", p.PairIndex, p.Token, long.Label, short.Label, p.BuyProfit.StringFixed(4))
		}
		tw.Flush()
	}
	return nil
}
