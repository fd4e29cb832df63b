// Copyright (c) 2025 NSVK

package subcmds

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"

	"github.com/nsvk/backpackbot/gobs"
	"github.com/nsvk/backpackbot/queue"
	"github.com/nsvk/backpackbot/secrets"
	"github.com/nsvk/backpackbot/subcmds/cmdutil"
	"github.com/visvasity/cli"
)

// proxyPlaceholder is the sample line shipped with proxy list templates; a
// list holding only this line means no proxies are configured.
const proxyPlaceholder = "http://login:password@ip:port"

type Import struct {
	cmdutil.DataFlags

	proxiesPath string

	minTasks int
	maxTasks int
}

func (c *Import) Command() (string, *flag.FlagSet, cli.CmdFunc) {
	fset := new(flag.FlagSet)
	c.DataFlags.SetFlags(fset)
	fset.StringVar(&c.proxiesPath, "proxies-file", "", "path to a file with one proxy url per line")
	fset.IntVar(&c.minTasks, "min-tasks", 5, "minimum number of trade tasks per account")
	fset.IntVar(&c.maxTasks, "max-tasks", 10, "maximum number of trade tasks per account")
	return "import", fset, cli.CmdFunc(c.run)
}

func (c *Import) Purpose() string {
	return "Imports api keys into the work queue as encrypted account records"
}

func (c *Import) run(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("command takes one (api keys file) argument")
	}
	if c.minTasks <= 0 || c.maxTasks < c.minTasks {
		return fmt.Errorf("invalid task count range [%d, %d]", c.minTasks, c.maxTasks)
	}

	lines, err := readLines(args[0])
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return fmt.Errorf("api keys file %q is empty", args[0])
	}

	type account struct {
		label  string
		apiKey string
	}
	var parsed []account
	for _, line := range lines {
		label, rest, ok := strings.Cut(line, ":")
		if !ok {
			return fmt.Errorf("invalid api key line %q, expected label:publicKey:secret", line)
		}
		if _, err := secrets.ParseAPIKey(rest); err != nil {
			return fmt.Errorf("invalid api key for label %q: %w", label, err)
		}
		parsed = append(parsed, account{label: label, apiKey: rest})
	}

	proxies, err := loadProxies(c.proxiesPath, len(parsed))
	if err != nil {
		return err
	}

	passphrase, err := cmdutil.ReadPassphrase("Enter passphrase to encrypt api keys (empty for default): ")
	if err != nil {
		return err
	}
	keyring := secrets.NewKeyring(passphrase)

	states := make(map[string]*gobs.AccountState)
	ntasks := 0
	for i, a := range parsed {
		key, err := keyring.Encrypt(a.apiKey)
		if err != nil {
			return fmt.Errorf("could not encrypt api key for label %q: %w", a.label, err)
		}
		n := c.minTasks + rand.N(c.maxTasks-c.minTasks+1)
		tasks := make([]gobs.TaskState, n)
		for j := range tasks {
			tasks[j] = gobs.TaskState{Name: "trade", Status: gobs.TaskPending}
		}
		states[key] = &gobs.AccountState{
			Label:    a.label,
			ProxyRef: proxies[i],
			Tasks:    tasks,
		}
		ntasks += n
	}

	db, closer, err := c.OpenDatabase()
	if err != nil {
		return err
	}
	defer closer()

	q := queue.New(db, nil)
	if err := q.CreateAccounts(ctx, states); err != nil {
		return err
	}

	fmt.Printf("imported %d accounts with %d trade tasks\n", len(states), ntasks)
	slog.Warn("remember to remove the plaintext api keys file", "file", args[0])
	return nil
}

func readLines(fpath string) ([]string, error) {
	data, err := os.ReadFile(fpath)
	if err != nil {
		return nil, fmt.Errorf("could not read file %q: %w", fpath, err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); len(line) != 0 {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// loadProxies returns one proxy url per account, repeating the list when it
// is shorter than the account count. With no usable proxy list every
// account gets a direct connection.
func loadProxies(fpath string, n int) ([]string, error) {
	if len(fpath) == 0 {
		return make([]string, n), nil
	}
	lines, err := readLines(fpath)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 || (len(lines) == 1 && lines[0] == proxyPlaceholder) {
		slog.Warn("proxies file has no usable entries, accounts connect directly", "file", fpath)
		return make([]string, n), nil
	}
	proxies := make([]string, n)
	for i := range proxies {
		proxies[i] = lines[i%len(lines)]
	}
	return proxies, nil
}
