// Copyright (c) 2025 NSVK

// Package cmdutil holds the flag sets and setup helpers shared by the
// subcommands.
package cmdutil

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bvkgo/kv"
	"github.com/bvkgo/kvbadger"
	"github.com/dgraph-io/badger/v4"
	"github.com/nsvk/backpackbot/queue"
	"github.com/nsvk/backpackbot/secrets"
	"golang.org/x/term"
)

// DataFlags selects the data directory holding the database, the config
// file, the bot secrets file and the log files.
type DataFlags struct {
	dataDir     string
	secretsPath string
}

func (f *DataFlags) SetFlags(fset *flag.FlagSet) {
	fset.StringVar(&f.dataDir, "data-dir", "", "path to the data directory")
	fset.StringVar(&f.secretsPath, "secrets-file", "", "path to the bot secrets file")
}

// DataDir resolves the data directory, creating it when missing.
func (f *DataFlags) DataDir() (string, error) {
	dir := f.dataDir
	if len(dir) == 0 {
		dir = filepath.Join(os.Getenv("HOME"), ".backpackbot")
	}
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("could not stat data directory %q: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", fmt.Errorf("could not create data directory %q: %w", dir, err)
		}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("could not determine data-dir %q absolute path: %w", dir, err)
	}
	return abs, nil
}

// SecretsPath returns the bot secrets file path, defaulting to
// secrets.json inside the data directory.
func (f *DataFlags) SecretsPath(dataDir string) string {
	if len(f.secretsPath) != 0 {
		return f.secretsPath
	}
	return filepath.Join(dataDir, "secrets.json")
}

// OpenDatabase opens the durable store inside the data directory.
func (f *DataFlags) OpenDatabase() (kv.Database, func(), error) {
	dataDir, err := f.DataDir()
	if err != nil {
		return nil, nil, err
	}
	bopts := badger.DefaultOptions(filepath.Join(dataDir, "db"))
	bdb, err := badger.Open(bopts)
	if err != nil {
		return nil, nil, fmt.Errorf("could not open the database: %w", err)
	}
	db := kvbadger.New(bdb, isGoodKey)
	return db, func() { bdb.Close() }, nil
}

func isGoodKey(k string) bool {
	return path.IsAbs(k) && k == path.Clean(k)
}

// ReadPassphrase prompts for a passphrase without echo. A non-terminal
// stdin falls back to a plain line read.
func ReadPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		data, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("could not read passphrase: %w", err)
		}
		return string(data), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("could not read passphrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// UnlockKeyring returns a keyring that opens the stored account keys. The
// default passphrase is tried silently first; otherwise the user is
// prompted until the passphrase matches.
func UnlockKeyring(ctx context.Context, q *queue.Queue) (*secrets.Keyring, error) {
	blob, err := sampleKeyBlob(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		return secrets.NewKeyring(""), nil
	}

	if keyring := secrets.NewKeyring(""); keyring.Check(blob) == nil {
		return keyring, nil
	}

	for ctx.Err() == nil {
		passphrase, err := ReadPassphrase("Enter passphrase to decrypt api keys (empty for default): ")
		if err != nil {
			return nil, err
		}
		keyring := secrets.NewKeyring(passphrase)
		if err := keyring.Check(blob); err != nil {
			if errors.Is(err, secrets.ErrBadPassphrase) {
				slog.Error("invalid passphrase, try again")
				continue
			}
			return nil, err
		}
		return keyring, nil
	}
	return nil, context.Cause(ctx)
}

// sampleKeyBlob picks one encrypted api-key blob to verify a passphrase
// against. Queued accounts are tried first; a close-only run may have no
// accounts left, so pending pair legs serve as the fallback.
func sampleKeyBlob(ctx context.Context, q *queue.Queue) (string, error) {
	accounts, err := q.Accounts(ctx)
	if err != nil {
		return "", fmt.Errorf("could not load queued accounts: %w", err)
	}
	for key := range accounts {
		return key, nil
	}

	pairs, err := q.PendingPairs(ctx)
	if err != nil {
		return "", fmt.Errorf("could not load pending pairs: %w", err)
	}
	for _, pending := range pairs {
		for _, leg := range pending.Legs {
			if len(leg.AccountKey) != 0 {
				return leg.AccountKey, nil
			}
		}
	}
	return "", nil
}
