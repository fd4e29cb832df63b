// Copyright (c) 2025 NSVK

package cmdutil

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nsvk/backpackbot/telegram"
)

// Secrets is the bot-level secrets file. It holds delivery credentials, not
// exchange api keys; those live encrypted inside the work queue.
type Secrets struct {
	Telegram *telegram.Secrets `json:"telegram"`
}

func SecretsFromFile(fpath string) (*Secrets, error) {
	data, err := os.ReadFile(fpath)
	if err != nil {
		return nil, err
	}
	s := new(Secrets)
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("could not parse secrets file %q: %w", fpath, err)
	}
	return s, nil
}

func (v *Secrets) Check() error {
	if v.Telegram != nil {
		if err := v.Telegram.Check(); err != nil {
			return err
		}
	}
	return nil
}
