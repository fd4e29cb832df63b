// Copyright (c) 2025 NSVK

package telegram

import (
	"fmt"
	"os"
)

type Secrets struct {
	BotToken string `json:"token"`
	ChatID   int64  `json:"chat_id"`
}

func (v *Secrets) Check() error {
	if v.BotToken == "" {
		return fmt.Errorf("telegram bot token cannot be empty: %w", os.ErrInvalid)
	}
	if v.ChatID == 0 {
		return fmt.Errorf("telegram chat id cannot be zero: %w", os.ErrInvalid)
	}
	return nil
}

func (v *Secrets) Clone() *Secrets {
	c := new(Secrets)
	*c = *v
	return c
}
