// Copyright (c) 2025 NSVK

// Package telegram delivers progress notifications to a Telegram chat.
package telegram

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

type Client struct {
	secrets *Secrets

	bot *bot.Bot
}

// New creates a messaging client for the chat identified by the secrets.
func New(ctx context.Context, secrets *Secrets) (*Client, error) {
	if err := secrets.Check(); err != nil {
		return nil, err
	}
	b, err := bot.New(secrets.BotToken, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("could not create telegram bot: %w", err)
	}
	if _, err := b.GetMe(ctx); err != nil {
		return nil, fmt.Errorf("could not verify telegram bot token: %w", err)
	}
	c := &Client{
		secrets: secrets.Clone(),
		bot:     b,
	}
	return c, nil
}

// SendText posts a message to the configured chat. Delivery
// failures are returned to the caller, who may choose to ignore them.
func (c *Client) SendText(ctx context.Context, text string) error {
	m := &bot.SendMessageParams{
		ChatID:    c.secrets.ChatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if _, err := c.bot.SendMessage(ctx, m); err != nil {
		slog.Error("could not send telegram message", "err", err)
		return fmt.Errorf("could not send telegram message: %w", err)
	}
	return nil
}
