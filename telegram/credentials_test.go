// Copyright (c) 2025 NSVK

package telegram

import "testing"

func TestSecretsCheck(t *testing.T) {
	s := &Secrets{BotToken: "123:abc", ChatID: 1000}
	if err := s.Check(); err != nil {
		t.Fatal(err)
	}
	if err := (&Secrets{ChatID: 1000}).Check(); err == nil {
		t.Errorf("expected an error for empty bot token")
	}
	if err := (&Secrets{BotToken: "123:abc"}).Check(); err == nil {
		t.Errorf("expected an error for zero chat id")
	}

	c := s.Clone()
	c.ChatID = 2000
	if s.ChatID != 1000 {
		t.Errorf("clone must not share state with the original")
	}
}
