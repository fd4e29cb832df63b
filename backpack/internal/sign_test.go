// Copyright (c) 2025 NSVK

package internal

import (
	"testing"
)

func TestSigningString(t *testing.T) {
	params := Params{
		"symbol":   "SOL_USDC",
		"side":     "Bid",
		"autoLend": false,
		"postOnly": true,
	}

	got := SigningString("orderExecute", params.Canonical(), "1700000000000", "5000")
	want := "instruction=orderExecute&autoLend=false&postOnly=true&side=Bid&symbol=SOL_USDC&timestamp=1700000000000&window=5000"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	// Same inputs must always produce the same string.
	if again := SigningString("orderExecute", params.Canonical(), "1700000000000", "5000"); again != got {
		t.Fatalf("signing string is not deterministic: %q vs %q", again, got)
	}
}

func TestSigningStringNoParams(t *testing.T) {
	got := SigningString("balanceQuery", nil, "1700000000000", "5000")
	want := "instruction=balanceQuery&timestamp=1700000000000&window=5000"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSigningStringSensitivity(t *testing.T) {
	base := Params{"symbol": "SOL_USDC", "side": "Bid"}
	ref := SigningString("orderExecute", base.Canonical(), "1700000000000", "5000")

	changed := []Params{
		{"symbol": "BTC_USDC", "side": "Bid"},
		{"symbol": "SOL_USDC", "side": "Ask"},
		{"symbol": "SOL_USDC", "side": "Bid", "quantity": "1"},
		{"symbol": "SOL_USDC"},
	}
	for i, p := range changed {
		if s := SigningString("orderExecute", p.Canonical(), "1700000000000", "5000"); s == ref {
			t.Errorf("params #%d produced the same signing string", i)
		}
	}
	if s := SigningString("orderQuery", base.Canonical(), "1700000000000", "5000"); s == ref {
		t.Errorf("changed instruction produced the same signing string")
	}
	if s := SigningString("orderExecute", base.Canonical(), "1700000000001", "5000"); s == ref {
		t.Errorf("changed timestamp produced the same signing string")
	}
}
