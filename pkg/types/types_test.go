package types

import (
	"encoding/json"
	"testing"
)

func TestTickSizeDecimals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tick TickSize
		want int
	}{
		{Tick01, 1},
		{Tick001, 2},
		{Tick0001, 3},
		{Tick00001, 4},
		{TickSize("unknown"), 2}, // default
	}

	for _, tt := range tests {
		if got := tt.tick.Decimals(); got != tt.want {
			t.Errorf("TickSize(%q).Decimals() = %d, want %d", tt.tick, got, tt.want)
		}
	}
}

func TestTickSizeAmountDecimals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tick TickSize
		want int
	}{
		{Tick01, 3},
		{Tick001, 4},
		{Tick0001, 5},
		{Tick00001, 6},
		{TickSize("unknown"), 4}, // default
	}

	for _, tt := range tests {
		if got := tt.tick.AmountDecimals(); got != tt.want {
			t.Errorf("TickSize(%q).AmountDecimals() = %d, want %d", tt.tick, got, tt.want)
		}
	}
}

func TestSubscribeFrameMarketChannelOmitsAuth(t *testing.T) {
	t.Parallel()

	frame := SubscribeFrame{
		Type:        "market",
		Operation:   "subscribe",
		AssetIDs:    []string{"123", "456"},
		InitialDump: true,
	}

	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := decoded["auth"]; ok {
		t.Error("market channel frame should omit auth")
	}
	if _, ok := decoded["markets"]; ok {
		t.Error("market channel frame should omit markets")
	}
	if decoded["operation"] != "subscribe" {
		t.Errorf("operation = %v, want subscribe", decoded["operation"])
	}
}

func TestSubscribeFrameUserChannelIncludesAuth(t *testing.T) {
	t.Parallel()

	frame := SubscribeFrame{
		Type:      "user",
		Operation: "subscribe",
		Markets:   []string{"0xabc"},
		Auth:      &WSAuth{APIKey: "k", Secret: "s", Passphrase: "p"},
	}

	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded struct {
		Auth *WSAuth `json:"auth"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Auth == nil || decoded.Auth.APIKey != "k" {
		t.Errorf("decoded auth = %+v, want api_key=k", decoded.Auth)
	}
}
