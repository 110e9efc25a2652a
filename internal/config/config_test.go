package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("EMPIRE_API_URL", "https://api.example.test")
	t.Setenv("EMPIRE_WS_URL", "wss://push.example.test/ws")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.MutationTimeout != 15*time.Second || c.BackoffInitial != time.Second || c.BackoffMax != 30*time.Second {
		t.Fatalf("timing defaults: %+v", c)
	}
	if c.MutationRetries != 2 {
		t.Fatalf("retries default: %d", c.MutationRetries)
	}
	if c.PingInterval != 54*time.Second || c.PongWait != 60*time.Second || c.Profile != "default" {
		t.Fatalf("defaults: %+v", c)
	}
}

func TestLoad_RequiresEndpoints(t *testing.T) {
	t.Setenv("EMPIRE_API_URL", "")
	t.Setenv("EMPIRE_WS_URL", "wss://push.example.test/ws")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"EMPIRE_WS_URL":           "https://push.example.test/ws",
		"EMPIRE_BACKOFF_JITTER":   "1.5",
		"EMPIRE_PONG_WAIT":        "10s",
		"EMPIRE_MUTATION_TIMEOUT": "0s",
		"EMPIRE_MUTATION_RETRIES": "-1",
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			setRequired(t)
			t.Setenv(k, v)
			if _, err := Load(); err == nil {
				t.Fatalf("expected %s=%s to be rejected", k, v)
			}
		})
	}
}
