package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const goodDocument = `{
  "server": {
    "listen_address": "127.0.0.1:10053",
    "udp_response_channel_capacity": 128,
    "udp_receive_buffer_size": 2048
  },
  "forward_domain_configurations": [
    {"name": "example.local.", "ip_address": "10.0.0.1", "ttl_seconds": 60}
  ],
  "reverse_domain_configurations": [
    {"reverse_address": "1.0.0.10.in-addr.arpa.", "name": "example.local.", "ttl_seconds": 60}
  ],
  "cache": {"max_size": 1000, "max_purges_per_timer_pop": 50},
  "client": {
    "remote_url": "https://cloudflare-dns.com/dns-query",
    "request_timeout_seconds": 5,
    "max_outstanding_requests": 20
  },
  "proxy": {"clamp_min_ttl_seconds": 10, "clamp_max_ttl_seconds": 3600},
  "timer_interval_seconds": 30
}`

func TestParseGood(t *testing.T) {
	cfg, err := Parse([]byte(goodDocument))
	if err != nil {
		t.Fatal("Unexpected Parse error", err)
	}

	if cfg.Server.ListenAddress != "127.0.0.1:10053" {
		t.Error("listen_address mismatch", cfg.Server.ListenAddress)
	}
	if len(cfg.ForwardDomains) != 1 || cfg.ForwardDomains[0].IPAddress != "10.0.0.1" {
		t.Error("forward_domain_configurations did not decode", cfg.ForwardDomains)
	}
	if len(cfg.ReverseDomains) != 1 || cfg.ReverseDomains[0].Name != "example.local." {
		t.Error("reverse_domain_configurations did not decode", cfg.ReverseDomains)
	}
	if cfg.Cache.MaxSize != 1000 || cfg.Cache.MaxPurgesPerTimerPop != 50 {
		t.Error("cache settings did not decode", cfg.Cache)
	}
	if cfg.RequestTimeout() != 5*time.Second {
		t.Error("RequestTimeout mismatch", cfg.RequestTimeout())
	}
	if cfg.TimerInterval() != 30*time.Second {
		t.Error("TimerInterval mismatch", cfg.TimerInterval())
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(goodDocument), 0644); err != nil {
		t.Fatal("Setup failure", err)
	}

	if _, err := Load(path); err != nil {
		t.Error("Unexpected Load error", err)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "nonesuch.json")); err == nil {
		t.Error("Load of a missing file should fail")
	}
}

// replace swaps one literal substring of the good document so each validation test only breaks the
// setting it cares about.
func replace(t *testing.T, from, to string) []byte {
	t.Helper()
	if !strings.Contains(goodDocument, from) {
		t.Fatal("Test data bug: good document does not contain", from)
	}
	return []byte(strings.Replace(goodDocument, from, to, 1))
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		from, to string
		errWant  string
	}{
		{`"listen_address": "127.0.0.1:10053"`, `"listen_address": ""`, "listen_address"},
		{`"udp_response_channel_capacity": 128`, `"udp_response_channel_capacity": 0`, "udp_response_channel_capacity"},
		{`"udp_receive_buffer_size": 2048`, `"udp_receive_buffer_size": -1`, "udp_receive_buffer_size"},
		{`"max_size": 1000`, `"max_size": 0`, "max_size"},
		{`"max_purges_per_timer_pop": 50`, `"max_purges_per_timer_pop": 0`, "max_purges_per_timer_pop"},
		{`"remote_url": "https://cloudflare-dns.com/dns-query"`, `"remote_url": ""`, "remote_url"},
		{`"request_timeout_seconds": 5`, `"request_timeout_seconds": 0`, "request_timeout_seconds"},
		{`"max_outstanding_requests": 20`, `"max_outstanding_requests": 0`, "max_outstanding_requests"},
		{`"clamp_min_ttl_seconds": 10`, `"clamp_min_ttl_seconds": 0`, "clamp"},
		{`"clamp_min_ttl_seconds": 10`, `"clamp_min_ttl_seconds": 7200`, "exceeds"},
		{`"timer_interval_seconds": 30`, `"timer_interval_seconds": 0`, "timer_interval_seconds"},
	}

	for _, tc := range testCases {
		_, err := Parse(replace(t, tc.from, tc.to))
		if err == nil {
			t.Errorf("Expected a validation error for %s -> %s", tc.from, tc.to)
			continue
		}
		if !strings.Contains(err.Error(), tc.errWant) {
			t.Errorf("Error %q should mention %q", err.Error(), tc.errWant)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := Parse([]byte("{not json")); err == nil {
		t.Error("Malformed JSON should fail to parse")
	}
}
