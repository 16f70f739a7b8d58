/*
Package config loads and validates the JSON configuration document supplied as the sole positional
argument of the program. The document is decoded in one pass and then cross-checked; a
configuration that passes Load() needs no further validation by the components constructed from
it.
*/
package config

import (
	"fmt"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
)

const me = "config"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server holds the listen-side settings shared by the UDP and TCP listeners.
type Server struct {
	ListenAddress              string `json:"listen_address"`
	UDPResponseChannelCapacity int    `json:"udp_response_channel_capacity"`
	UDPReceiveBufferSize       int    `json:"udp_receive_buffer_size"`
}

// ForwardDomain statically answers an A query for Name with IPAddress.
type ForwardDomain struct {
	Name       string `json:"name"`
	IPAddress  string `json:"ip_address"`
	TTLSeconds uint32 `json:"ttl_seconds"`
}

// ReverseDomain statically answers a PTR query for ReverseAddress with Name.
type ReverseDomain struct {
	ReverseAddress string `json:"reverse_address"`
	Name           string `json:"name"`
	TTLSeconds     uint32 `json:"ttl_seconds"`
}

// Cache bounds the dynamic response cache.
type Cache struct {
	MaxSize              int `json:"max_size"`
	MaxPurgesPerTimerPop int `json:"max_purges_per_timer_pop"`
}

// Client configures the upstream DoH client.
type Client struct {
	RemoteURL              string `json:"remote_url"`
	RequestTimeoutSeconds  int    `json:"request_timeout_seconds"`
	MaxOutstandingRequests int    `json:"max_outstanding_requests"`
}

// Proxy holds the TTL clamp bounds applied to cacheable upstream responses.
type Proxy struct {
	ClampMinTTLSeconds uint32 `json:"clamp_min_ttl_seconds"`
	ClampMaxTTLSeconds uint32 `json:"clamp_max_ttl_seconds"`
}

// Config is the whole configuration document.
type Config struct {
	Server               Server          `json:"server"`
	ForwardDomains       []ForwardDomain `json:"forward_domain_configurations"`
	ReverseDomains       []ReverseDomain `json:"reverse_domain_configurations"`
	Cache                Cache           `json:"cache"`
	Client               Client          `json:"client"`
	Proxy                Proxy           `json:"proxy"`
	TimerIntervalSeconds int             `json:"timer_interval_seconds"`
}

// RequestTimeout converts the configured seconds into a time.Duration.
func (t *Config) RequestTimeout() time.Duration {
	return time.Duration(t.Client.RequestTimeoutSeconds) * time.Second
}

// TimerInterval converts the configured seconds into a time.Duration.
func (t *Config) TimerInterval() time.Duration {
	return time.Duration(t.TimerIntervalSeconds) * time.Second
}

// Load reads, decodes and validates the configuration document at path.
func Load(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf(me+": %w", err)
	}

	return Parse(contents)
}

// Parse decodes and validates a configuration document already in memory. Mostly a separate
// function so tests don't have to create files.
func Parse(contents []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(contents, cfg); err != nil {
		return nil, fmt.Errorf(me+": Malformed configuration document: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate cross-checks the decoded document. The checks mirror the invariants the components
// assume: positive sizes, positive intervals and an ordered, non-zero clamp range.
func (t *Config) validate() error {
	if len(t.Server.ListenAddress) == 0 {
		return fmt.Errorf(me + ": server.listen_address must be set")
	}
	if t.Server.UDPResponseChannelCapacity <= 0 {
		return fmt.Errorf(me+": server.udp_response_channel_capacity must be greater than zero, not %d",
			t.Server.UDPResponseChannelCapacity)
	}
	if t.Server.UDPReceiveBufferSize <= 0 {
		return fmt.Errorf(me+": server.udp_receive_buffer_size must be greater than zero, not %d",
			t.Server.UDPReceiveBufferSize)
	}

	if t.Cache.MaxSize <= 0 {
		return fmt.Errorf(me+": cache.max_size must be greater than zero, not %d", t.Cache.MaxSize)
	}
	if t.Cache.MaxPurgesPerTimerPop <= 0 {
		return fmt.Errorf(me+": cache.max_purges_per_timer_pop must be greater than zero, not %d",
			t.Cache.MaxPurgesPerTimerPop)
	}

	if len(t.Client.RemoteURL) == 0 {
		return fmt.Errorf(me + ": client.remote_url must be set")
	}
	if t.Client.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf(me+": client.request_timeout_seconds must be greater than zero, not %d",
			t.Client.RequestTimeoutSeconds)
	}
	if t.Client.MaxOutstandingRequests <= 0 {
		return fmt.Errorf(me+": client.max_outstanding_requests must be greater than zero, not %d",
			t.Client.MaxOutstandingRequests)
	}

	if t.Proxy.ClampMinTTLSeconds == 0 || t.Proxy.ClampMaxTTLSeconds == 0 {
		return fmt.Errorf(me+": proxy clamp TTLs must both be greater than zero, not %d/%d",
			t.Proxy.ClampMinTTLSeconds, t.Proxy.ClampMaxTTLSeconds)
	}
	if t.Proxy.ClampMinTTLSeconds > t.Proxy.ClampMaxTTLSeconds {
		return fmt.Errorf(me+": proxy.clamp_min_ttl_seconds %d exceeds clamp_max_ttl_seconds %d",
			t.Proxy.ClampMinTTLSeconds, t.Proxy.ClampMaxTTLSeconds)
	}

	if t.TimerIntervalSeconds <= 0 {
		return fmt.Errorf(me+": timer_interval_seconds must be greater than zero, not %d",
			t.TimerIntervalSeconds)
	}

	return nil
}
