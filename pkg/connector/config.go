// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the Twitter connector configuration.
type Config struct {
	// HomeserverURL and the bot credentials for the chat-bridge runtime.
	HomeserverURL string `yaml:"homeserver_url"`
	BotMXID       string `yaml:"bot_mxid"`
	BotToken      string `yaml:"bot_access_token"`

	DatabasePath string `yaml:"database_path"`

	// ProvisioningAddr is the listen address for the provisioning HTTP API.
	// Defaults to ":29327".
	ProvisioningAddr string `yaml:"provisioning_addr"`

	Twitter  TwitterConfig  `yaml:"twitter"`
	Feeds    FeedConfig     `yaml:"feeds"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Outbound OutboundConfig `yaml:"outbound"`
}

// TwitterConfig holds the platform application credentials.
type TwitterConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// BearerTokenFile persists the app-only bearer token between runs. The
	// file is an opaque blob; if absent or invalid a fresh token is acquired.
	BearerTokenFile string `yaml:"bearer_token_file"`
}

// FeedConfig controls the polling scheduler.
type FeedConfig struct {
	EnableTimelines bool `yaml:"enable_timelines"`
	EnableHashtags  bool `yaml:"enable_hashtags"`

	// Poll intervals in seconds; each queue has its own timer so one kind
	// can never starve the other.
	TimelinePollSeconds int `yaml:"timeline_poll_seconds"`
	HashtagPollSeconds  int `yaml:"hashtag_poll_seconds"`

	// EmptyRoomRefreshSeconds controls how often room membership is
	// re-queried for empty-room suppression.
	EmptyRoomRefreshSeconds int `yaml:"empty_room_refresh_seconds"`

	// FetchLimit caps items per fetch. Hitting the cap is logged as a
	// likely-incomplete fetch; pagination is deliberately not followed.
	FetchLimit int `yaml:"fetch_limit"`

	// ReplyDepth bounds reply-chain resolution per inbound tweet.
	ReplyDepth int `yaml:"reply_depth"`
}

// PipelineConfig controls inbound delivery.
type PipelineConfig struct {
	EnableMedia      bool `yaml:"enable_media"`
	DrainIntervalMS  int  `yaml:"drain_interval_ms"`
	LagWarnThreshold int  `yaml:"lag_warn_threshold"`
	DedupCapacity    int  `yaml:"dedup_capacity"`
	DedupEvictChunk  int  `yaml:"dedup_evict_chunk"`
}

// OutboundConfig controls posting.
type OutboundConfig struct {
	// SegmentLength is the platform's per-post character limit.
	SegmentLength int `yaml:"segment_length"`
	// MaxChainLength caps how many linked posts one message may become.
	MaxChainLength int `yaml:"max_chain_length"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess applies defaults and validates required fields.
func (c *Config) PostProcess() error {
	if c.HomeserverURL == "" {
		return fmt.Errorf("homeserver_url is required")
	}
	if c.BotMXID == "" || c.BotToken == "" {
		return fmt.Errorf("bot_mxid and bot_access_token are required")
	}
	if c.Twitter.ClientID == "" || c.Twitter.ClientSecret == "" {
		return fmt.Errorf("twitter.client_id and twitter.client_secret are required")
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "./mautrix-twitter.db"
	}
	if c.ProvisioningAddr == "" {
		c.ProvisioningAddr = ":29327"
	}
	if c.Twitter.BearerTokenFile == "" {
		c.Twitter.BearerTokenFile = "./twitter-bearer.token"
	}
	if c.Feeds.TimelinePollSeconds <= 0 {
		c.Feeds.TimelinePollSeconds = 10
	}
	if c.Feeds.HashtagPollSeconds <= 0 {
		c.Feeds.HashtagPollSeconds = 10
	}
	if c.Feeds.EmptyRoomRefreshSeconds <= 0 {
		c.Feeds.EmptyRoomRefreshSeconds = 300
	}
	if c.Feeds.FetchLimit <= 0 {
		c.Feeds.FetchLimit = 100
	}
	if c.Feeds.ReplyDepth <= 0 {
		c.Feeds.ReplyDepth = 3
	}
	if c.Pipeline.DrainIntervalMS <= 0 {
		c.Pipeline.DrainIntervalMS = 500
	}
	if c.Pipeline.LagWarnThreshold <= 0 {
		c.Pipeline.LagWarnThreshold = 100
	}
	if c.Pipeline.DedupCapacity <= 0 {
		c.Pipeline.DedupCapacity = 128
	}
	if c.Pipeline.DedupEvictChunk <= 0 {
		c.Pipeline.DedupEvictChunk = 16
	}
	if c.Outbound.SegmentLength <= 0 {
		c.Outbound.SegmentLength = 280
	}
	if c.Outbound.MaxChainLength <= 0 {
		c.Outbound.MaxChainLength = 3
	}
	return nil
}

// TimelinePollInterval returns the timeline queue tick interval.
func (c *Config) TimelinePollInterval() time.Duration {
	return time.Duration(c.Feeds.TimelinePollSeconds) * time.Second
}

// HashtagPollInterval returns the hashtag queue tick interval.
func (c *Config) HashtagPollInterval() time.Duration {
	return time.Duration(c.Feeds.HashtagPollSeconds) * time.Second
}

// EmptyRoomRefreshInterval returns the empty-room recompute interval.
func (c *Config) EmptyRoomRefreshInterval() time.Duration {
	return time.Duration(c.Feeds.EmptyRoomRefreshSeconds) * time.Second
}

// DrainInterval returns the delivery queue drain cadence.
func (c *Config) DrainInterval() time.Duration {
	return time.Duration(c.Pipeline.DrainIntervalMS) * time.Millisecond
}
