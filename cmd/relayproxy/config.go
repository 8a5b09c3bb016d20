package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/drossi/relayproxy/internal/server"
)

type tuningFile struct {
	MaxSessions          int      `toml:"max_sessions"`
	HTTPMaxInflight      int      `toml:"http_max_inflight"`
	GracePeriod          string   `toml:"grace_period"`
	IdleTimeout          string   `toml:"idle_timeout"`
	FrameBudget          string   `toml:"frame_budget"`
	WriteDeadline        string   `toml:"write_deadline"`
	ChecksumFailureLimit int      `toml:"checksum_failure_limit"`
	EventRingSize        int      `toml:"event_ring_size"`
	SinkCapacity         int      `toml:"sink_capacity"`
	MaxPayloadBytes      uint32   `toml:"max_payload_bytes"`
	CORSOrigins          []string `toml:"cors_origins"`
}

func loadTuning(path string, cfg server.Config) (server.Config, error) {
	var raw tuningFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return server.Config{}, fmt.Errorf("load tuning config: %w", err)
	}

	if meta.IsDefined("max_sessions") {
		if raw.MaxSessions <= 0 {
			return server.Config{}, fmt.Errorf("max_sessions must be positive")
		}
		cfg.MaxSessions = raw.MaxSessions
	}
	if meta.IsDefined("http_max_inflight") {
		if raw.HTTPMaxInflight <= 0 {
			return server.Config{}, fmt.Errorf("http_max_inflight must be positive")
		}
		cfg.HTTPMaxInflight = raw.HTTPMaxInflight
	}
	if meta.IsDefined("grace_period") {
		d, err := parseDuration("grace_period", raw.GracePeriod)
		if err != nil {
			return server.Config{}, err
		}
		cfg.GracePeriod = d
	}
	if meta.IsDefined("idle_timeout") {
		d, err := parseDuration("idle_timeout", raw.IdleTimeout)
		if err != nil {
			return server.Config{}, err
		}
		cfg.Session.IdleTimeout = d
	}
	if meta.IsDefined("frame_budget") {
		d, err := parseDuration("frame_budget", raw.FrameBudget)
		if err != nil {
			return server.Config{}, err
		}
		cfg.Session.FrameBudget = d
	}
	if meta.IsDefined("write_deadline") {
		d, err := parseDuration("write_deadline", raw.WriteDeadline)
		if err != nil {
			return server.Config{}, err
		}
		cfg.Session.WriteDeadline = d
	}
	if meta.IsDefined("checksum_failure_limit") {
		if raw.ChecksumFailureLimit <= 0 {
			return server.Config{}, fmt.Errorf("checksum_failure_limit must be positive")
		}
		cfg.Session.MaxChecksumFailures = raw.ChecksumFailureLimit
	}
	if meta.IsDefined("event_ring_size") {
		cfg.Session.EventRingSize = raw.EventRingSize
	}
	if meta.IsDefined("sink_capacity") {
		cfg.SinkCapacity = raw.SinkCapacity
	}
	if meta.IsDefined("max_payload_bytes") {
		if raw.MaxPayloadBytes == 0 {
			return server.Config{}, fmt.Errorf("max_payload_bytes must be positive")
		}
		cfg.Session.Limits.MaxPayloadBytes = raw.MaxPayloadBytes
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}

	return cfg, nil
}

func parseDuration(name, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return d, nil
}
