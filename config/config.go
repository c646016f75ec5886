// Package config holds the bridge configuration surface: listen address,
// endpoint path, auth, client behavior flags, and the reconnect/timeout
// policy constants.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the recognized option set for both ends of the bridge.
// Domain allow/deny lists are advisory: they are enforced by the
// content-capture layer, not by the connection core.
type Config struct {
	ListenAddr string
	Path       string // upgrade endpoint path
	ServerURL  string // client-side target
	AuthToken  string

	AutoConnect     bool
	SendOnTabSwitch bool

	AllowedDomains []string
	DeniedDomains  []string

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	RequestTimeout       time.Duration

	ReadBufferSize  int
	WriteBufferSize int
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		ListenAddr:           ":8765",
		Path:                 "/pincer",
		ServerURL:            "ws://localhost:8765/pincer",
		AutoConnect:          true,
		SendOnTabSwitch:      true,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   1000 * time.Millisecond,
		RequestTimeout:       30000 * time.Millisecond,
		ReadBufferSize:       1024,
		WriteBufferSize:      1024,
	}
}

// FromEnv overlays PINCER_* environment variables on the defaults.
func FromEnv() *Config {
	cfg := Default()

	if v := os.Getenv("PINCER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PINCER_PATH"); v != "" {
		cfg.Path = v
	}
	if v := os.Getenv("PINCER_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("PINCER_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("PINCER_AUTO_CONNECT"); v != "" {
		cfg.AutoConnect = v == "true" || v == "1"
	}
	if v := os.Getenv("PINCER_SEND_ON_TAB_SWITCH"); v != "" {
		cfg.SendOnTabSwitch = v == "true" || v == "1"
	}
	if v := os.Getenv("PINCER_ALLOWED_DOMAINS"); v != "" {
		cfg.AllowedDomains = splitList(v)
	}
	if v := os.Getenv("PINCER_DENIED_DOMAINS"); v != "" {
		cfg.DeniedDomains = splitList(v)
	}
	if v := os.Getenv("PINCER_REQUEST_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.RequestTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	return cfg
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// fileConfig maps config.toml keys onto runtime settings.
type fileConfig struct {
	ListenAddr           string   `toml:"listen_addr"`
	Path                 string   `toml:"path"`
	ServerURL            string   `toml:"server_url"`
	AuthToken            string   `toml:"auth_token"`
	AutoConnect          bool     `toml:"auto_connect"`
	SendOnTabSwitch      bool     `toml:"send_on_tab_switch"`
	AllowedDomains       []string `toml:"allowed_domains"`
	DeniedDomains        []string `toml:"denied_domains"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	ReconnectBaseDelayMs int      `toml:"reconnect_base_delay_ms"`
	RequestTimeoutMs     int      `toml:"request_timeout_ms"`
	ReadBufferSize       int      `toml:"read_buffer_size"`
	WriteBufferSize      int      `toml:"write_buffer_size"`
}

// LoadFile overlays a TOML file on cfg. Only keys present in the file
// override; everything else keeps its current value.
func LoadFile(path string, cfg *Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("path") {
		cfg.Path = strings.TrimSpace(raw.Path)
	}
	if meta.IsDefined("server_url") {
		cfg.ServerURL = strings.TrimSpace(raw.ServerURL)
	}
	if meta.IsDefined("auth_token") {
		cfg.AuthToken = raw.AuthToken
	}
	if meta.IsDefined("auto_connect") {
		cfg.AutoConnect = raw.AutoConnect
	}
	if meta.IsDefined("send_on_tab_switch") {
		cfg.SendOnTabSwitch = raw.SendOnTabSwitch
	}
	if meta.IsDefined("allowed_domains") {
		cfg.AllowedDomains = raw.AllowedDomains
	}
	if meta.IsDefined("denied_domains") {
		cfg.DeniedDomains = raw.DeniedDomains
	}
	if meta.IsDefined("max_reconnect_attempts") {
		cfg.MaxReconnectAttempts = raw.MaxReconnectAttempts
	}
	if meta.IsDefined("reconnect_base_delay_ms") {
		cfg.ReconnectBaseDelay = time.Duration(raw.ReconnectBaseDelayMs) * time.Millisecond
	}
	if meta.IsDefined("request_timeout_ms") {
		cfg.RequestTimeout = time.Duration(raw.RequestTimeoutMs) * time.Millisecond
	}
	if meta.IsDefined("read_buffer_size") {
		cfg.ReadBufferSize = raw.ReadBufferSize
	}
	if meta.IsDefined("write_buffer_size") {
		cfg.WriteBufferSize = raw.WriteBufferSize
	}
	return nil
}
