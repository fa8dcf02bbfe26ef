// Package config holds the flat configuration record enumerated in spec
// §6, bound from flags in cmd/* the way main.go's flag.*Var block does,
// with environment-variable fallback mirroring crypto.go's
// os.Getenv("GROUP_KEY_HEX") pattern.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the relay-client-facing configuration record from spec §6.
type Config struct {
	ServerURL       string
	UploadEndpoint  string
	DownloadEndpoint string
	APIKey          string
	PreferP2P       bool
	ForceRelay      bool
	P2PTimeout      time.Duration
	RelayChunkSize  int
	DirectChunkSize int
	MaxRetries      int
	RetryDelay      time.Duration
	EnableEncryption bool
	EnableResume    bool
	DefaultExpiry   time.Duration
	ConnectionTimeout time.Duration
	UploadTimeout   time.Duration
	DownloadTimeout time.Duration
	LogLevel        string
}

// NodeConfig is the node-level configuration record from spec §6.
type NodeConfig struct {
	DisplayName        string
	ListenPort         int // 0 => OS-assigned
	HeartbeatInterval  time.Duration
	PeerTimeout        time.Duration
	PreviewMaxFileSize int64
	PreviewThumbSize   int
	PreviewTextMaxLines int
	PreviewTextMaxChars int
	PinLifetime        time.Duration
}

// Default returns the spec's defaults (§4.5, §4.7, §4.9, §5).
func Default() *Config {
	return &Config{
		ServerURL:         "http://localhost:8181",
		UploadEndpoint:    "/api/relay/upload",
		DownloadEndpoint:  "/api/relay/download",
		PreferP2P:         true,
		ForceRelay:        false,
		P2PTimeout:        5 * time.Second,
		RelayChunkSize:    1 << 20, // 1 MiB
		DirectChunkSize:   64 << 10, // 64 KiB
		MaxRetries:        3,
		RetryDelay:        500 * time.Millisecond,
		EnableEncryption:  true,
		EnableResume:      true,
		DefaultExpiry:     24 * time.Hour,
		ConnectionTimeout: 5 * time.Second,
		UploadTimeout:     120 * time.Second,
		DownloadTimeout:   120 * time.Second,
		LogLevel:          "info",
	}
}

func DefaultNode() *NodeConfig {
	return &NodeConfig{
		DisplayName:         "",
		ListenPort:          0,
		HeartbeatInterval:   15 * time.Second,
		PeerTimeout:         60 * time.Second,
		PreviewMaxFileSize:  100 << 20, // 100 MiB
		PreviewThumbSize:    200,
		PreviewTextMaxLines: 10,
		PreviewTextMaxChars: 500,
		PinLifetime:         10 * time.Minute,
	}
}

// EnvOrDefault mirrors crypto.go's GROUP_KEY_HEX fallback: it returns the
// environment variable key when set and non-empty, otherwise fallback.
func EnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func EnvDurationOrDefault(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func EnvIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
