// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// Missing optional variables disable features (e.g., video acquisition falls back to metadata-only).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// SendMode controls what a resolution produces: metadata-only reply elements or an
// attempted video acquisition with metadata fallback.
type SendMode string

const (
	SendMetadata SendMode = "metadata"
	SendVideo    SendMode = "video"
)

type Config struct {
	// Storage
	DataDir        string
	CredentialFile string

	// Acquisition
	SendMode     SendMode
	QualityPref  string // "auto" or a numeric tier like "80"
	MaxFileBytes int64
	FFmpegPath   string
	MuxTimeout   time.Duration

	// Dedup
	DedupTTL        time.Duration
	DedupMaxEntries int

	// Refresh
	RefreshInterval time.Duration

	// HTTP
	RequestTimeout time.Duration
	ProbeTimeout   time.Duration
}

// Load reads environment variables and applies defaults. It doesn't fail when optional
// values are missing; only malformed values are rejected.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DataDir = os.Getenv("DATA_DIR")
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	cfg.CredentialFile = os.Getenv("CREDENTIAL_FILE")
	if cfg.CredentialFile == "" {
		cfg.CredentialFile = cfg.DataDir + "/credential.json"
	}

	cfg.SendMode = SendMode(os.Getenv("SEND_MODE"))
	switch cfg.SendMode {
	case SendMetadata, SendVideo:
	case "":
		cfg.SendMode = SendMetadata
	default:
		return nil, fmt.Errorf("invalid SEND_MODE %q (want metadata|video)", cfg.SendMode)
	}

	cfg.QualityPref = os.Getenv("QUALITY_PREF")
	if cfg.QualityPref == "" {
		cfg.QualityPref = "auto"
	}

	cfg.MaxFileBytes = 100 << 20
	if s := os.Getenv("MAX_FILE_BYTES"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid MAX_FILE_BYTES %q", s)
		}
		cfg.MaxFileBytes = n
	}

	cfg.FFmpegPath = os.Getenv("FFMPEG_PATH")
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}

	cfg.MuxTimeout = 10 * time.Minute
	if s := os.Getenv("MUX_TIMEOUT"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid MUX_TIMEOUT %q", s)
		}
		cfg.MuxTimeout = d
	}

	cfg.DedupTTL = 5 * time.Minute
	if s := os.Getenv("DEDUP_TTL"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid DEDUP_TTL %q", s)
		}
		cfg.DedupTTL = d
	}
	cfg.DedupMaxEntries = 256
	if s := os.Getenv("DEDUP_MAX_ENTRIES"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid DEDUP_MAX_ENTRIES %q", s)
		}
		cfg.DedupMaxEntries = n
	}

	cfg.RefreshInterval = 24 * time.Hour
	if s := os.Getenv("REFRESH_INTERVAL"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid REFRESH_INTERVAL %q", s)
		}
		cfg.RefreshInterval = d
	}

	cfg.RequestTimeout = 15 * time.Second
	if s := os.Getenv("REQUEST_TIMEOUT"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid REQUEST_TIMEOUT %q", s)
		}
		cfg.RequestTimeout = d
	}
	// Short timeout for the cheap "does this credential still need refreshing" probe.
	cfg.ProbeTimeout = 5 * time.Second
	if s := os.Getenv("PROBE_TIMEOUT"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid PROBE_TIMEOUT %q", s)
		}
		cfg.ProbeTimeout = d
	}

	return cfg, nil
}
