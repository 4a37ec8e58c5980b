package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{
		"DATA_DIR", "CREDENTIAL_FILE", "SEND_MODE", "QUALITY_PREF", "MAX_FILE_BYTES",
		"FFMPEG_PATH", "MUX_TIMEOUT", "DEDUP_TTL", "DEDUP_MAX_ENTRIES",
		"REFRESH_INTERVAL", "REQUEST_TIMEOUT", "PROBE_TIMEOUT",
	} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DataDir != "data" {
		t.Errorf("DataDir = %q, want data", cfg.DataDir)
	}
	if cfg.CredentialFile != "data/credential.json" {
		t.Errorf("CredentialFile = %q", cfg.CredentialFile)
	}
	if cfg.SendMode != SendMetadata {
		t.Errorf("SendMode = %q, want metadata", cfg.SendMode)
	}
	if cfg.QualityPref != "auto" {
		t.Errorf("QualityPref = %q, want auto", cfg.QualityPref)
	}
	if cfg.MaxFileBytes != 100<<20 {
		t.Errorf("MaxFileBytes = %d, want 100MiB", cfg.MaxFileBytes)
	}
	if cfg.FFmpegPath != "ffmpeg" {
		t.Errorf("FFmpegPath = %q", cfg.FFmpegPath)
	}
	if cfg.DedupTTL != 5*time.Minute || cfg.DedupMaxEntries != 256 {
		t.Errorf("dedup defaults = %v/%d", cfg.DedupTTL, cfg.DedupMaxEntries)
	}
	if cfg.RefreshInterval != 24*time.Hour {
		t.Errorf("RefreshInterval = %v", cfg.RefreshInterval)
	}
	if cfg.RequestTimeout != 15*time.Second || cfg.ProbeTimeout != 5*time.Second {
		t.Errorf("timeouts = %v/%v", cfg.RequestTimeout, cfg.ProbeTimeout)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATA_DIR", "/var/lib/bilifetch")
	t.Setenv("SEND_MODE", "video")
	t.Setenv("QUALITY_PREF", "80")
	t.Setenv("MAX_FILE_BYTES", "1048576")
	t.Setenv("DEDUP_TTL", "90s")
	t.Setenv("REFRESH_INTERVAL", "1h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DataDir != "/var/lib/bilifetch" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.CredentialFile != "/var/lib/bilifetch/credential.json" {
		t.Errorf("CredentialFile = %q, want derived from DATA_DIR", cfg.CredentialFile)
	}
	if cfg.SendMode != SendVideo {
		t.Errorf("SendMode = %q, want video", cfg.SendMode)
	}
	if cfg.QualityPref != "80" {
		t.Errorf("QualityPref = %q", cfg.QualityPref)
	}
	if cfg.MaxFileBytes != 1<<20 {
		t.Errorf("MaxFileBytes = %d", cfg.MaxFileBytes)
	}
	if cfg.DedupTTL != 90*time.Second {
		t.Errorf("DedupTTL = %v", cfg.DedupTTL)
	}
	if cfg.RefreshInterval != time.Hour {
		t.Errorf("RefreshInterval = %v", cfg.RefreshInterval)
	}
}

func TestLoad_MalformedValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"SEND_MODE", "broadcast"},
		{"MAX_FILE_BYTES", "not-a-number"},
		{"MAX_FILE_BYTES", "-1"},
		{"MUX_TIMEOUT", "soon"},
		{"DEDUP_TTL", "-5m"},
		{"DEDUP_MAX_ENTRIES", "0"},
		{"REFRESH_INTERVAL", "never"},
		{"REQUEST_TIMEOUT", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%q should fail", tt.key, tt.value)
			}
		})
	}
}
