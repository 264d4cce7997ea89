package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Level = %s, want %s", cfg.Level, LevelInfo)
	}
	if cfg.Pretty {
		t.Error("Pretty = true, want false")
	}
	if cfg.Output == nil {
		t.Error("Output is nil")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
		wantErr  bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"off", LevelDisabled, false},
		{"verbose", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.expected {
				t.Errorf("ParseLevel(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSetup_LevelFiltering(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected zerolog.Level
		infoSeen bool
	}{
		{LevelDebug, zerolog.DebugLevel, true},
		{LevelInfo, zerolog.InfoLevel, true},
		{LevelWarn, zerolog.WarnLevel, false},
		{LevelDisabled, zerolog.Disabled, false},
		{"bogus", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := Setup(Config{Level: tt.level, Output: buf})
			defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

			if got := zerolog.GlobalLevel(); got != tt.expected {
				t.Errorf("GlobalLevel() = %v, want %v", got, tt.expected)
			}

			logger.Info().Msg("batch started")
			if seen := strings.Contains(buf.String(), "batch started"); seen != tt.infoSeen {
				t.Errorf("info message written = %v, want %v", seen, tt.infoSeen)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: buf})

	logger := NewLogger("batch")
	logger.Info().Str("batch_id", "b-1").Msg("batch completed")

	output := buf.String()
	for _, want := range []string{`"component":"batch"`, `"batch_id":"b-1"`, "batch completed"} {
		if !strings.Contains(output, want) {
			t.Errorf("output %q does not contain %q", output, want)
		}
	}
}

func TestSetup_Pretty(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := Setup(Config{Level: LevelInfo, Pretty: true, Output: buf})

	logger.Warn().Msg("fetch failed")

	output := buf.String()
	if strings.HasPrefix(output, "{") {
		t.Errorf("pretty output looks like JSON: %q", output)
	}
	if !strings.Contains(output, "fetch failed") {
		t.Errorf("output %q does not contain message", output)
	}
}
