package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"", zapcore.InfoLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		got, err := parseLevel(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestInitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "test.log")

	if err := Init(Options{Level: "info", Format: "text", File: path, MaxSizeMB: 1}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	GetZapLogger().Info("hello", zap.String("key", "value"))
	GetZapLogger().Debug("hidden")
	Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, `"msg":"hello"`) || !strings.Contains(content, `"key":"value"`) {
		t.Errorf("log file missing entry: %s", content)
	}
	if strings.Contains(content, "hidden") {
		t.Errorf("debug entry written at info level: %s", content)
	}
}

func TestInitRejectsBadLevel(t *testing.T) {
	if err := Init(Options{Level: "loud"}); err == nil {
		t.Error("expected error for invalid level")
	}
}
