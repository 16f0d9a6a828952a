package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{
			name: "json format",
			config: &Config{
				Level:  LevelInfo,
				Format: "json",
				Output: &bytes.Buffer{},
			},
		},
		{
			name: "text format",
			config: &Config{
				Level:  LevelDebug,
				Format: "text",
				Output: &bytes.Buffer{},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func syncConfig(buf *bytes.Buffer) *Config {
	return &Config{
		Level:   LevelDebug,
		Format:  "text",
		Output:  buf,
		Sync:    true,
		NoColor: true,
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(syncConfig(&buf))

	ctrlrLogger := logger.WithController("01:00.0")
	ctrlrLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "01:00.0") {
		t.Errorf("Expected controller address in output, got: %s", output)
	}

	buf.Reset()
	qpairLogger := ctrlrLogger.WithQpair(3)
	qpairLogger.Info("qpair message")

	output = buf.String()
	if !strings.Contains(output, "01:00.0") {
		t.Errorf("Expected controller address in qpair logger output, got: %s", output)
	}
	if !strings.Contains(output, "qid=3") {
		t.Errorf("Expected qid=3 in output, got: %s", output)
	}
}

func TestLoggerKeyValuePairs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(syncConfig(&buf))

	logger.Info("io completed", "lba", 0x1234, "latency_us", 42)

	output := buf.String()
	if !strings.Contains(output, "lba=") {
		t.Errorf("Expected lba key in output, got: %s", output)
	}
	if !strings.Contains(output, "latency_us=42") {
		t.Errorf("Expected latency_us=42 in output, got: %s", output)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	config := syncConfig(&buf)
	config.Level = LevelWarn
	logger := NewLogger(config)

	logger.Debug("should not appear")
	logger.Info("should not appear either")
	logger.Warn("warning message")

	output := buf.String()
	if strings.Contains(output, "should not appear") {
		t.Errorf("Level filtering failed, got: %s", output)
	}
	if !strings.Contains(output, "warning message") {
		t.Errorf("Expected warning in output, got: %s", output)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{
		Level:  LevelInfo,
		Format: "json",
		Output: &buf,
		Sync:   true,
	})

	logger.Info("structured", "qid", 1)

	output := buf.String()
	if !strings.Contains(output, `"qid":1`) {
		t.Errorf("Expected JSON field in output, got: %s", output)
	}
	if !strings.Contains(output, `"message":"structured"`) {
		t.Errorf("Expected JSON message in output, got: %s", output)
	}
}

func TestDefaultLogger(t *testing.T) {
	first := Default()
	if first == nil {
		t.Fatal("Default() returned nil")
	}
	if Default() != first {
		t.Error("Default() should return the same logger")
	}

	var buf bytes.Buffer
	custom := NewLogger(syncConfig(&buf))
	SetDefault(custom)
	defer SetDefault(first)

	Info("through the default")
	if !strings.Contains(buf.String(), "through the default") {
		t.Errorf("SetDefault logger did not receive message, got: %s", buf.String())
	}
}
