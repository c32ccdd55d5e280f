package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/flowcoord/flowcoord/config"
)

func TestNew_LevelParsing(t *testing.T) {
	logger := New(config.LogConfig{Level: "debug"})
	if logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", logger.GetLevel())
	}

	// Unknown levels fall back to info.
	logger = New(config.LogConfig{Level: "chatty"})
	if logger.GetLevel() != logrus.InfoLevel {
		t.Errorf("level = %v, want info fallback", logger.GetLevel())
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowcoord.log")
	logger := New(config.LogConfig{Level: "info", File: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1})

	logger.WithField("run", "r1").Info("hello from the test")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if len(data) == 0 {
		t.Error("log file is empty")
	}
}
