package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/koopa0/race-coordinator/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseLevel 測試日誌級別解析
func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, logger.ParseLevel(tt.input))
		})
	}
}

// TestHandler_ContextAttributes 測試上下文欄位注入
func TestHandler_ContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(logger.NewHandler(&buf, logger.Options{Level: "debug", Format: "json"}))

	ctx := logger.WithRequestID(context.Background(), "req-1")
	ctx = logger.WithConnectionID(ctx, "conn-1")
	l.With("component", "test").InfoContext(ctx, "hello", "room_id", "room_a")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	assert.Equal(t, "hello", record["msg"])
	assert.Equal(t, "req-1", record["request_id"])
	assert.Equal(t, "conn-1", record["connection_id"])
	assert.Equal(t, "room_a", record["room_id"])
	assert.Equal(t, "test", record["component"])
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3}$`, record["time"])
}

// TestHandler_LevelFilter 測試級別過濾
func TestHandler_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(logger.NewHandler(&buf, logger.Options{Level: "warn"}))

	l.Info("dropped")
	assert.Empty(t, buf.String())

	l.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

// TestNew_FileOutput 測試檔案輸出
func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")

	l, closer, err := logger.New(logger.Options{Output: path, Format: "text"})
	require.NoError(t, err)

	l.Info("written to file")
	require.NoError(t, closer.Close())

	assert.FileExists(t, path)
}

// TestRequestID 測試請求 ID 讀取
func TestRequestID(t *testing.T) {
	assert.Empty(t, logger.RequestID(context.Background()))
	assert.Equal(t, "abc", logger.RequestID(logger.WithRequestID(context.Background(), "abc")))
}
