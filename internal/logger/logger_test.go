package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"INFO", zapcore.InfoLevel, false},
		{"", zapcore.InfoLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) 错误不符合预期: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, 期望 %v", tt.in, got, tt.want)
		}
	}
}

func TestInitRejectsUnknownFormat(t *testing.T) {
	if err := Init(Config{Level: "info", Format: "xml"}); err == nil {
		t.Fatal("不支持的格式应返回错误")
	}
}

func TestInitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "feedbuddy.log")
	if err := Init(Config{Level: "debug", Format: "json", File: path}); err != nil {
		t.Fatalf("Init 失败: %v", err)
	}

	Infof("[test] 写入日志 %d", 42)
	Named("server").Debug("组件日志")
	Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取日志文件失败: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "写入日志 42") {
		t.Errorf("日志文件缺少内容: %s", text)
	}
	if !strings.Contains(text, `"N":"server"`) {
		t.Errorf("缺少组件名: %s", text)
	}
}
