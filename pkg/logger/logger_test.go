package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

// TestParseLevel はログレベル文字列の解釈を検証する。
func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: " error ", want: slog.LevelError},
		{in: "", want: slog.LevelInfo},
		{in: "verbose", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// TestNewWithWriter はJSON出力とservice属性を検証する。
func TestNewWithWriter(t *testing.T) {
	t.Parallel()

	t.Run("service属性付きのJSONが出力されること", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := NewWithWriter(&buf, "notification", "info")
		log.Info("起動しました", "event", "startup")

		var record map[string]any
		if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
			t.Fatalf("JSONのデコードに失敗: %v, body=%s", err, buf.String())
		}
		if record["service"] != "notification" {
			t.Errorf("service = %v, want notification", record["service"])
		}
		if record["event"] != "startup" {
			t.Errorf("event = %v, want startup", record["event"])
		}
	})

	t.Run("レベル未満のレコードは出力されないこと", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := NewWithWriter(&buf, "notification", "error")
		log.Info("出力されない")

		if buf.Len() != 0 {
			t.Errorf("出力があってはならない: %s", buf.String())
		}
	})
}
