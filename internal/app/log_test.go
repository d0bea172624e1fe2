package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cdp-go/internal/config"
)

func TestCdpHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name      string
		component string
		level     slog.Level
		message   string
		attrs     []slog.Attr
		want      string
	}{
		{
			name:      "basic info message",
			component: "server",
			level:     slog.LevelInfo,
			message:   "listening",
			want:      "2024-06-15T14:30:45Z\tINFO\tserver\tlistening\n",
		},
		{
			name:      "debug level",
			component: "backup",
			level:     slog.LevelDebug,
			message:   "chunking file",
			want:      "2024-06-15T14:30:45Z\tDEBUG\tbackup\tchunking file\n",
		},
		{
			name:      "with record attrs",
			component: "server",
			level:     slog.LevelWarn,
			message:   "store failed",
			attrs:     []slog.Attr{slog.String("host", "h1"), slog.Int("chunks", 42)},
			want:      "2024-06-15T14:30:45Z\tWARN\tserver\tstore failed\thost=h1\tchunks=42\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := newHandler(&buf, slog.LevelDebug, tt.component)

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestCdpHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := newHandler(&buf, nil, "server")

	h2 := h.WithAttrs([]slog.Attr{slog.String("backend", "file")}).(*cdpHandler)

	r := slog.NewRecord(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), slog.LevelInfo, "stored", 0)
	r.AddAttrs(slog.String("hash", "abc"))

	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "\tbackend=file\thash=abc\n") {
		t.Errorf("expected pre-set attr before record attr, got: %q", got)
	}
	if len(h.attrs) != 0 {
		t.Errorf("original handler attrs modified: got %d, want 0", len(h.attrs))
	}
}

func TestCdpHandler_Enabled(t *testing.T) {
	tests := []struct {
		threshold slog.Level
		level     slog.Level
		want      bool
	}{
		{slog.LevelInfo, slog.LevelDebug, false},
		{slog.LevelInfo, slog.LevelInfo, true},
		{slog.LevelInfo, slog.LevelError, true},
		{slog.LevelWarn, slog.LevelInfo, false},
		{slog.LevelDebug, slog.LevelDebug, true},
	}

	for _, tt := range tests {
		h := newHandler(nil, tt.threshold, "x")
		if got := h.Enabled(context.Background(), tt.level); got != tt.want {
			t.Errorf("threshold %v: Enabled(%v) = %v, want %v", tt.threshold, tt.level, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", 0, true},
	}

	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")

	logger, closer, err := newLogger(dir, config.LogConfig{Level: "info", MaxSizeMB: 1}, "test")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}

	adapter := &slogAdapter{l: logger}
	adapter.With("op", "op-1").Info("hello", "k", "v")
	adapter.Debug("filtered out")

	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "cdp-test.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	got := string(data)
	if !strings.Contains(got, "\tINFO\ttest\thello\top=op-1\tk=v\n") {
		t.Errorf("log file = %q, want the info line", got)
	}
	if strings.Contains(got, "filtered out") {
		t.Errorf("debug line written at info level: %q", got)
	}
}

func TestNewLogger_FilePerComponent(t *testing.T) {
	dir := t.TempDir()
	cfg := config.LogConfig{Level: "info", MaxSizeMB: 1}

	for _, component := range []string{"server", "client"} {
		logger, closer, err := newLogger(dir, cfg, component)
		if err != nil {
			t.Fatalf("newLogger(%s) error = %v", component, err)
		}
		logger.Info("from " + component)
		if err := closer.Close(); err != nil {
			t.Fatal(err)
		}
	}

	for _, component := range []string{"server", "client"} {
		data, err := os.ReadFile(filepath.Join(dir, "cdp-"+component+".log"))
		if err != nil {
			t.Fatalf("reading %s log: %v", component, err)
		}
		got := string(data)
		if !strings.Contains(got, "from "+component) || strings.Count(got, "\n") != 1 {
			t.Errorf("cdp-%s.log = %q, want only its own line", component, got)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "cdp.log")); !os.IsNotExist(err) {
		t.Errorf("shared cdp.log exists (err = %v)", err)
	}
}

func TestNewLogger_BadLevel(t *testing.T) {
	if _, _, err := newLogger(t.TempDir(), config.LogConfig{Level: "loud"}, "test"); err == nil {
		t.Fatal("newLogger() error = nil, want error for unknown level")
	}
}
