package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/ictrl/internal/protocol/session"
	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ictrld.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDaemonDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
socket = "/run/hoge.sock"
queue_depth = 8
accept_backoff = "250ms"
exit_wait = 3
metrics_addr = "127.0.0.1:9180"
`)
	cfg, err := LoadDaemon(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Socket != "/run/hoge.sock" {
		t.Fatalf("unexpected socket: %q", cfg.Socket)
	}
	if cfg.QueueDepth != 8 || cfg.ExitWait != 3 {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if cfg.AcceptBackoff != 250*time.Millisecond {
		t.Fatalf("unexpected backoff: %v", cfg.AcceptBackoff)
	}
	def := DefaultDaemon()
	if cfg.Backlog != def.Backlog || cfg.MaxFrameSize != def.MaxFrameSize || cfg.LogLevel != def.LogLevel {
		t.Fatalf("absent keys lost their defaults: %+v", cfg)
	}

	sc := cfg.Session(zerolog.Nop())
	if sc.Path != cfg.Socket || sc.QueueDepth != 8 {
		t.Fatalf("session config not mapped: %+v", sc)
	}
	if sc.AcceptBackoff != 250*time.Millisecond {
		t.Fatalf("accept backoff not mapped: %v", sc.AcceptBackoff)
	}
	hc := cfg.Host(zerolog.Nop())
	if hc.ExitWait != 3 || hc.MetricsAddr != "127.0.0.1:9180" {
		t.Fatalf("host config not mapped: %+v", hc)
	}
}

func TestLoadDaemonRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
		want error
	}{
		{name: "empty socket", body: `socket = ""`, want: session.ErrPathRequired},
		{name: "tiny frames", body: `max_frame_size = 4`, want: session.ErrInvalidFrameSize},
		{name: "negative queue", body: `queue_depth = -1`, want: session.ErrInvalidQueueDepth},
		{name: "negative exit wait", body: `exit_wait = -1`, want: ErrInvalidExitWait},
		{name: "zero backoff", body: `accept_backoff = "0s"`, want: ErrInvalidAcceptBackoff},
		{name: "log level", body: `log_level = "loud"`, want: ErrInvalidLogLevel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadDaemon(writeConfig(t, tc.body))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadDaemonRejectsUnknownKeys(t *testing.T) {
	_, err := LoadDaemon(writeConfig(t, `sockname = "/tmp/x.sock"`))
	if err == nil || !strings.Contains(err.Error(), "sockname") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestTemplateLoadsAsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ictrld.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Fatalf("forced write: %v", err)
	}
	cfg, err := LoadDaemon(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if cfg != DefaultDaemon() {
		t.Fatalf("template differs from defaults: %+v", cfg)
	}
}
