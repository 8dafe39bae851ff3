package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, text string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(text), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "app.yaml", "key:\n  source: virtual\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	timing := cfg.DecoderTiming()
	if timing.Unit != 100*time.Millisecond || timing.PollInterval != time.Millisecond {
		t.Fatalf("unexpected default timing: %+v", timing)
	}
	if timing.Margin != 1.3 || timing.Dash != 3 || timing.MessageGap != 70 {
		t.Fatalf("unexpected default multiples: %+v", timing)
	}
	if cfg.Key.GPIOPin != 7 {
		t.Fatalf("expected default gpio pin 7, got %d", cfg.Key.GPIOPin)
	}
	if !cfg.Logging.Enabled || cfg.Logging.RetentionDays != 7 {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Writer.OutputFile == "" || cfg.WriterPollInterval() != 50*time.Millisecond {
		t.Fatalf("unexpected writer defaults: %+v", cfg.Writer)
	}
	if cfg.UI.Mode != "headless" || cfg.Telnet.Transport != "native" {
		t.Fatalf("unexpected ui/telnet defaults: %q %q", cfg.UI.Mode, cfg.Telnet.Transport)
	}
	if cfg.Key.SerialDevice != "/dev/ttyUSB0" || cfg.Key.SerialBaud != 9600 {
		t.Fatalf("unexpected serial defaults: %+v", cfg.Key)
	}
	if cfg.Live.Enabled || cfg.Live.Addr != ":7380" || cfg.Live.Path != "/ws" {
		t.Fatalf("unexpected live feed defaults: %+v", cfg.Live)
	}
	if cfg.MQTT.ClientID != "" {
		t.Fatalf("expected empty mqtt client id so one is generated, got %q", cfg.MQTT.ClientID)
	}
}

func TestLoadDirectoryMergesFiles(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "app.yaml", `timing:
  unit_ms: 60
  margin: 1.5
key:
  source: virtual
telnet:
  enabled: true
  port: 7400
`)
	writeConfig(t, dir, "overrides.yaml", `timing:
  margin: 1.2
telnet:
  echo_letters: true
`)
	writeConfig(t, dir, "notes.txt", "not: [yaml")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := filepath.Clean(cfg.LoadedFrom); got != filepath.Clean(dir) {
		t.Fatalf("expected LoadedFrom=%s, got %s", dir, got)
	}
	if cfg.Timing.UnitMS != 60 {
		t.Fatalf("expected unit_ms from app.yaml, got %v", cfg.Timing.UnitMS)
	}
	if cfg.Timing.Margin != 1.2 {
		t.Fatalf("expected later file to override margin, got %v", cfg.Timing.Margin)
	}
	if !cfg.Telnet.Enabled || cfg.Telnet.Port != 7400 || !cfg.Telnet.EchoLetters {
		t.Fatalf("expected telnet keys merged from both files, got %+v", cfg.Telnet)
	}
}

func TestLoadSingleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.yaml")
	writeConfig(t, filepath.Dir(path), "runtime.yaml", "timing:\n  wpm: 20\nkey:\n  source: virtual\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := cfg.DecoderTiming().Unit; got != 60*time.Millisecond {
		t.Fatalf("expected 20 WPM to give 60ms unit, got %s", got)
	}
}

func TestLoadMissingPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestLoadExplicitZeroes(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "app.yaml", `key:
  source: gpio
  gpio_pin: 0
logging:
  enabled: false
  retention_days: 0
mqtt:
  dedupe_window_seconds: 0
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Key.GPIOPin != 0 {
		t.Fatalf("expected explicit gpio_pin 0 to be kept, got %d", cfg.Key.GPIOPin)
	}
	if cfg.Logging.Enabled || cfg.Logging.RetentionDays != 0 {
		t.Fatalf("expected explicit logging values kept, got %+v", cfg.Logging)
	}
	if cfg.MQTT.DedupeWindowSeconds != 0 {
		t.Fatalf("expected dedupe window 0, got %d", cfg.MQTT.DedupeWindowSeconds)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"dash not longer than dot", "timing:\n  dash: 1\n", "dash"},
		{"gaps out of order", "timing:\n  letter_gap: 8\n", "gaps"},
		{"margin too small", "timing:\n  margin: 0.9\n", "margin"},
		{"poll slower than unit", "timing:\n  unit_ms: 20\n  poll_ms: 30\n", "poll"},
		{"unknown key source", "key:\n  source: paddle\n", "key.source"},
		{"remote without host", "key:\n  source: remote\n", "remote_host"},
		{"mqtt without broker", "mqtt:\n  enabled: true\n", "mqtt.broker"},
		{"bad qos", "mqtt:\n  qos: 3\n", "qos"},
		{"practice without phrases", "practice:\n  enabled: true\n", "phrases"},
		{"bad ui mode", "ui:\n  mode: ansi\n", "ui.mode"},
		{"bad transport", "telnet:\n  transport: ssh\n", "transport"},
		{"negative serial baud", "key:\n  source: serial\n  serial_baud: -1\n", "serial_baud"},
		{"relative live path", "live:\n  enabled: true\n  path: ws\n", "live.path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, "app.yaml", tc.text)
			_, err := Load(dir)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "app.yaml", "timing: [unclosed\n")
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadEmptyDirectory(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatalf("expected error for directory without YAML files")
	}
}
