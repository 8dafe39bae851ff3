// Package config loads the decoder daemon's YAML configuration.
//
// A configuration path is either a single YAML file or a directory whose
// *.yaml files are merged in name order, later files overriding earlier
// keys. Defaults are applied after the merge and the result is validated
// before it is returned.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ojrdude/morsecode/decoder"
	"github.com/ojrdude/morsecode/strutil"

	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration.
type Config struct {
	Timing    TimingConfig    `yaml:"timing"`
	Writer    WriterConfig    `yaml:"writer"`
	Key       KeyConfig       `yaml:"key"`
	CodeTable CodeTableConfig `yaml:"code_table"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telnet    TelnetConfig    `yaml:"telnet"`
	Live      LiveConfig      `yaml:"live"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Stats     StatsConfig     `yaml:"stats"`
	Practice  PracticeConfig  `yaml:"practice"`
	UI        UIConfig        `yaml:"ui"`

	// LoadedFrom is the file or directory the configuration came from.
	LoadedFrom string `yaml:"-"`
}

// TimingConfig sets keying speed. Multiples are in dot units; unit_ms (or
// wpm, when unit_ms is unset) fixes the dot length.
type TimingConfig struct {
	UnitMS     float64 `yaml:"unit_ms"`
	WPM        float64 `yaml:"wpm"`
	Margin     float64 `yaml:"margin"`
	Dot        float64 `yaml:"dot"`
	Dash       float64 `yaml:"dash"`
	SymbolGap  float64 `yaml:"symbol_gap"`
	LetterGap  float64 `yaml:"letter_gap"`
	WordGap    float64 `yaml:"word_gap"`
	MessageGap float64 `yaml:"message_gap"`
	PollMS     float64 `yaml:"poll_ms"`
}

// WriterConfig controls the framer and its output file.
type WriterConfig struct {
	OutputFile string `yaml:"output_file"`
	PollMS     int    `yaml:"poll_ms"`
}

// KeyConfig selects the signal source: "virtual", "gpio", "serial" or
// "remote".
type KeyConfig struct {
	Source       string `yaml:"source"`
	GPIOPin      int    `yaml:"gpio_pin"`
	GPIORoot     string `yaml:"gpio_root"`
	ActiveLow    bool   `yaml:"active_low"`
	SerialDevice string `yaml:"serial_device"`
	SerialBaud   int    `yaml:"serial_baud"`
	RemoteHost   string `yaml:"remote_host"`
	RemotePort   int    `yaml:"remote_port"`
}

// CodeTableConfig optionally replaces the built-in ITU table.
type CodeTableConfig struct {
	File string `yaml:"file"`
}

// LoggingConfig controls the daily log files and console echo.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
	Console       bool   `yaml:"console"`
}

// TelnetConfig controls the operator broadcast server.
type TelnetConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Port           int    `yaml:"port"`
	Transport      string `yaml:"transport"`
	MaxConnections int    `yaml:"max_connections"`
	WelcomeMessage string `yaml:"welcome_message"`
	RecentMessages int    `yaml:"recent_messages"`
	EchoLetters    bool   `yaml:"echo_letters"`
}

// LiveConfig controls the WebSocket feed of letters and messages.
type LiveConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr"`
	Path         string `yaml:"path"`
	ClientBuffer int    `yaml:"client_buffer"`
}

// MQTTConfig controls publishing of completed messages.
type MQTTConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Broker              string `yaml:"broker"`
	Port                int    `yaml:"port"`
	Topic               string `yaml:"topic"`
	ClientID            string `yaml:"client_id"`
	Username            string `yaml:"username"`
	Password            string `yaml:"password"`
	QoS                 int    `yaml:"qos"`
	Retain              bool   `yaml:"retain"`
	QueueSize           int    `yaml:"queue_size"`
	DedupeWindowSeconds int    `yaml:"dedupe_window_seconds"`
}

// ArchiveConfig controls the SQLite message archive.
type ArchiveConfig struct {
	Enabled                bool   `yaml:"enabled"`
	DBPath                 string `yaml:"db_path"`
	QueueSize              int    `yaml:"queue_size"`
	BatchSize              int    `yaml:"batch_size"`
	BatchIntervalMS        int    `yaml:"batch_interval_ms"`
	RetentionDays          int    `yaml:"retention_days"`
	CleanupIntervalSeconds int    `yaml:"cleanup_interval_seconds"`
}

// StatsConfig controls counters, their Pebble store and the periodic line.
type StatsConfig struct {
	Enabled                bool   `yaml:"enabled"`
	DBPath                 string `yaml:"db_path"`
	DisplayIntervalSeconds int    `yaml:"display_interval_seconds"`
	PersistIntervalSeconds int    `yaml:"persist_interval_seconds"`
}

// PracticeConfig lists phrases a student is expected to send.
type PracticeConfig struct {
	Enabled bool     `yaml:"enabled"`
	Phrases []string `yaml:"phrases"`
}

// UIConfig picks the console surface: "headless" or "tview".
type UIConfig struct {
	Mode          string `yaml:"mode"`
	RefreshMS     int    `yaml:"refresh_ms"`
	LetterHistory int    `yaml:"letter_history"`
	MessageLines  int    `yaml:"message_lines"`
}

// Load reads path (a YAML file or a directory of YAML files), applies
// defaults and validates the result.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("config: read directory %s: %w", path, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if ext == ".yaml" || ext == ".yml" {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
		if len(files) == 0 {
			return nil, fmt.Errorf("config: no YAML files in %s", path)
		}
	} else {
		files = []string{path}
	}

	merged := map[string]any{}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", file, err)
		}
		mergeMaps(merged, doc)
	}

	raw, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("config: re-encode merged config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.applyDefaults(merged)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.LoadedFrom = path
	return &cfg, nil
}

// mergeMaps overlays src onto dst, descending into nested mappings.
func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				mergeMaps(existing, sub)
				continue
			}
		}
		dst[k] = v
	}
}

// isSet reports whether section.key appeared in any loaded file, so an
// explicit zero can be told apart from an omitted key.
func isSet(raw map[string]any, section, key string) bool {
	sub, ok := raw[section].(map[string]any)
	if !ok {
		return false
	}
	_, ok = sub[key]
	return ok
}

func (c *Config) applyDefaults(raw map[string]any) {
	def := decoder.DefaultTiming()
	t := &c.Timing
	if t.UnitMS <= 0 {
		if t.WPM > 0 {
			t.UnitMS = float64(decoder.TimingForWPM(t.WPM).Unit) / float64(time.Millisecond)
		} else {
			t.UnitMS = float64(def.Unit) / float64(time.Millisecond)
		}
	}
	if t.Margin == 0 {
		t.Margin = def.Margin
	}
	if t.Dot == 0 {
		t.Dot = def.Dot
	}
	if t.Dash == 0 {
		t.Dash = def.Dash
	}
	if t.SymbolGap == 0 {
		t.SymbolGap = def.SymbolGap
	}
	if t.LetterGap == 0 {
		t.LetterGap = def.LetterGap
	}
	if t.WordGap == 0 {
		t.WordGap = def.WordGap
	}
	if t.MessageGap == 0 {
		t.MessageGap = def.MessageGap
	}
	if t.PollMS == 0 {
		t.PollMS = t.UnitMS / 100
	}

	if strings.TrimSpace(c.Writer.OutputFile) == "" {
		c.Writer.OutputFile = "data/messages/messages.txt"
	}
	if c.Writer.PollMS == 0 {
		c.Writer.PollMS = 50
	}

	c.Key.Source = strutil.NormalizeLower(c.Key.Source)
	if c.Key.Source == "" {
		c.Key.Source = "gpio"
	}
	if !isSet(raw, "key", "gpio_pin") {
		c.Key.GPIOPin = 7
	}
	if c.Key.GPIORoot == "" {
		c.Key.GPIORoot = "/sys/class/gpio"
	}
	if c.Key.SerialDevice == "" {
		c.Key.SerialDevice = "/dev/ttyUSB0"
	}
	if c.Key.SerialBaud == 0 {
		c.Key.SerialBaud = 9600
	}
	if c.Key.RemotePort == 0 {
		c.Key.RemotePort = 7373
	}

	if !isSet(raw, "logging", "enabled") {
		c.Logging.Enabled = true
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "data/logs"
	}
	if !isSet(raw, "logging", "retention_days") {
		c.Logging.RetentionDays = 7
	}

	if c.Telnet.Port == 0 {
		c.Telnet.Port = 7300
	}
	c.Telnet.Transport = strutil.NormalizeLower(c.Telnet.Transport)
	if c.Telnet.Transport == "" {
		c.Telnet.Transport = "native"
	}
	if c.Telnet.MaxConnections == 0 {
		c.Telnet.MaxConnections = 32
	}
	if c.Telnet.WelcomeMessage == "" {
		c.Telnet.WelcomeMessage = "Morse decoder. Type HELP for commands."
	}
	if !isSet(raw, "telnet", "recent_messages") {
		c.Telnet.RecentMessages = 10
	}

	if c.Live.Addr == "" {
		c.Live.Addr = ":7380"
	}
	if c.Live.Path == "" {
		c.Live.Path = "/ws"
	}
	if c.Live.ClientBuffer == 0 {
		c.Live.ClientBuffer = 64
	}

	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "morse/messages"
	}
	if c.MQTT.QueueSize == 0 {
		c.MQTT.QueueSize = 64
	}
	if !isSet(raw, "mqtt", "dedupe_window_seconds") {
		c.MQTT.DedupeWindowSeconds = 30
	}

	if c.Archive.DBPath == "" {
		c.Archive.DBPath = "data/archive/messages.db"
	}
	if c.Archive.QueueSize == 0 {
		c.Archive.QueueSize = 1000
	}
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = 50
	}
	if c.Archive.BatchIntervalMS == 0 {
		c.Archive.BatchIntervalMS = 500
	}
	if !isSet(raw, "archive", "retention_days") {
		c.Archive.RetentionDays = 90
	}
	if c.Archive.CleanupIntervalSeconds == 0 {
		c.Archive.CleanupIntervalSeconds = 3600
	}

	if c.Stats.DBPath == "" {
		c.Stats.DBPath = "data/stats"
	}
	if c.Stats.DisplayIntervalSeconds == 0 {
		c.Stats.DisplayIntervalSeconds = 60
	}
	if c.Stats.PersistIntervalSeconds == 0 {
		c.Stats.PersistIntervalSeconds = 30
	}

	c.UI.Mode = strutil.NormalizeLower(c.UI.Mode)
	if c.UI.Mode == "" {
		c.UI.Mode = "headless"
	}
	if c.UI.RefreshMS == 0 {
		c.UI.RefreshMS = 250
	}
	if c.UI.LetterHistory == 0 {
		c.UI.LetterHistory = 200
	}
	if c.UI.MessageLines == 0 {
		c.UI.MessageLines = 100
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if err := c.DecoderTiming().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Writer.PollMS < 0 {
		return errors.New("config: writer.poll_ms must be >= 0")
	}
	switch c.Key.Source {
	case "virtual", "gpio":
	case "serial":
		if c.Key.SerialBaud < 0 {
			return fmt.Errorf("config: key.serial_baud must be positive, got %d", c.Key.SerialBaud)
		}
	case "remote":
		if strings.TrimSpace(c.Key.RemoteHost) == "" {
			return errors.New("config: key.remote_host is required for the remote key source")
		}
	default:
		return fmt.Errorf("config: unknown key.source %q (want virtual, gpio, serial or remote)", c.Key.Source)
	}
	if c.Key.GPIOPin < 0 {
		return fmt.Errorf("config: key.gpio_pin must be >= 0, got %d", c.Key.GPIOPin)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("config: logging.retention_days must be >= 0")
	}
	if c.Telnet.Port < 0 || c.Telnet.Port > 65535 {
		return fmt.Errorf("config: telnet.port %d out of range", c.Telnet.Port)
	}
	if c.Telnet.Transport != "native" && c.Telnet.Transport != "ziutek" {
		return fmt.Errorf("config: telnet.transport must be native or ziutek, got %q", c.Telnet.Transport)
	}
	if c.Telnet.RecentMessages < 0 {
		return errors.New("config: telnet.recent_messages must be >= 0")
	}
	if c.Live.Enabled && !strings.HasPrefix(c.Live.Path, "/") {
		return fmt.Errorf("config: live.path must start with /, got %q", c.Live.Path)
	}
	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.Broker) == "" {
		return errors.New("config: mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("config: mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.MQTT.DedupeWindowSeconds < 0 {
		return errors.New("config: mqtt.dedupe_window_seconds must be >= 0")
	}
	if c.Archive.RetentionDays < 0 {
		return errors.New("config: archive.retention_days must be >= 0")
	}
	if c.Practice.Enabled && len(c.Practice.Phrases) == 0 {
		return errors.New("config: practice.phrases must not be empty when practice is enabled")
	}
	if c.UI.Mode != "headless" && c.UI.Mode != "tview" {
		return fmt.Errorf("config: ui.mode must be headless or tview, got %q", c.UI.Mode)
	}
	return nil
}

// DecoderTiming converts the timing section for the decoder.
func (c *Config) DecoderTiming() decoder.Timing {
	ms := func(v float64) time.Duration { return time.Duration(v * float64(time.Millisecond)) }
	return decoder.Timing{
		Unit:         ms(c.Timing.UnitMS),
		Margin:       c.Timing.Margin,
		Dot:          c.Timing.Dot,
		Dash:         c.Timing.Dash,
		SymbolGap:    c.Timing.SymbolGap,
		LetterGap:    c.Timing.LetterGap,
		WordGap:      c.Timing.WordGap,
		MessageGap:   c.Timing.MessageGap,
		PollInterval: ms(c.Timing.PollMS),
	}
}

// WriterPollInterval is how often the framer drains the token queue.
func (c *Config) WriterPollInterval() time.Duration {
	return time.Duration(c.Writer.PollMS) * time.Millisecond
}

// Print displays the configuration.
func (c *Config) Print() {
	t := c.DecoderTiming()
	fmt.Printf("Timing: unit %s (%.1f WPM), margin %.2f, poll %s\n", t.Unit, t.WPM(), t.Margin, t.PollInterval)
	th := t.Thresholds()
	fmt.Printf("Thresholds: dash > %s, letter > %s, word > %s, message > %s\n", th.Dash, th.Letter, th.Word, th.Message)
	switch c.Key.Source {
	case "gpio":
		fmt.Printf("Key: gpio pin %d (active_low=%v)\n", c.Key.GPIOPin, c.Key.ActiveLow)
	case "serial":
		fmt.Printf("Key: serial %s at %d baud\n", c.Key.SerialDevice, c.Key.SerialBaud)
	case "remote":
		fmt.Printf("Key: remote %s:%d\n", c.Key.RemoteHost, c.Key.RemotePort)
	default:
		fmt.Printf("Key: %s\n", c.Key.Source)
	}
	fmt.Printf("Output: %s\n", c.Writer.OutputFile)
	if c.CodeTable.File != "" {
		fmt.Printf("Code table: %s\n", c.CodeTable.File)
	}
	if c.Telnet.Enabled {
		fmt.Printf("Telnet: port %d (%s transport, max %d clients)\n", c.Telnet.Port, c.Telnet.Transport, c.Telnet.MaxConnections)
	}
	if c.Live.Enabled {
		fmt.Printf("Live feed: ws://%s%s\n", c.Live.Addr, c.Live.Path)
	}
	if c.MQTT.Enabled {
		fmt.Printf("MQTT: %s:%d (topic: %s)\n", c.MQTT.Broker, c.MQTT.Port, c.MQTT.Topic)
	}
	if c.Archive.Enabled {
		fmt.Printf("Archive: %s (retention %dd)\n", c.Archive.DBPath, c.Archive.RetentionDays)
	}
	if c.Stats.Enabled {
		fmt.Printf("Stats: %s (every %ds)\n", c.Stats.DBPath, c.Stats.DisplayIntervalSeconds)
	}
	if c.Practice.Enabled {
		fmt.Printf("Practice: %d phrases\n", len(c.Practice.Phrases))
	}
}
