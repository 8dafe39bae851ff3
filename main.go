// Program morsecode decodes a hand-keyed Morse signal into text. A polling
// decoder turns key levels into letter and spacing tokens, a framer groups
// them into messages ended by the AR prosign, and finished messages are
// appended to a file and fanned out to telnet operators, a WebSocket feed,
// MQTT, a SQLite archive, the statistics store and the practice scorer.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ojrdude/morsecode/archive"
	"github.com/ojrdude/morsecode/buffer"
	"github.com/ojrdude/morsecode/config"
	"github.com/ojrdude/morsecode/decoder"
	"github.com/ojrdude/morsecode/framer"
	"github.com/ojrdude/morsecode/key"
	"github.com/ojrdude/morsecode/live"
	"github.com/ojrdude/morsecode/morse"
	"github.com/ojrdude/morsecode/practice"
	"github.com/ojrdude/morsecode/publish"
	"github.com/ojrdude/morsecode/queue"
	"github.com/ojrdude/morsecode/sink"
	"github.com/ojrdude/morsecode/stats"
	"github.com/ojrdude/morsecode/strutil"
	"github.com/ojrdude/morsecode/telnet"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

const (
	defaultConfigPath = "data/config"
	envConfigPath     = "MORSE_CONFIG_PATH"

	// historyCapacity bounds the ring SHOW/LAST reads from.
	historyCapacity = 100
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Purpose: Load configuration from env/default locations.
// Key aspects: Tries MORSE_CONFIG_PATH first, then the default config dir;
// only a missing path falls through to the next candidate.
// Upstream: main startup.
// Downstream: config.Load and os.IsNotExist.
func loadConfig() (*config.Config, string, error) {
	candidates := make([]string, 0, 2)
	if envPath := strings.TrimSpace(os.Getenv(envConfigPath)); envPath != "" {
		candidates = append(candidates, envPath)
	}
	candidates = append(candidates, defaultConfigPath)

	var lastErr error
	for _, path := range candidates {
		cfg, err := config.Load(path)
		if err != nil {
			if os.IsNotExist(err) {
				lastErr = err
				continue
			}
			return nil, path, err
		}
		return cfg, cfg.LoadedFrom, nil
	}
	return nil, "", fmt.Errorf("unable to load config; tried %s (last error: %v)", strings.Join(candidates, ", "), lastErr)
}

// loadCodeTable returns the configured table file, or the built-in table.
func loadCodeTable(cfg config.CodeTableConfig) (*morse.Table, string, error) {
	path := strings.TrimSpace(cfg.File)
	if path == "" {
		return morse.DefaultTable(), "built-in", nil
	}
	table, err := morse.LoadTable(path)
	if err != nil {
		return nil, path, err
	}
	return table, path, nil
}

// keySource is an opened key plus the cleanup it needs at shutdown.
type keySource struct {
	source key.Source
	desc   string
	remote *key.Remote
	serial *key.Serial
	close  func() error
}

// Purpose: Open the configured key source.
// Key aspects: The remote keyer and the serial port reconnect in their own
// goroutines until ctx ends; Level never blocks for any source.
// Upstream: main startup.
// Downstream: key.OpenGPIO, key.NewSerial, key.NewRemote.
func openKeySource(ctx context.Context, cfg config.KeyConfig) (*keySource, error) {
	switch strutil.NormalizeLower(cfg.Source) {
	case "virtual":
		return &keySource{source: &key.Virtual{}, desc: "virtual key", close: func() error { return nil }}, nil
	case "gpio":
		g, err := key.OpenGPIO(cfg.GPIORoot, cfg.GPIOPin, cfg.ActiveLow)
		if err != nil {
			return nil, err
		}
		desc := fmt.Sprintf("gpio pin %d", cfg.GPIOPin)
		if cfg.ActiveLow {
			desc += " (active low)"
		}
		return &keySource{source: g, desc: desc, close: g.Close}, nil
	case "serial":
		sp := key.NewSerial(cfg.SerialDevice, cfg.SerialBaud)
		go func() {
			if err := sp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("Serial key stopped: %v", err)
			}
		}()
		return &keySource{
			source: sp,
			desc:   fmt.Sprintf("serial %s at %d baud", cfg.SerialDevice, cfg.SerialBaud),
			serial: sp,
			close:  func() error { return nil },
		}, nil
	case "remote":
		r := key.NewRemote(cfg.RemoteHost, cfg.RemotePort, key.RemoteOptions{})
		// Purpose: Keep the remote keyer session alive.
		// Key aspects: Returns only when ctx is cancelled.
		// Upstream: openKeySource.
		// Downstream: key.Remote.Run.
		go func() {
			if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("Remote key stopped: %v", err)
			}
		}()
		return &keySource{
			source: r,
			desc:   fmt.Sprintf("remote keyer %s:%d", cfg.RemoteHost, cfg.RemotePort),
			remote: r,
			close:  func() error { return nil },
		}, nil
	default:
		return nil, fmt.Errorf("unknown key source %q", cfg.Source)
	}
}

// services holds the optional outputs fed by the framer.
type services struct {
	history   *buffer.Ring
	telnet    *telnet.Server
	live      *live.Server
	publisher *publish.Publisher
	archive   *archive.Writer
	tracker   *stats.Tracker
	store     *stats.Store
	scorer    *practice.Scorer
}

func newServices(cfg *config.Config) *services {
	return &services{
		history: buffer.NewRing(max(historyCapacity, cfg.Telnet.RecentMessages)),
		tracker: stats.NewTracker(),
	}
}

// Purpose: Start every enabled output and register it on the framer.
// Key aspects: Failures in optional outputs are logged and the output is
// skipped; the decoder keeps running without it.
// Upstream: main startup.
// Downstream: telnet.NewServer, live.NewServer, publish.Connect, archive.NewWriter,
// stats.OpenStore, practice.NewScorer.
func (svc *services) start(cfg *config.Config, table *morse.Table, fr *framer.Framer, status func() string) {
	fr.OnMessage(svc.history.Add)
	fr.OnToken(svc.tracker.ObserveToken)
	fr.OnMessage(svc.tracker.ObserveMessage)

	if cfg.Stats.Enabled {
		store, err := stats.OpenStore(cfg.Stats.DBPath)
		if err != nil {
			log.Printf("Warning: stats store unavailable: %v", err)
		} else {
			svc.store = store
			if snap, err := store.Load(); err != nil {
				log.Printf("Warning: unable to restore stats: %v", err)
			} else {
				svc.tracker.Restore(snap)
				log.Printf("Stats restored from %s (%s letters, %s messages)",
					cfg.Stats.DBPath, humanize.Comma(int64(snap.Letters)), humanize.Comma(int64(snap.Messages)))
			}
		}
	}

	if cfg.Telnet.Enabled {
		srv := telnet.NewServer(telnet.Options{
			Port:           cfg.Telnet.Port,
			Transport:      cfg.Telnet.Transport,
			MaxConnections: cfg.Telnet.MaxConnections,
			WelcomeMessage: cfg.Telnet.WelcomeMessage,
			RecentMessages: cfg.Telnet.RecentMessages,
			EchoLetters:    cfg.Telnet.EchoLetters,
			Status:         status,
		}, svc.history)
		if err := srv.Start(); err != nil {
			log.Printf("Warning: telnet server disabled: %v", err)
		} else {
			svc.telnet = srv
			fr.OnMessage(srv.BroadcastMessage)
			fr.OnToken(srv.BroadcastToken)
		}
	}

	if cfg.Live.Enabled {
		srv := live.NewServer(live.Options{
			Addr:         cfg.Live.Addr,
			Path:         cfg.Live.Path,
			ClientBuffer: cfg.Live.ClientBuffer,
			Replay:       cfg.Telnet.RecentMessages,
		}, svc.history)
		if err := srv.Start(); err != nil {
			log.Printf("Warning: live feed disabled: %v", err)
		} else {
			svc.live = srv
			fr.OnMessage(srv.ObserveMessage)
			fr.OnToken(srv.ObserveToken)
		}
	}

	if cfg.MQTT.Enabled {
		pub, err := publish.Connect(publish.Options{
			Broker:       cfg.MQTT.Broker,
			Port:         cfg.MQTT.Port,
			ClientID:     cfg.MQTT.ClientID,
			Username:     cfg.MQTT.Username,
			Password:     cfg.MQTT.Password,
			Topic:        cfg.MQTT.Topic,
			QoS:          byte(cfg.MQTT.QoS),
			Retain:       cfg.MQTT.Retain,
			QueueSize:    cfg.MQTT.QueueSize,
			DedupeWindow: time.Duration(cfg.MQTT.DedupeWindowSeconds) * time.Second,
		})
		if err != nil {
			log.Printf("Warning: MQTT publishing disabled: %v", err)
		} else {
			svc.publisher = pub
			fr.OnMessage(pub.Publish)
		}
	}

	if cfg.Archive.Enabled {
		w, err := archive.NewWriter(cfg.Archive)
		if err != nil {
			log.Printf("Warning: message archive disabled: %v", err)
		} else {
			w.Start()
			svc.archive = w
			fr.OnMessage(w.Enqueue)
			log.Printf("Archiving messages to %s", cfg.Archive.DBPath)
		}
	}

	if cfg.Practice.Enabled {
		scorer, err := practice.NewScorer(cfg.Practice.Phrases, table)
		if err != nil {
			log.Printf("Warning: practice scoring disabled: %v", err)
		} else {
			svc.scorer = scorer
			fr.OnMessage(scorer.Observe)
			log.Printf("Practice scoring against %d phrases", len(scorer.Phrases()))
		}
	}
}

// Purpose: Stop outputs in reverse dependency order and persist stats.
// Key aspects: Runs after the decoder and framer have returned, so no
// listener fires during shutdown.
// Upstream: main shutdown.
// Downstream: Stop/Close on each service.
func (s *services) stop() {
	if s.telnet != nil {
		s.telnet.Stop()
	}
	if s.live != nil {
		s.live.Stop()
	}
	if s.publisher != nil {
		s.publisher.Stop()
		published, dupes, dropped, failed := s.publisher.Stats()
		log.Printf("MQTT: %d published, %d duplicates, %d dropped, %d failed", published, dupes, dropped, failed)
	}
	if s.archive != nil {
		s.archive.Stop()
	}
	if s.store != nil {
		if err := s.store.Save(s.tracker.Snapshot()); err != nil {
			log.Printf("Warning: final stats save failed: %v", err)
		}
		if err := s.store.Close(); err != nil {
			log.Printf("Warning: stats store close: %v", err)
		}
	}
	if s.scorer != nil {
		if attempts, exact, mean := s.scorer.Summary(); attempts > 0 {
			log.Printf("Practice: %d attempts, %d exact, %.1f%% mean accuracy", attempts, exact, mean)
		}
	}
}

// Purpose: Periodically save tracker counters to the stats store.
// Key aspects: Save failures are logged and retried on the next tick.
// Upstream: main startup when stats are enabled.
// Downstream: stats.Store.Save.
func persistStats(ctx context.Context, interval time.Duration, store *stats.Store, tracker *stats.Tracker) {
	if store == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Save(tracker.Snapshot()); err != nil {
				log.Printf("Warning: stats save failed: %v", err)
			}
		}
	}
}

// pipelineLine summarises decoder, framer and output health.
func pipelineLine(dec *decoder.Decoder, fr *framer.Framer, q *queue.Queue[morse.Token], ks *keySource, svc *services) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Key: %s | decoder %s", ks.desc, dec.State())
	if pending := dec.Pending(); pending != "" {
		fmt.Fprintf(&b, " [%s]", pending)
	}
	fmt.Fprintf(&b, " | queue %d | written %s, skipped %d, write errors %d",
		q.Len(), humanize.Comma(int64(fr.Messages())), fr.Skipped(), fr.WriteFailures())
	if ks.remote != nil {
		state := "down"
		if ks.remote.Connected() {
			state = "up"
		}
		fmt.Fprintf(&b, " | remote %s (%d reconnects)", state, ks.remote.Reconnects())
	}
	if ks.serial != nil {
		state := "closed"
		if ks.serial.Connected() {
			state = "open"
		}
		fmt.Fprintf(&b, " | serial %s (%d reopens)", state, ks.serial.Reopens())
	}
	if svc.telnet != nil {
		fmt.Fprintf(&b, " | telnet %d clients", svc.telnet.ClientCount())
	}
	if svc.live != nil {
		fmt.Fprintf(&b, " | live %d sockets (%d drops)", svc.live.ClientCount(), svc.live.Drops())
	}
	if svc.archive != nil {
		inserted, dropped, _ := svc.archive.Stats()
		fmt.Fprintf(&b, " | archived %d (%d dropped)", inserted, dropped)
	}
	return b.String()
}

func main() {
	cfg, configSource, err := loadConfig()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	fanout, logErr := setupLogging(cfg.Logging, os.Stdout)
	log.SetFlags(0)
	log.SetOutput(fanout)
	defer fanout.Close()
	if logErr != nil {
		log.Printf("Warning: file logging disabled: %v", logErr)
	}
	log.Printf("Loaded configuration from %s", configSource)

	uiMode := strutil.NormalizeLower(cfg.UI.Mode)
	var ui uiSurface
	switch uiMode {
	case "headless":
	case "tview":
		if !isStdoutTTY() {
			log.Printf("UI disabled (tview requires an interactive console)")
		} else {
			ui = newDashboard(cfg.UI)
		}
	default:
		log.Printf("UI mode %q not recognized; defaulting to headless", uiMode)
	}
	if ui != nil {
		ui.WaitReady()
		fanout.SetConsoleSink(ui.SystemWriter(), true)
		ui.SetStats([]string{"Initializing..."})
	} else {
		cfg.Print()
	}

	log.Printf("Morse decoder v%s starting...", Version)

	table, tableSource, err := loadCodeTable(cfg.CodeTable)
	if err != nil {
		log.Fatalf("Error loading code table: %v", err)
	}
	log.Printf("Code table: %d codes (%s)", table.Len(), tableSource)

	out, err := sink.OpenFile(cfg.Writer.OutputFile)
	if err != nil {
		log.Fatalf("Error opening output file: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ks, err := openKeySource(ctx, cfg.Key)
	if err != nil {
		log.Fatalf("Error opening key source: %v", err)
	}
	log.Printf("Key source: %s", ks.desc)

	tokens := queue.New[morse.Token]()
	dec, err := decoder.New(ks.source, table, tokens, cfg.DecoderTiming(), decoder.Options{})
	if err != nil {
		log.Fatalf("Error creating decoder: %v", err)
	}
	fr := framer.New(tokens, out, framer.Options{PollInterval: cfg.WriterPollInterval()})

	svc := newServices(cfg)
	svc.start(cfg, table, fr, func() string {
		lines := append(svc.tracker.SnapshotLines(), pipelineLine(dec, fr, tokens, ks, svc))
		return strings.Join(lines, "\n")
	})
	if ui != nil {
		fr.OnToken(ui.ObserveToken)
		fr.OnMessage(ui.AppendMessage)
	}

	fanout.SetRolloverHook(func(prevDate time.Time, prevPath, newPath string) {
		log.Printf("Log rolled over from %s; totals at end of %s:", prevPath, prevDate.Format("2006-01-02"))
		for _, line := range svc.tracker.SnapshotLines() {
			log.Print(line)
		}
	})

	var wg sync.WaitGroup
	wg.Add(2)
	// Purpose: Poll the key and emit tokens.
	// Key aspects: Sole producer on the token queue.
	// Upstream: main startup.
	// Downstream: decoder.Run.
	go func() {
		defer wg.Done()
		_ = dec.Run(ctx)
	}()
	// Purpose: Drain tokens into messages and outputs.
	// Key aspects: Sole consumer; listeners run on this goroutine.
	// Upstream: main startup.
	// Downstream: framer.Run.
	go func() {
		defer wg.Done()
		_ = fr.Run(ctx)
	}()

	if svc.store != nil {
		go persistStats(ctx, time.Duration(cfg.Stats.PersistIntervalSeconds)*time.Second, svc.store, svc.tracker)
	}
	if cfg.Stats.Enabled {
		// Purpose: Periodically emit stats to UI or logs.
		// Key aspects: With a dashboard the lines also go to the log file.
		// Upstream: main startup.
		// Downstream: stats.Tracker.RunPeriodic.
		go svc.tracker.RunPeriodic(ctx, time.Duration(cfg.Stats.DisplayIntervalSeconds)*time.Second, func(lines []string) {
			lines = append(lines, pipelineLine(dec, fr, tokens, ks, svc))
			if ui != nil {
				ui.SetStats(lines)
				now := time.Now().UTC()
				for _, line := range lines {
					fanout.WriteFileOnlyLine(line, now)
				}
				return
			}
			for _, line := range lines {
				log.Print(line)
			}
		})
	}

	log.Println("Decoder is running. Press Ctrl+C to stop.")
	log.Printf("Messages are appended to %s", out.Path())
	if svc.telnet != nil {
		log.Printf("Connect via: telnet localhost %d", cfg.Telnet.Port)
	}

	<-ctx.Done()
	log.Println("Shutting down gracefully...")
	wg.Wait()

	svc.stop()
	if err := out.Close(); err != nil {
		log.Printf("Warning: output file close: %v", err)
	}
	if err := ks.close(); err != nil {
		log.Printf("Warning: key source close: %v", err)
	}
	if ui != nil {
		ui.Stop()
		if cfg.Logging.Console || !cfg.Logging.Enabled {
			fanout.SetConsoleSink(os.Stdout, true)
		} else {
			fanout.SetConsoleSink(nil, false)
		}
	}
	log.Printf("Decoder stopped after %s messages", humanize.Comma(int64(fr.Messages())))
}
