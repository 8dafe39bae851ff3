package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ojrdude/morsecode/config"
	"github.com/ojrdude/morsecode/framer"
	"github.com/ojrdude/morsecode/morse"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// uiSurface is the console surface the daemon writes to when one is active.
type uiSurface interface {
	WaitReady()
	Stop()
	SetStats(lines []string)
	ObserveToken(tok morse.Token)
	AppendMessage(m framer.Message)
	SystemWriter() io.Writer
}

// dashboard renders stats, the live letter stream, recent messages and the
// system log. Letters are batched and redrawn every refresh interval.
type dashboard struct {
	app         *tview.Application
	statsView   *tview.TextView
	letterView  *tview.TextView
	messageView *tview.TextView
	systemView  *tview.TextView

	letterMu    sync.Mutex
	letters     []rune
	letterLimit int
	letterDirty bool

	messageMu    sync.Mutex
	messageLines []string
	messageLimit int

	events  chan string
	closed  atomic.Bool
	ready   chan struct{}
	stop    chan struct{}
	refresh time.Duration
}

func newDashboard(cfg config.UIConfig) *dashboard {
	makePane := func(title string) *tview.TextView {
		tv := tview.NewTextView().
			SetDynamicColors(true).
			SetWrap(false)
		tv.SetBorder(true)
		tv.SetTitle(" " + title + " ").SetTitleAlign(tview.AlignLeft)
		return tv
	}

	stats := makePane("Stats")
	stats.SetTextColor(tcell.ColorYellow)
	letters := makePane("Live")
	letters.SetWrap(true)
	letters.SetTextColor(tcell.ColorGreen)
	messages := makePane("Messages")
	system := makePane("System")
	system.SetTextColor(tcell.ColorYellow)

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(stats, 9, 0, false).
		AddItem(letters, 5, 0, false).
		AddItem(messages, 0, 2, false).
		AddItem(system, 0, 1, false)

	app := tview.NewApplication().SetRoot(layout, true).EnableMouse(false)
	ready := make(chan struct{})
	var once sync.Once
	app.SetBeforeDrawFunc(func(screen tcell.Screen) bool {
		once.Do(func() { close(ready) })
		return false
	})

	refresh := time.Duration(cfg.RefreshMS) * time.Millisecond
	if refresh <= 0 {
		refresh = 250 * time.Millisecond
	}
	d := &dashboard{
		app:          app,
		statsView:    stats,
		letterView:   letters,
		messageView:  messages,
		systemView:   system,
		letterLimit:  max(cfg.LetterHistory, 1),
		messageLimit: max(cfg.MessageLines, 1),
		events:       make(chan string, 256),
		ready:        ready,
		stop:         make(chan struct{}),
		refresh:      refresh,
	}

	go d.runMessageLoop()
	go d.runLetterRefresh()

	go func() {
		if err := app.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "dashboard error: %v\n", err)
		}
	}()

	return d
}

func (d *dashboard) Stop() {
	if d == nil || !d.closed.CompareAndSwap(false, true) {
		return
	}
	close(d.stop)
	close(d.events)
	d.app.Stop()
}

func (d *dashboard) WaitReady() {
	if d == nil || d.ready == nil {
		return
	}
	<-d.ready
}

func (d *dashboard) SetStats(lines []string) {
	if d == nil || d.closed.Load() {
		return
	}
	text := strings.Join(lines, "\n")
	d.app.QueueUpdateDraw(func() {
		d.statsView.SetText(text)
	})
}

// ObserveToken appends a token's wire text to the live pane. It runs on the
// framer goroutine, so it only touches the letter buffer.
func (d *dashboard) ObserveToken(tok morse.Token) {
	if d == nil || d.closed.Load() {
		return
	}
	text := tok.Wire()
	if tok.Kind == morse.EndOfMessage {
		text = " <AR> "
	}
	d.letterMu.Lock()
	d.letters = appendBounded(d.letters, []rune(text), d.letterLimit)
	d.letterDirty = true
	d.letterMu.Unlock()
}

func (d *dashboard) AppendMessage(m framer.Message) {
	if d == nil || d.closed.Load() {
		return
	}
	line := fmt.Sprintf("%s #%d %s", m.Completed.UTC().Format("15:04:05"), m.Seq, m.Text)
	select {
	case d.events <- line:
	default:
		// UI is behind; the message is still in the output file.
	}
}

func (d *dashboard) SystemWriter() io.Writer {
	if d == nil {
		return io.Discard
	}
	return &paneWriter{view: d.systemView, app: d.app}
}

type paneWriter struct {
	view *tview.TextView
	app  *tview.Application
}

func (w *paneWriter) Write(p []byte) (int, error) {
	if w == nil || w.view == nil {
		return len(p), nil
	}
	text := string(p)
	if w.app == nil {
		fmt.Fprint(w.view, text)
		return len(p), nil
	}
	w.app.QueueUpdateDraw(func() {
		fmt.Fprint(w.view, text)
		w.view.ScrollToEnd()
	})
	return len(p), nil
}

func (d *dashboard) runMessageLoop() {
	for line := range d.events {
		d.messageMu.Lock()
		d.messageLines = append(d.messageLines, line)
		if len(d.messageLines) > d.messageLimit {
			d.messageLines = d.messageLines[len(d.messageLines)-d.messageLimit:]
		}
		text := strings.Join(d.messageLines, "\n")
		d.messageMu.Unlock()

		d.app.QueueUpdateDraw(func() {
			d.messageView.SetText(text)
			d.messageView.ScrollToEnd()
		})
	}
}

func (d *dashboard) runLetterRefresh() {
	ticker := time.NewTicker(d.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.letterMu.Lock()
			if !d.letterDirty {
				d.letterMu.Unlock()
				continue
			}
			text := string(d.letters)
			d.letterDirty = false
			d.letterMu.Unlock()
			d.app.QueueUpdateDraw(func() {
				d.letterView.SetText(text)
				d.letterView.ScrollToEnd()
			})
		}
	}
}

// appendBounded appends add to buf and keeps only the last limit runes.
func appendBounded(buf, add []rune, limit int) []rune {
	buf = append(buf, add...)
	if over := len(buf) - limit; over > 0 {
		buf = append(buf[:0], buf[over:]...)
	}
	return buf
}
