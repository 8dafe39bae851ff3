// Package live streams decoded traffic to browsers over WebSocket.
//
// Every connection receives the most recent messages, then one JSON event
// per decoded token and per completed message. Broadcasts never block: a
// full client queue drops the event for that client only.
package live

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/ojrdude/morsecode/buffer"
	"github.com/ojrdude/morsecode/framer"
	"github.com/ojrdude/morsecode/internal/ratelimit"
	"github.com/ojrdude/morsecode/morse"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultPath         = "/ws"
	defaultClientBuffer = 64
	writeDeadline       = 5 * time.Second
	readLimit           = 512
)

// Event types.
const (
	EventLetter  = "letter"
	EventUnknown = "unknown"
	EventWord    = "word"
	EventEnd     = "end"
	EventMessage = "message"
)

// Event is one JSON frame on the feed.
type Event struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Code      string `json:"code,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
	Completed string `json:"completed,omitempty"` // RFC 3339, messages only
	Unknown   int    `json:"unknown,omitempty"`
}

// Options configures a Server.
type Options struct {
	Addr         string
	Path         string
	ClientBuffer int
	// Replay is how many recent messages a new client receives.
	Replay int
}

type client struct {
	conn    *websocket.Conn
	address string
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Server upgrades HTTP requests on Path and fans events out to every socket.
type Server struct {
	opts     Options
	history  *buffer.Ring
	upgrader websocket.Upgrader
	http     *http.Server
	listener net.Listener

	mu       sync.RWMutex
	clients  map[*client]struct{}
	stopOnce sync.Once

	drops   atomic.Uint64
	dropLog ratelimit.Counter
}

// NewServer creates a server replaying from history, which may be nil.
func NewServer(opts Options, history *buffer.Ring) *Server {
	if opts.Path == "" {
		opts.Path = defaultPath
	}
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = defaultClientBuffer
	}
	if opts.Replay > opts.ClientBuffer {
		opts.Replay = opts.ClientBuffer
	}
	return &Server{
		opts:    opts,
		history: history,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		dropLog: ratelimit.NewCounter(time.Minute),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("live: listen %s: %w", s.opts.Addr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.Path, s.handleWS)
	s.listener = ln
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	log.Printf("Live feed listening on ws://%s%s", ln.Addr(), s.opts.Path)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("live: serve: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("live: upgrade %s: %v", r.RemoteAddr, err)
		return
	}
	c := &client{
		conn:    conn,
		address: r.RemoteAddr,
		send:    make(chan []byte, s.opts.ClientBuffer),
		done:    make(chan struct{}),
	}
	if s.history != nil && s.opts.Replay > 0 {
		for _, m := range s.history.Recent(s.opts.Replay) {
			if data, err := json.Marshal(messageEvent(m)); err == nil {
				c.send <- data
			}
		}
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	total := len(s.clients)
	s.mu.Unlock()
	log.Printf("live: %s connected (total: %d)", c.address, total)

	go s.writeLoop(c)
	s.readLoop(c)

	s.mu.Lock()
	delete(s.clients, c)
	total = len(s.clients)
	s.mu.Unlock()
	c.close()
	log.Printf("live: %s disconnected (total: %d)", c.address, total)
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		}
	}
}

// readLoop discards inbound frames and returns once the peer goes away.
func (s *Server) readLoop(c *client) {
	c.conn.SetReadLimit(readLimit)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ObserveToken has the framer token tap signature. Letter spaces are not sent.
func (s *Server) ObserveToken(tok morse.Token) {
	var ev Event
	switch tok.Kind {
	case morse.Letter:
		ev = Event{Type: EventLetter, Text: tok.Text, Code: tok.Code}
	case morse.UnknownCode:
		ev = Event{Type: EventUnknown, Code: tok.Code}
	case morse.InterWordSpace:
		ev = Event{Type: EventWord}
	case morse.EndOfMessage:
		ev = Event{Type: EventEnd, Code: tok.Code}
	default:
		return
	}
	s.broadcast(ev)
}

// ObserveMessage has the framer listener signature.
func (s *Server) ObserveMessage(m framer.Message) {
	s.broadcast(messageEvent(m))
}

func messageEvent(m framer.Message) Event {
	return Event{Type: EventMessage, Text: m.Text, Seq: m.Seq, Completed: m.Completed.UTC().Format(time.RFC3339Nano), Unknown: m.Unknown}
}

func (s *Server) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("live: encode %s event: %v", ev.Type, err)
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.drops.Add(1)
			if total, ok := s.dropLog.Inc(); ok {
				log.Printf("live: client %s queue full, dropped event (%d drops total)", c.address, total)
			}
		}
	}
}

// ClientCount returns the number of connected sockets.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Drops counts events discarded because a client queue was full.
func (s *Server) Drops() uint64 { return s.drops.Load() }

// Stop closes the listener and every socket.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.http != nil {
			_ = s.http.Close()
		}
		s.mu.RLock()
		for c := range s.clients {
			c.close()
		}
		s.mu.RUnlock()
	})
}
