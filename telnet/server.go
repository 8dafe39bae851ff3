// Package telnet serves decoded traffic to operators over telnet.
//
// Operators connect, receive a welcome line and the most recent messages,
// then every completed message as it is written. Clients that ask for it
// also see letters as they are decoded.
//
// Architecture:
//   - One goroutine per connection reads commands (handleClient)
//   - One sender goroutine per connection drains that client's line queue
//   - Broadcasts never block: a full client queue drops the line for that
//     client only
//
// Commands: SHOW/LAST [n], ECHO ON|OFF, STATUS, HELP, BYE.
package telnet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ojrdude/morsecode/buffer"
	"github.com/ojrdude/morsecode/framer"
	"github.com/ojrdude/morsecode/internal/ratelimit"
	"github.com/ojrdude/morsecode/morse"
	"github.com/ojrdude/morsecode/strutil"

	ztelnet "github.com/ziutek/telnet"
)

// Telnet protocol IAC (Interpret As Command) bytes.
const (
	IAC  = 255
	DONT = 254
	DO   = 253
	WONT = 252
	WILL = 251
	SB   = 250
	SE   = 240
)

const (
	echoServer = "server"
	echoLocal  = "local"
	echoOff    = "off"
)

const (
	defaultClientBuffer     = 128
	defaultSendDeadline     = 2 * time.Second
	defaultCommandLineLimit = 64
	defaultShowCount        = 5
	transportZiutek         = "ziutek"
)

const helpText = `Commands:
  SHOW/LAST [n]  show the last n messages (default 5)
  ECHO ON|OFF    show letters live as they are decoded
  STATUS         decoder statistics
  HELP           this text
  BYE            disconnect
`

// Options configures a Server.
type Options struct {
	Port int
	// Addr overrides Port when set, e.g. "127.0.0.1:0".
	Addr           string
	Transport      string // "native" or "ziutek"
	EchoMode       string // input echo: "server", "local" or "off"
	SkipHandshake  bool
	MaxConnections int
	WelcomeMessage string
	RecentMessages int
	EchoLetters    bool // default live-letter echo for new clients
	ClientBuffer   int
	// Status renders the STATUS reply; nil disables the command.
	Status func() string
}

// Server accepts operator sessions and fans decoded traffic out to them.
type Server struct {
	opts      Options
	history   *buffer.Ring
	listener  net.Listener
	clients   map[uint64]*Client
	clientsMu sync.RWMutex
	nextID    atomic.Uint64
	shutdown  chan struct{}
	stopOnce  sync.Once

	drops          atomic.Uint64
	senderFailures atomic.Uint64
	dropLog        ratelimit.Counter
}

// NewServer creates a server replaying from history, which may be nil.
func NewServer(opts Options, history *buffer.Ring) *Server {
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = defaultClientBuffer
	}
	opts.Transport = strutil.NormalizeLower(opts.Transport)
	if opts.Transport == "" {
		opts.Transport = "native"
	}
	opts.EchoMode = strutil.NormalizeLower(opts.EchoMode)
	if opts.EchoMode == "" {
		opts.EchoMode = echoServer
	}
	return &Server{
		opts:     opts,
		history:  history,
		clients:  make(map[uint64]*Client),
		shutdown: make(chan struct{}),
		dropLog:  ratelimit.NewCounter(time.Minute),
	}
}

// Start begins listening for telnet connections.
func (s *Server) Start() error {
	addr := s.opts.Addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", s.opts.Port)
	}
	listener, err := listenWithReuse(addr)
	if err != nil {
		return fmt.Errorf("telnet: listen %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("Telnet server listening on %s (%s transport)", listener.Addr(), s.opts.Transport)
	go s.acceptConnections()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// listenWithReuse sets SO_REUSEADDR so a restart can rebind at once, and
// falls back to a plain listener when the socket option is refused.
func listenWithReuse(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) { sockErr = setReuseAddr(fd) }); err != nil {
				return err
			}
			return sockErr
		},
	}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return net.Listen("tcp", addr)
	}
	return listener, nil
}

func (s *Server) acceptConnections() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("telnet: accept: %v", err)
			continue
		}
		if s.opts.MaxConnections > 0 && s.ClientCount() >= s.opts.MaxConnections {
			_, _ = conn.Write([]byte("Server full. Try again later.\r\n"))
			conn.Close()
			log.Printf("telnet: rejected %s: max connections reached (%d)", conn.RemoteAddr(), s.opts.MaxConnections)
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(2 * time.Minute)
		}
		go s.handleClient(conn)
	}
}

func (s *Server) handleClient(conn net.Conn) {
	defer conn.Close()
	address := conn.RemoteAddr().String()

	readerConn, writerConn := net.Conn(conn), net.Conn(conn)
	if s.opts.Transport == transportZiutek {
		tconn, err := ztelnet.NewConn(conn)
		if err != nil {
			log.Printf("telnet: failed to wrap connection from %s: %v", address, err)
			return
		}
		readerConn, writerConn = tconn, tconn
	}
	client := &Client{
		id:        s.nextID.Add(1),
		conn:      conn,
		reader:    bufio.NewReader(readerConn),
		writer:    bufio.NewWriter(writerConn),
		address:   address,
		connected: time.Now().UTC(),
		server:    s,
		lines:     make(chan string, s.opts.ClientBuffer),
		done:      make(chan struct{}),
		echoInput: s.opts.EchoMode == echoServer,
	}
	client.echoLetters.Store(s.opts.EchoLetters)

	s.negotiate(client)
	if msg := strings.TrimSpace(s.opts.WelcomeMessage); msg != "" {
		if err := client.Send(msg + "\n"); err != nil {
			return
		}
	}
	if s.history != nil && s.opts.RecentMessages > 0 {
		for _, m := range s.history.Recent(s.opts.RecentMessages) {
			if err := client.Send(formatMessage(m)); err != nil {
				return
			}
		}
	}

	s.registerClient(client)
	defer s.unregisterClient(client)
	go client.sender()

	for {
		line, err := client.ReadLine(defaultCommandLineLimit)
		if err != nil {
			var inputErr *InputValidationError
			if errors.As(err, &inputErr) {
				_ = client.Send(inputErr.Error() + "\n")
				continue
			}
			return
		}
		reply, quit := s.execute(client, line)
		if reply != "" {
			if err := client.Send(reply); err != nil {
				return
			}
		}
		if quit {
			return
		}
	}
}

// execute runs one command line and reports whether the session should end.
func (s *Server) execute(client *Client, line string) (string, bool) {
	fields := strings.Fields(strings.ToUpper(line))
	if len(fields) == 0 {
		return "", false
	}
	switch fields[0] {
	case "BYE", "QUIT", "EXIT":
		return "73\n", true
	case "HELP", "H":
		return helpText, false
	case "SHOW/LAST", "SH/LAST", "LAST":
		n := defaultShowCount
		if len(fields) > 1 {
			v, err := strconv.Atoi(fields[1])
			if err != nil || v <= 0 {
				return "Usage: SHOW/LAST [n]\n", false
			}
			n = v
		}
		return s.formatRecent(n), false
	case "ECHO":
		if len(fields) != 2 || (fields[1] != "ON" && fields[1] != "OFF") {
			return "Usage: ECHO ON|OFF\n", false
		}
		client.echoLetters.Store(fields[1] == "ON")
		return fmt.Sprintf("Letter echo %s\n", strings.ToLower(fields[1])), false
	case "STATUS":
		if s.opts.Status == nil {
			return "Status not available\n", false
		}
		return strings.TrimRight(s.opts.Status(), "\n") + "\n", false
	default:
		return "Unknown command. Type HELP for usage.\n", false
	}
}

func (s *Server) formatRecent(n int) string {
	if s.history == nil {
		return "No messages yet\n"
	}
	recent := s.history.Recent(n)
	if len(recent) == 0 {
		return "No messages yet\n"
	}
	var b strings.Builder
	for _, m := range recent {
		b.WriteString(formatMessage(m))
	}
	return b.String()
}

func formatMessage(m framer.Message) string {
	return fmt.Sprintf("MSG %d %s: %s\n", m.Seq, m.Completed.UTC().Format("15:04:05Z"), m.Text)
}

func (s *Server) negotiate(client *Client) {
	if s.opts.SkipHandshake {
		return
	}
	sendOption(client.conn, WILL, 3)
	sendOption(client.conn, DO, 3)
	switch s.opts.EchoMode {
	case echoLocal:
		sendOption(client.conn, WONT, 1)
	case echoOff:
		sendOption(client.conn, WONT, 1)
		sendOption(client.conn, DONT, 1)
	default:
		sendOption(client.conn, WILL, 1)
		sendOption(client.conn, DONT, 1)
	}
}

func sendOption(conn net.Conn, command, option byte) {
	if err := conn.SetWriteDeadline(time.Now().Add(defaultSendDeadline)); err != nil {
		return
	}
	_, _ = conn.Write([]byte{IAC, command, option})
	_ = conn.SetWriteDeadline(time.Time{})
}

// BroadcastMessage queues a completed message for every client. It has the
// framer listener signature.
func (s *Server) BroadcastMessage(m framer.Message) {
	s.broadcast(formatMessage(m), false)
}

// BroadcastToken echoes a decoded token to clients with letter echo on. It
// has the framer token tap signature.
func (s *Server) BroadcastToken(tok morse.Token) {
	var text string
	switch tok.Kind {
	case morse.Letter, morse.UnknownCode:
		text = tok.Wire()
	case morse.InterWordSpace:
		text = " "
	case morse.EndOfMessage:
		text = " <" + morse.EndOfMessageText + ">\n"
	default:
		return
	}
	s.broadcast(text, true)
}

func (s *Server) broadcast(line string, lettersOnly bool) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, c := range s.clients {
		if lettersOnly && !c.echoLetters.Load() {
			continue
		}
		select {
		case c.lines <- line:
		default:
			s.drops.Add(1)
			if total, ok := s.dropLog.Inc(); ok {
				log.Printf("telnet: client %s queue full, dropped output (%d drops total)", c.address, total)
			}
		}
	}
}

func (s *Server) registerClient(c *Client) {
	s.clientsMu.Lock()
	s.clients[c.id] = c
	total := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("telnet: %s connected (total: %d)", c.address, total)
}

func (s *Server) unregisterClient(c *Client) {
	s.clientsMu.Lock()
	delete(s.clients, c.id)
	total := len(s.clients)
	s.clientsMu.Unlock()
	c.close()
	log.Printf("telnet: %s disconnected after %s (total: %d)", c.address, time.Since(c.connected).Round(time.Second), total)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Drops counts lines discarded because a client queue was full.
func (s *Server) Drops() uint64 { return s.drops.Load() }

// SenderFailures counts sessions closed by a failed write.
func (s *Server) SenderFailures() uint64 { return s.senderFailures.Load() }

// Stop closes the listener and every session.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		log.Println("Stopping telnet server...")
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}
		s.clientsMu.RLock()
		for _, c := range s.clients {
			c.conn.Close()
		}
		s.clientsMu.RUnlock()
	})
}
