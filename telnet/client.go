package telnet

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Client is one operator session.
type Client struct {
	id        uint64
	conn      net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	writeMu   sync.Mutex
	address   string
	connected time.Time
	server    *Server

	lines     chan string // broadcast output, drained by sender
	done      chan struct{}
	closeOnce sync.Once

	echoInput   bool        // echo typed characters back
	echoLetters atomic.Bool // live decoded letters
	skipNextEOL bool        // swallow LF/NUL after CR (RFC 854)
}

// InputValidationError is a rejected command line; the session stays open.
type InputValidationError struct {
	reason string
}

func (e *InputValidationError) Error() string { return e.reason }

func (c *Client) sender() {
	for {
		select {
		case <-c.done:
			return
		case line := <-c.lines:
			if err := c.Send(line); err != nil {
				failures := uint64(0)
				if c.server != nil {
					failures = c.server.senderFailures.Add(1)
				}
				log.Printf("telnet: %s disconnecting: write failure: %v (total sender failures=%d)", c.address, err, failures)
				// Closing the connection ends the read loop, which unregisters.
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Send writes message with CRLF line endings under a write deadline.
func (c *Client) Send(message string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn != nil {
		if err := c.conn.SetWriteDeadline(time.Now().Add(defaultSendDeadline)); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	message = strings.ReplaceAll(message, "\r\n", "\n")
	message = strings.ReplaceAll(message, "\n", "\r\n")
	if _, err := c.writer.WriteString(message); err != nil {
		return err
	}
	return c.writer.Flush()
}

// ReadLine reads one command line of at most maxLen bytes. Telnet IAC
// sequences are discarded. BS/DEL erase a byte and Ctrl+U the whole line.
// Only letters, digits, space and '/' are accepted; letters are upper-cased.
func (c *Client) ReadLine(maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = defaultCommandLineLimit
	}
	var line []byte
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return "", err
		}
		if c.skipNextEOL {
			c.skipNextEOL = false
			if b == '\n' || b == 0x00 {
				continue
			}
		}
		if b == IAC {
			if err := c.consumeIACSequence(); err != nil {
				return "", err
			}
			continue
		}
		if b == '\r' || b == '\n' {
			c.skipNextEOL = b == '\r'
			if err := c.echo("\r\n"); err != nil {
				return "", err
			}
			return string(line), nil
		}
		switch b {
		case 0x08, 0x7f:
			if len(line) > 0 {
				line = line[:len(line)-1]
				if err := c.echo("\b \b"); err != nil {
					return "", err
				}
			}
			continue
		case 0x15:
			if len(line) > 0 {
				if err := c.echo(strings.Repeat("\b \b", len(line))); err != nil {
					return "", err
				}
				line = line[:0]
			}
			continue
		}
		if len(line) >= maxLen {
			c.discardLine()
			return "", &InputValidationError{reason: fmt.Sprintf("Input too long (max %d characters)", maxLen)}
		}
		if !isAllowedInputByte(b) {
			c.discardLine()
			return "", &InputValidationError{reason: fmt.Sprintf("Invalid character 0x%02X; use letters, digits, space and /", b)}
		}
		if b >= 'a' && b <= 'z' {
			b -= 'a' - 'A'
		}
		if err := c.echo(string(b)); err != nil {
			return "", err
		}
		line = append(line, b)
	}
}

// discardLine drops the rest of a rejected line so its tail is not read as
// a fresh command.
func (c *Client) discardLine() {
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return
		}
		if b == '\r' || b == '\n' {
			c.skipNextEOL = b == '\r'
			return
		}
	}
}

func (c *Client) echo(s string) error {
	if !c.echoInput {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.WriteString(s); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Client) consumeIACSequence() error {
	cmd, err := c.reader.ReadByte()
	if err != nil {
		return err
	}
	switch cmd {
	case DO, DONT, WILL, WONT:
		_, err = c.reader.ReadByte()
		return err
	case SB:
		for {
			b, err := c.reader.ReadByte()
			if err != nil {
				return err
			}
			if b != IAC {
				continue
			}
			next, err := c.reader.ReadByte()
			if err != nil {
				return err
			}
			if next == SE {
				return nil
			}
		}
	default:
		// Escaped 0xFF or a single-byte command.
		return nil
	}
}

func isAllowedInputByte(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9':
		return true
	case b == ' ', b == '/':
		return true
	}
	return false
}
