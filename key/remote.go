package key

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	ztelnet "github.com/ziutek/telnet"
)

// Remote follows a keyer on the other end of a telnet session. The peer
// sends '1' when the key goes down and '0' when it comes up; other bytes
// are ignored. The level drops to released whenever the link is lost.
type Remote struct {
	addr         string
	dialTimeout  time.Duration
	idleTimeout  time.Duration
	initialDelay time.Duration
	maxDelay     time.Duration

	state      byteLevel
	connected  atomic.Bool
	reconnects atomic.Uint64
}

// RemoteOptions tune reconnect behaviour. Zero values take defaults.
type RemoteOptions struct {
	DialTimeout  time.Duration
	IdleTimeout  time.Duration
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func NewRemote(host string, port int, opts RemoteOptions) *Remote {
	r := &Remote{
		addr:         net.JoinHostPort(host, strconv.Itoa(port)),
		dialTimeout:  opts.DialTimeout,
		idleTimeout:  opts.IdleTimeout,
		initialDelay: opts.InitialDelay,
		maxDelay:     opts.MaxDelay,
	}
	if r.dialTimeout <= 0 {
		r.dialTimeout = 10 * time.Second
	}
	if r.idleTimeout <= 0 {
		r.idleTimeout = 5 * time.Minute
	}
	if r.initialDelay <= 0 {
		r.initialDelay = 2 * time.Second
	}
	if r.maxDelay <= 0 {
		r.maxDelay = 60 * time.Second
	}
	return r
}

func (r *Remote) Level() bool { return r.state.Level() }

func (r *Remote) Connected() bool { return r.connected.Load() }

// Transitions counts level changes received from the peer.
func (r *Remote) Transitions() uint64 { return r.state.Transitions() }

// Reconnects counts sessions that ended and were retried.
func (r *Remote) Reconnects() uint64 { return r.reconnects.Load() }

// Run keeps a session open until ctx is cancelled, retrying with
// exponential backoff after each failure.
func (r *Remote) Run(ctx context.Context) error {
	delay := r.initialDelay
	for {
		connected, err := r.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			delay = r.initialDelay
		}
		r.reconnects.Add(1)
		log.Printf("key: remote %s: %v (retry in %s)", r.addr, err, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > r.maxDelay {
			delay = r.maxDelay
		}
	}
}

// session reports whether it got as far as connecting.
func (r *Remote) session(ctx context.Context) (bool, error) {
	conn, err := ztelnet.DialTimeout("tcp", r.addr, r.dialTimeout)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	r.connected.Store(true)
	log.Printf("key: remote %s: connected", r.addr)
	defer func() {
		r.connected.Store(false)
		r.state.release()
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		conn.SetReadDeadline(time.Now().Add(r.idleTimeout))
		b, err := conn.ReadByte()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("read: %w", err)
		}
		r.state.apply(b)
	}
}
