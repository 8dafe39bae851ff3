// Package publish sends completed messages to an MQTT broker as JSON.
//
// Publishing happens on its own goroutine behind a bounded queue, so a slow
// or unreachable broker never stalls the framer. Identical message text
// seen again within the dedupe window is suppressed.
package publish

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ojrdude/morsecode/framer"
	"github.com/ojrdude/morsecode/internal/ratelimit"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const publishTimeout = 5 * time.Second

// Client is the part of mqtt.Client the publisher uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Options configures a Publisher.
type Options struct {
	Broker       string
	Port         int
	ClientID     string
	Username     string
	Password     string
	Topic        string
	QoS          byte
	Retain       bool
	QueueSize    int
	DedupeWindow time.Duration
	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Payload is the JSON document published per message.
type Payload struct {
	Seq       uint64 `json:"seq"`
	Text      string `json:"text"`
	Completed string `json:"completed"`
	Unknown   int    `json:"unknown"`
	Digest    string `json:"digest"`
}

// Publisher forwards messages to a broker.
type Publisher struct {
	client Client
	opts   Options
	queue  chan framer.Message
	recent map[uint64]time.Time
	done   chan struct{}
	wg     sync.WaitGroup
	stop   sync.Once

	published  atomic.Uint64
	duplicates atomic.Uint64
	dropped    atomic.Uint64
	failures   atomic.Uint64
	dropLog    ratelimit.Counter
	failLog    ratelimit.Counter
}

// Connect dials the broker with auto-reconnect and returns a started
// Publisher.
func Connect(opts Options) (*Publisher, error) {
	co := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", opts.Broker, opts.Port)
	co.AddBroker(brokerURL)
	co.SetClientID(clientID(opts.ClientID))
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetKeepAlive(60 * time.Second)
	co.SetPingTimeout(10 * time.Second)
	co.SetConnectTimeout(10 * time.Second)
	co.SetAutoReconnect(true)
	co.SetMaxReconnectInterval(time.Minute)
	co.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("MQTT: connected to %s, publishing to %s", brokerURL, opts.Topic)
	})
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTT: connection lost: %v (will reconnect)", err)
	})

	client := mqtt.NewClient(co)
	log.Printf("Connecting to MQTT broker at %s...", brokerURL)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("publish: connect %s: %w", brokerURL, token.Error())
	}
	p := New(client, opts)
	p.Start()
	return p, nil
}

// clientID keeps a configured ID as-is; an empty one gets a random suffix.
func clientID(configured string) string {
	if configured != "" {
		return configured
	}
	return "morsecode-" + uuid.NewString()[:8]
}

// New wraps an already connected client. Call Start before Publish.
func New(client Client, opts Options) *Publisher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Topic == "" {
		opts.Topic = "morse/messages"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Publisher{
		client:  client,
		opts:    opts,
		queue:   make(chan framer.Message, opts.QueueSize),
		recent:  make(map[uint64]time.Time),
		done:    make(chan struct{}),
		dropLog: ratelimit.NewCounter(time.Minute),
		failLog: ratelimit.NewCounter(time.Minute),
	}
}

func (p *Publisher) Start() {
	p.wg.Add(1)
	go p.run()
}

// Publish queues m without blocking; it has the framer listener signature.
func (p *Publisher) Publish(m framer.Message) {
	select {
	case p.queue <- m:
	default:
		p.dropped.Add(1)
		if total, ok := p.dropLog.Inc(); ok {
			log.Printf("MQTT: publish queue full, dropped message %d (%d drops total)", m.Seq, total)
		}
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case m := <-p.queue:
			p.send(m)
		case <-p.done:
			// Flush whatever was queued before Stop.
			for {
				select {
				case m := <-p.queue:
					p.send(m)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) send(m framer.Message) {
	now := p.opts.Now()
	if p.isDuplicate(m.Digest, now) {
		p.duplicates.Add(1)
		return
	}
	body, err := json.Marshal(NewPayload(m))
	if err != nil {
		p.fail(m, err)
		return
	}
	token := p.client.Publish(p.opts.Topic, p.opts.QoS, p.opts.Retain, body)
	if !token.WaitTimeout(publishTimeout) {
		p.fail(m, fmt.Errorf("timed out after %s", publishTimeout))
		return
	}
	if err := token.Error(); err != nil {
		p.fail(m, err)
		return
	}
	p.published.Add(1)
}

// isDuplicate records digest and reports whether it was seen inside the
// window. Expired entries are swept on each call.
func (p *Publisher) isDuplicate(digest uint64, now time.Time) bool {
	window := p.opts.DedupeWindow
	if window <= 0 {
		return false
	}
	for d, seen := range p.recent {
		if now.Sub(seen) > window {
			delete(p.recent, d)
		}
	}
	if _, ok := p.recent[digest]; ok {
		return true
	}
	p.recent[digest] = now
	return false
}

func (p *Publisher) fail(m framer.Message, err error) {
	p.failures.Add(1)
	if total, ok := p.failLog.Inc(); ok {
		log.Printf("MQTT: publish of message %d failed: %v (%d failures total)", m.Seq, err, total)
	}
}

// Stop drains the queue and disconnects.
func (p *Publisher) Stop() {
	p.stop.Do(func() {
		close(p.done)
		p.wg.Wait()
		p.client.Disconnect(250)
	})
}

// NewPayload converts a message to its JSON form.
func NewPayload(m framer.Message) Payload {
	return Payload{
		Seq:       m.Seq,
		Text:      m.Text,
		Completed: m.Completed.UTC().Format(time.RFC3339Nano),
		Unknown:   m.Unknown,
		Digest:    strconv.FormatUint(m.Digest, 16),
	}
}

// Stats returns published, duplicate, dropped and failed counts.
func (p *Publisher) Stats() (published, duplicates, dropped, failures uint64) {
	return p.published.Load(), p.duplicates.Load(), p.dropped.Load(), p.failures.Load()
}
