package publish

import (
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ojrdude/morsecode/framer"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/zeebo/xxh3"
)

// captureHook hands every published packet on topic to the test.
type captureHook struct {
	mochi.HookBase
	topic string
	got   chan packets.Packet
}

func (h *captureHook) ID() string { return "capture" }

func (h *captureHook) Provides(b byte) bool { return b == mochi.OnPublished }

func (h *captureHook) OnPublished(cl *mochi.Client, pk packets.Packet) {
	if pk.TopicName == h.topic {
		h.got <- pk
	}
}

func freeAddr(t *testing.T) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	host, port, _ := net.SplitHostPort(l.Addr().String())
	p, _ := strconv.Atoi(port)
	return host, p
}

func TestConnectPublishesToBroker(t *testing.T) {
	host, port := freeAddr(t)
	broker := mochi.New(&mochi.Options{})
	if err := broker.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("allow hook: %v", err)
	}
	hook := &captureHook{topic: "morse/test", got: make(chan packets.Packet, 4)}
	if err := broker.AddHook(hook, nil); err != nil {
		t.Fatalf("capture hook: %v", err)
	}
	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: net.JoinHostPort(host, strconv.Itoa(port))})
	if err := broker.AddListener(tcp); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	go broker.Serve()
	defer broker.Close()
	time.Sleep(100 * time.Millisecond)

	pub, err := Connect(Options{Broker: host, Port: port, Topic: "morse/test", QoS: 1})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pub.Stop()

	text := "CQ DE K1ABC"
	pub.Publish(framer.Message{Seq: 1, Text: text, Completed: time.Now().UTC(), Digest: xxh3.HashString(text)})

	select {
	case pk := <-hook.got:
		var payload Payload
		if err := json.Unmarshal(pk.Payload, &payload); err != nil {
			t.Fatalf("payload is not JSON: %v", err)
		}
		if payload.Text != text || payload.Seq != 1 {
			t.Fatalf("unexpected payload %+v", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("broker never received the message")
	}
}

func TestClientID(t *testing.T) {
	if got := clientID("shack-pi"); got != "shack-pi" {
		t.Fatalf("expected configured id to be kept, got %q", got)
	}
	a, b := clientID(""), clientID("")
	if !strings.HasPrefix(a, "morsecode-") || len(a) != len("morsecode-")+8 {
		t.Fatalf("unexpected generated id %q", a)
	}
	if a == b {
		t.Fatalf("expected distinct generated ids, got %q twice", a)
	}
}
