package mqttpub

import (
	"sync"
	"sync/atomic"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Options struct {
	// eg tcp://192.168.1.1:1883
	Broker   string
	ClientID string
	Username string
	Password string
	QOS      byte

	// Bounded publication queue; full queue drops the oldest message.
	QueueSize int

	// Max messages per second, 0 for unlimited
	RateLimit int

	// Retained online/offline topic; also the last-will topic
	// (payload "interrupted").
	AvailabilityTopic string
}

type Message struct {
	Topic   string
	Payload string
	Retain  bool
}

// Publisher owns the broker link: its own goroutine, reconnect loop
// and queue. The serial path only ever enqueues and never blocks on
// broker I/O.
type Publisher struct {
	opts Options

	queue   chan Message
	queueMu sync.Mutex
	dropped atomic.Uint64

	mu        sync.Mutex
	client    mqtt.Client
	onConnect func()

	stop chan struct{}
	done chan struct{}
}

func NewPublisher(opts Options) *Publisher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	return &Publisher{
		opts:  opts,
		queue: make(chan Message, opts.QueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Dropped returns how many queued messages were discarded because the
// queue was full.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *Publisher) QueueLen() int {
	return len(p.queue)
}
