package mqttpub

import (
	"fmt"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/meterworks/s0pcm-bridge/pkg/types"
	probing "github.com/prometheus-community/pro-bing"
	log "github.com/sirupsen/logrus"
)

const (
	baseRetryDelay = 2 * time.Second
	maxRetryDelay  = 60 * time.Second
	publishTimeout = 10 * time.Second
)

// OnConnect registers a hook that runs after every successful broker
// connection, before queued messages drain. Used to republish the
// retained discovery configs after a broker restart.
func (p *Publisher) OnConnect(fn func()) {
	p.mu.Lock()
	p.onConnect = fn
	p.mu.Unlock()
}

// Start runs the connection loop in its own goroutine.
func (p *Publisher) Start() {
	go p.run()
}

// Publish enqueues a message. Never blocks: when the queue is full the
// oldest message is dropped and logged. A dropped publication loses no
// accounting state, totals are already persisted.
func (p *Publisher) Publish(topic, payload string, retain bool) {
	p.enqueue(Message{Topic: topic, Payload: payload, Retain: retain})
}

// PublishReading emits the per-channel delta and total topics.
func (p *Publisher) PublishReading(prefix string, r types.Reading) {
	p.Publish(prefix+"/"+r.Channel.Name+"/delta", r.Delta.String(), false)
	p.Publish(prefix+"/"+r.Channel.Name+"/total", r.Total.String(), false)
}

// SetAvailability publishes retained online/offline on the
// availability topic, driven by the serial link state.
func (p *Publisher) SetAvailability(online bool) {
	payload := "offline"
	if online {
		payload = "online"
	}
	p.Publish(p.opts.AvailabilityTopic, payload, true)
}

// Stop flushes what it can within grace and disconnects. An error
// means messages were left unpublished, which the caller may log but
// is not an accounting failure.
func (p *Publisher) Stop(grace time.Duration) error {
	close(p.stop)
	select {
	case <-p.done:
	case <-time.After(grace):
	}

	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	if client != nil && client.IsConnected() {
		deadline := time.Now().Add(grace)
	flush:
		for time.Now().Before(deadline) {
			select {
			case m := <-p.queue:
				token := client.Publish(m.Topic, p.opts.QOS, m.Retain, m.Payload)
				token.WaitTimeout(time.Until(deadline))
			default:
				break flush
			}
		}
		client.Disconnect(250)
	}

	if n := len(p.queue); n > 0 {
		return fmt.Errorf("%d messages left unpublished", n)
	}
	return nil
}

func (p *Publisher) enqueue(m Message) {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()

	for {
		select {
		case p.queue <- m:
			return
		default:
			select {
			case old := <-p.queue:
				p.dropped.Add(1)
				log.Warnf("Publish queue full, dropping oldest message on %s", old.Topic)
			default:
			}
		}
	}
}

func (p *Publisher) run() {
	defer close(p.done)

	retryCount := 0
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		if retryCount > 0 {
			// Exponential backoff
			retryDelay := time.Duration(1<<retryCount) * baseRetryDelay
			if retryDelay > maxRetryDelay {
				retryDelay = maxRetryDelay
			}
			log.Infof("Retrying MQTT connection in %v... (attempt %d)", retryDelay, retryCount+1)
			select {
			case <-time.After(retryDelay):
			case <-p.stop:
				return
			}
		}
		if retryCount < 8 {
			retryCount++
		}

		if !p.brokerReachable() {
			log.Infof("MQTT broker %s not reachable yet", p.opts.Broker)
			continue
		}

		client, lost, err := p.connect()
		if err != nil {
			log.Warnf("MQTT connection failed: %v", err)
			continue
		}
		retryCount = 0
		log.Infof("Connected to MQTT broker %s", p.opts.Broker)

		p.mu.Lock()
		p.client = client
		hook := p.onConnect
		p.mu.Unlock()
		if hook != nil {
			hook()
		}

		if stopped := p.drain(client, lost); stopped {
			return
		}
		log.Warn("MQTT connection lost, will retry...")
	}
}

func (p *Publisher) connect() (mqtt.Client, chan struct{}, error) {
	lost := make(chan struct{})

	opts := mqtt.NewClientOptions().
		AddBroker(p.opts.Broker).
		SetClientID(p.opts.ClientID).
		SetUsername(p.opts.Username).
		SetPassword(p.opts.Password).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warnf("MQTT connection lost: %v", err)
			close(lost)
		})
	if p.opts.AvailabilityTopic != "" {
		opts.SetWill(p.opts.AvailabilityTopic, "interrupted", p.opts.QOS, true)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, nil, fmt.Errorf("connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, nil, err
	}
	return client, lost, nil
}

// drain publishes queued messages until the connection breaks or the
// publisher stops. Returns true when stopped.
func (p *Publisher) drain(client mqtt.Client, lost chan struct{}) bool {
	var delay time.Duration
	if p.opts.RateLimit > 0 {
		delay = time.Second / time.Duration(p.opts.RateLimit)
	}

	for {
		select {
		case <-p.stop:
			return true
		case <-lost:
			return false
		case m := <-p.queue:
			token := client.Publish(m.Topic, p.opts.QOS, m.Retain, m.Payload)
			if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
				log.Warnf("Publish on %s failed: %v", m.Topic, token.Error())
				// keep it for the next connection
				p.enqueue(m)
				if !client.IsConnected() {
					return false
				}
			}
			if delay > 0 {
				time.Sleep(delay)
			}
		}
	}
}

// brokerReachable pings the broker host before dialing. Advisory only:
// any probe failure other than a clean "no reply" still lets the dial
// proceed.
func (p *Publisher) brokerReachable() bool {
	u, err := url.Parse(p.opts.Broker)
	if err != nil || u.Hostname() == "" {
		return true
	}

	pinger, err := probing.NewPinger(u.Hostname())
	if err != nil {
		return true
	}
	pinger.Count = 1
	pinger.Timeout = 2 * time.Second
	pinger.SetPrivileged(false)

	if err := pinger.Run(); err != nil {
		return true
	}
	return pinger.Statistics().PacketsRecv > 0
}
