package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/afroash/smartplant/internal/models"
)

// ConnectionState represents the current state of the broker connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (cs ConnectionState) String() string {
	switch cs {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	flushBatchSize    = 50
	disconnectQuiesce = 250
)

// PublisherConfig holds the broker endpoint and publish settings
type PublisherConfig struct {
	Broker         string
	Port           int
	Topic          string
	ClientID       string
	QoS            byte
	Retained       bool
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	// ConnectRetryInterval spaces attempts at the first connection
	ConnectRetryInterval time.Duration
	// MaxReconnectInterval caps paho's reconnect backoff
	MaxReconnectInterval time.Duration
}

// PublisherStats tracks what happened to published readings
type PublisherStats struct {
	Published int64 `json:"published"`
	Queued    int64 `json:"queued"`
	Failed    int64 `json:"failed"`
	Backlog   int   `json:"backlog"`
}

// ClientFactory builds the MQTT client from prepared options
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Publisher sends readings to one MQTT topic. Readings produced while the
// broker is unreachable wait in the backlog and go out, in order, once the
// connection is back.
type Publisher struct {
	cfg        PublisherConfig
	backlog    *ReadingBuffer
	logger     zerolog.Logger
	newClient  ClientFactory
	client     mqtt.Client
	state      ConnectionState
	stateMutex sync.RWMutex
	flushMutex sync.Mutex
	stopOnce   sync.Once

	published atomic.Int64
	queued    atomic.Int64
	failed    atomic.Int64
}

// NewPublisher creates a publisher. backlog may be nil for a default
// drop-oldest buffer of 1000 readings.
func NewPublisher(cfg PublisherConfig, backlog *ReadingBuffer, logger zerolog.Logger) *Publisher {
	if cfg.ClientID == "" {
		cfg.ClientID = "smartplant-sim-" + uuid.NewString()[:8]
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if backlog == nil {
		backlog = NewReadingBuffer(1000, true)
	}
	return &Publisher{
		cfg:       cfg,
		backlog:   backlog,
		logger:    logger.With().Str("component", "publisher").Str("topic", cfg.Topic).Logger(),
		newClient: mqtt.NewClient,
		state:     StateDisconnected,
	}
}

// SetClientFactory replaces the MQTT client constructor
func (p *Publisher) SetClientFactory(f ClientFactory) {
	p.newClient = f
}

// setState safely updates the connection state
func (p *Publisher) setState(state ConnectionState) {
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()
	if p.state == state {
		return
	}
	p.state = state
	p.logger.Info().Str("state", state.String()).Msg("Connection state updated")
}

// State returns the current connection state
func (p *Publisher) State() ConnectionState {
	p.stateMutex.RLock()
	defer p.stateMutex.RUnlock()
	return p.state
}

// IsConnected returns true if currently connected
func (p *Publisher) IsConnected() bool {
	return p.State() == StateConnected
}

// BrokerURL returns the broker address in the form paho expects
func (p *Publisher) BrokerURL() string {
	if strings.Contains(p.cfg.Broker, "://") {
		return p.cfg.Broker
	}
	return fmt.Sprintf("tcp://%s:%d", p.cfg.Broker, p.cfg.Port)
}

func (p *Publisher) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(p.BrokerURL()).
		SetClientID(p.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost).
		SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
			p.setState(StateConnecting)
		})

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	if p.cfg.KeepAlive > 0 {
		opts.SetKeepAlive(p.cfg.KeepAlive)
	}
	if p.cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(p.cfg.ConnectTimeout)
	}
	if p.cfg.ConnectRetryInterval > 0 {
		opts.SetConnectRetryInterval(p.cfg.ConnectRetryInterval)
	}
	if p.cfg.MaxReconnectInterval > 0 {
		opts.SetMaxReconnectInterval(p.cfg.MaxReconnectInterval)
	}
	return opts
}

// Start begins connecting in the background. Publish may be called right
// away; readings queue until the broker accepts the connection.
func (p *Publisher) Start() {
	p.setState(StateConnecting)
	p.logger.Info().Str("broker", p.BrokerURL()).Str("client_id", p.cfg.ClientID).Msg("Connecting to broker...")

	p.client = p.newClient(p.clientOptions())
	token := p.client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			p.logger.Warn().Err(err).Msg("Connection failed")
		}
	}()
}

func (p *Publisher) onConnect(_ mqtt.Client) {
	p.setState(StateConnected)
	p.flush()
}

func (p *Publisher) onConnectionLost(_ mqtt.Client, err error) {
	p.logger.Warn().Err(err).Msg("Connection lost, readings will queue")
	p.setState(StateDisconnected)
}

// Publish sends a reading, or queues it when the broker is unreachable.
// The returned error reports a failed send; the reading is queued either way.
func (p *Publisher) Publish(reading models.Reading) error {
	// Direct sends only when nothing older is waiting or in flight
	p.flushMutex.Lock()
	direct := p.IsConnected() && p.backlog.IsEmpty()
	var err error
	if direct {
		err = p.send(reading)
	}
	p.flushMutex.Unlock()

	if direct && err == nil {
		return nil
	}
	if err != nil {
		p.failed.Add(1)
	}
	p.enqueue(reading)
	if err == nil && p.IsConnected() {
		p.flush()
	}
	return err
}

func (p *Publisher) enqueue(reading models.Reading) {
	p.queued.Add(1)
	if !p.backlog.Push(reading) {
		p.logger.Warn().Str("backlog", p.backlog.String()).Msg("Backlog full, reading dropped")
	}
}

func (p *Publisher) send(reading models.Reading) error {
	payload, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to encode reading: %w", err)
	}

	token := p.client.Publish(p.cfg.Topic, p.cfg.QoS, p.cfg.Retained, payload)
	if !token.WaitTimeout(p.cfg.PublishTimeout) {
		return fmt.Errorf("publish to %s timed out after %v", p.cfg.Topic, p.cfg.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.cfg.Topic, err)
	}

	p.published.Add(1)
	p.logger.Debug().Str("timestamp", reading.Timestamp).Msg("Reading published")
	return nil
}

// flush drains the backlog while connected
func (p *Publisher) flush() {
	p.flushMutex.Lock()
	defer p.flushMutex.Unlock()

	sent := 0
	for p.IsConnected() {
		batch := p.backlog.PopBatch(flushBatchSize)
		if len(batch) == 0 {
			break
		}
		for i, r := range batch {
			if err := p.send(r); err != nil {
				p.failed.Add(1)
				p.backlog.PushFront(batch[i:])
				p.logger.Warn().Err(err).Int("pending", p.backlog.Size()).Msg("Backlog flush interrupted")
				return
			}
			sent++
		}
	}
	if sent > 0 {
		p.logger.Info().Int("count", sent).Msg("Flushed backlog")
	}
}

// Run publishes every reading from readings until the channel closes or
// ctx is cancelled
func (p *Publisher) Run(ctx context.Context, readings <-chan *models.Reading) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-readings:
			if !ok {
				return nil
			}
			if err := p.Publish(*r); err != nil {
				p.logger.Warn().Err(err).Msg("Publish failed, reading queued")
			}
		}
	}
}

// Stats returns a snapshot of publish counters
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Queued:    p.queued.Load(),
		Failed:    p.failed.Load(),
		Backlog:   p.backlog.Size(),
	}
}

// Stop flushes what it can and disconnects. Safe to call more than once.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		if p.client == nil {
			return
		}
		p.flush()
		if n := p.backlog.Size(); n > 0 {
			p.logger.Warn().Int("pending", n).Msg("Stopping with unpublished readings")
		}
		p.client.Disconnect(disconnectQuiesce)
		p.setState(StateDisconnected)
		p.logger.Info().Msg("Publisher stopped")
	})
}
