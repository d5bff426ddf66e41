package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State represents where the subscriber is in its connection lifecycle
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// disconnectQuiesce is how long paho may spend finishing in-flight work on Disconnect, in ms
const disconnectQuiesce = 250

// ConnectionError reports that the broker could not be reached
type ConnectionError struct {
	Broker string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mqtt connect %s: %v", e.Broker, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SubscriberConfig holds the broker endpoint and subscription settings
type SubscriberConfig struct {
	Broker         string
	Port           int
	Topic          string
	ClientID       string
	QoS            byte
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	// AutoReconnect lets the client re-establish a lost connection on its own.
	AutoReconnect bool
	// ConnectRetry keeps retrying the first connection instead of failing Start.
	ConnectRetry         bool
	ConnectRetryInterval time.Duration
	MaxReconnectInterval time.Duration
}

// ClientFactory builds the MQTT client from prepared options
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Subscriber bridges one MQTT topic into a MessageHandler
type Subscriber struct {
	cfg        SubscriberConfig
	handler    MessageHandler
	logger     zerolog.Logger
	newClient  ClientFactory
	client     mqtt.Client
	state      State
	stateMutex sync.RWMutex
	stopOnce   sync.Once
}

// NewSubscriber creates a subscriber delivering every message on cfg.Topic to handler
func NewSubscriber(cfg SubscriberConfig, handler MessageHandler, logger zerolog.Logger) *Subscriber {
	if cfg.ClientID == "" {
		cfg.ClientID = "smartplant-" + uuid.NewString()[:8]
	}
	return &Subscriber{
		cfg:       cfg,
		handler:   handler,
		logger:    logger.With().Str("component", "mqtt").Str("topic", cfg.Topic).Logger(),
		newClient: mqtt.NewClient,
		state:     StateDisconnected,
	}
}

// SetClientFactory replaces the MQTT client constructor
func (s *Subscriber) SetClientFactory(f ClientFactory) {
	s.newClient = f
}

// setState safely updates the connection state
func (s *Subscriber) setState(state State) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	if s.state == state {
		return
	}
	s.state = state
	s.logger.Info().Str("state", state.String()).Msg("Subscriber state updated")
}

// State returns the current connection state
func (s *Subscriber) State() State {
	s.stateMutex.RLock()
	defer s.stateMutex.RUnlock()
	return s.state
}

// ClientID returns the MQTT client identifier in use
func (s *Subscriber) ClientID() string {
	return s.cfg.ClientID
}

// BrokerURL returns the broker address in the form paho expects
func (s *Subscriber) BrokerURL() string {
	if strings.Contains(s.cfg.Broker, "://") {
		return s.cfg.Broker
	}
	return fmt.Sprintf("tcp://%s:%d", s.cfg.Broker, s.cfg.Port)
}

func (s *Subscriber) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(s.BrokerURL()).
		SetClientID(s.cfg.ClientID).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(s.cfg.AutoReconnect).
		SetConnectRetry(s.cfg.ConnectRetry)

	if s.cfg.KeepAlive > 0 {
		opts.SetKeepAlive(s.cfg.KeepAlive)
	}
	if s.cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(s.cfg.ConnectTimeout)
	}
	if s.cfg.ConnectRetryInterval > 0 {
		opts.SetConnectRetryInterval(s.cfg.ConnectRetryInterval)
	}
	if s.cfg.MaxReconnectInterval > 0 {
		opts.SetMaxReconnectInterval(s.cfg.MaxReconnectInterval)
	}
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		s.setState(StateConnecting)
		s.logger.Info().Msg("Reconnecting to broker")
	})

	return opts
}

// Start connects to the broker. The subscription is made from the
// on-connect hook, so it is renewed after every reconnect.
//
// With ConnectRetry enabled Start returns immediately and the client keeps
// trying in the background; otherwise a failed first connect is returned as
// a *ConnectionError.
func (s *Subscriber) Start() error {
	if s.cfg.Topic == "" {
		return errors.New("mqtt: topic is required")
	}

	s.setState(StateConnecting)
	s.logger.Info().Str("broker", s.BrokerURL()).Str("client_id", s.cfg.ClientID).Msg("Connecting to broker...")

	s.client = s.newClient(s.clientOptions())
	token := s.client.Connect()

	if s.cfg.ConnectRetry {
		go func() {
			token.Wait()
			if err := token.Error(); err != nil {
				s.logger.Warn().Err(err).Msg("Initial connect abandoned")
			}
		}()
		return nil
	}

	if token.Wait() && token.Error() != nil {
		s.setState(StateDisconnected)
		return &ConnectionError{Broker: s.BrokerURL(), Err: token.Error()}
	}

	return nil
}

// onConnect subscribes to the configured topic whenever a connection comes up
func (s *Subscriber) onConnect(c mqtt.Client) {
	s.logger.Info().Msg("Connected to broker, subscribing")

	token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.onMessage)
	if token.Wait() && token.Error() != nil {
		s.logger.Error().Err(token.Error()).Msg("Subscribe failed")
		return
	}

	s.setState(StateSubscribed)
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.logger.Debug().Str("msg_topic", msg.Topic()).Int("bytes", len(msg.Payload())).Msg("Message received")
	s.handler.OnMessage(msg.Payload())
}

func (s *Subscriber) onConnectionLost(_ mqtt.Client, err error) {
	s.setState(StateDisconnected)
	s.logger.Warn().Err(err).Bool("auto_reconnect", s.cfg.AutoReconnect).Msg("Connection to broker lost")
}

// Stop unsubscribes and releases the connection. Safe to call more than once.
func (s *Subscriber) Stop() {
	s.stopOnce.Do(func() {
		if s.client != nil {
			if s.client.IsConnectionOpen() {
				token := s.client.Unsubscribe(s.cfg.Topic)
				if !token.WaitTimeout(time.Second) {
					s.logger.Warn().Msg("Unsubscribe timed out")
				} else if err := token.Error(); err != nil {
					s.logger.Warn().Err(err).Msg("Unsubscribe failed")
				}
			}
			s.client.Disconnect(disconnectQuiesce)
		}
		s.setState(StateDisconnected)
		s.logger.Info().Msg("Subscriber stopped")
	})
}

// Run starts the subscriber and blocks until ctx is cancelled, then stops it
func (s *Subscriber) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}
