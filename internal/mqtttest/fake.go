// Package mqtttest provides an in-memory stand-in for a paho MQTT client.
package mqtttest

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Compile-time interface checks
var (
	_ mqtt.Client  = (*Client)(nil)
	_ mqtt.Token   = (*Token)(nil)
	_ mqtt.Message = (*Message)(nil)
)

// Token is an already-completed token
type Token struct {
	Err error
}

func (t *Token) Wait() bool                       { return true }
func (t *Token) WaitTimeout(_ time.Duration) bool { return true }
func (t *Token) Error() error                     { return t.Err }
func (t *Token) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Message is a received message
type Message struct {
	TopicName string
	Body      []byte
	QoS       byte
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return m.QoS }
func (m *Message) Retained() bool    { return false }
func (m *Message) Topic() string     { return m.TopicName }
func (m *Message) MessageID() uint16 { return 1 }
func (m *Message) Payload() []byte   { return m.Body }
func (m *Message) Ack()              {}

// Published records one Publish call
type Published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// Client stands in for a broker connection. Connect succeeds unless
// ConnectErr is set and runs the on-connect hook synchronously.
type Client struct {
	mu sync.Mutex

	// Opts holds the options the client was built from
	Opts *mqtt.ClientOptions

	ConnectErr   error
	SubscribeErr error
	PublishErr   error

	connected    bool
	disconnected bool
	subscribes   int
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
	published    []Published
}

// NewClient returns a disconnected fake
func NewClient() *Client {
	return &Client{handlers: make(map[string]mqtt.MessageHandler)}
}

// Factory matches mqtt.NewClient and returns the fake
func (c *Client) Factory(opts *mqtt.ClientOptions) mqtt.Client {
	c.mu.Lock()
	c.Opts = opts
	c.mu.Unlock()
	return c
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Connect() mqtt.Token {
	c.mu.Lock()
	if c.ConnectErr != nil {
		err := c.ConnectErr
		c.mu.Unlock()
		return &Token{Err: err}
	}
	c.connected = true
	opts := c.Opts
	c.mu.Unlock()

	if opts != nil && opts.OnConnect != nil {
		opts.OnConnect(c)
	}
	return &Token{}
}

func (c *Client) Disconnect(_ uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

// Publish records the message and hands it to any handler subscribed to
// the same topic, so one fake can loop a publisher back to a subscriber.
func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	if c.PublishErr != nil {
		err := c.PublishErr
		c.mu.Unlock()
		return &Token{Err: err}
	}

	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = append([]byte(nil), p...)
	case string:
		body = []byte(p)
	}
	c.published = append(c.published, Published{Topic: topic, QoS: qos, Retained: retained, Payload: body})
	cb := c.handlers[topic]
	c.mu.Unlock()

	if cb != nil {
		cb(c, &Message{TopicName: topic, Body: body, QoS: qos})
	}
	return &Token{}
}

func (c *Client) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes++
	if c.SubscribeErr != nil {
		return &Token{Err: c.SubscribeErr}
	}
	c.handlers[topic] = callback
	return &Token{}
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic, qos := range filters {
		if t := c.Subscribe(topic, qos, callback); t.Error() != nil {
			return t
		}
	}
	return &Token{}
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	for _, t := range topics {
		delete(c.handlers, t)
	}
	return &Token{}
}

func (c *Client) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
}

func (c *Client) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// Deliver hands payload to the handler subscribed to topic and reports
// whether one was registered
func (c *Client) Deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	cb, ok := c.handlers[topic]
	c.mu.Unlock()
	if !ok {
		return false
	}
	cb(c, &Message{TopicName: topic, Body: payload})
	return true
}

// DropConnection simulates a lost connection and runs the connection-lost hook
func (c *Client) DropConnection(err error) {
	c.mu.Lock()
	c.connected = false
	opts := c.Opts
	c.mu.Unlock()

	if opts != nil && opts.OnConnectionLost != nil {
		opts.OnConnectionLost(c, err)
	}
}

// Reconnect simulates paho's reconnect cycle: the reconnecting hook, then a
// successful connect with the on-connect hook
func (c *Client) Reconnect() {
	c.mu.Lock()
	opts := c.Opts
	c.mu.Unlock()

	if opts != nil && opts.OnReconnecting != nil {
		opts.OnReconnecting(c, opts)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	if opts != nil && opts.OnConnect != nil {
		opts.OnConnect(c)
	}
}

// SetConnected flips the connection flag without running any hooks
func (c *Client) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

// Subscribes returns how many times Subscribe was called
func (c *Client) Subscribes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes
}

// Unsubscribed returns the topics passed to Unsubscribe
func (c *Client) Unsubscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.unsubscribed...)
}

// Disconnected reports whether Disconnect was called
func (c *Client) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// PublishedMessages returns everything published so far
func (c *Client) PublishedMessages() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}
