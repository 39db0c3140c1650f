package notify

import (
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockClient is an in-memory mqtt.Client for tests.
type MockClient struct {
	mu            sync.Mutex
	connected     bool
	Published     []PublishedMessage
	subscriptions map[string]mqtt.MessageHandler
	// PublishErr, when set, fails every publish.
	PublishErr error
}

// PublishedMessage records one Publish call.
type PublishedMessage struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// NewMockClient returns a connected mock client.
func NewMockClient() *MockClient {
	return &MockClient{connected: true, subscriptions: make(map[string]mqtt.MessageHandler)}
}

func (m *MockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockClient) IsConnectionOpen() bool { return m.IsConnected() }

func (m *MockClient) Connect() mqtt.Token {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return &MockToken{}
}

func (m *MockClient) Disconnect(uint) {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}

func (m *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return &MockToken{err: m.PublishErr}
	}
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	}
	m.Published = append(m.Published, PublishedMessage{Topic: topic, QoS: qos, Retained: retained, Payload: b})
	return &MockToken{}
}

func (m *MockClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[topic] = callback
	return &MockToken{}
}

func (m *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	for topic := range filters {
		m.subscriptions[topic] = callback
	}
	return &MockToken{}
}

func (m *MockClient) Unsubscribe(topics ...string) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, topic := range topics {
		delete(m.subscriptions, topic)
	}
	return &MockToken{}
}

func (m *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[topic] = callback
}

func (m *MockClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// Messages returns the published messages on topic.
func (m *MockClient) Messages(topic string) []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PublishedMessage
	for _, p := range m.Published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// SimulateMessage delivers payload on topic to the matching subscription.
// It reports whether a subscription matched.
func (m *MockClient) SimulateMessage(topic string, payload []byte) bool {
	m.mu.Lock()
	var handler mqtt.MessageHandler
	for filter, h := range m.subscriptions {
		if topicMatches(filter, topic) {
			handler = h
			break
		}
	}
	m.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(m, &mockMessage{topic: topic, payload: payload})
	return true
}

// topicMatches applies the + and # wildcards of an MQTT filter.
func topicMatches(filter, topic string) bool {
	f, t := strings.Split(filter, "/"), strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return true
		}
		if i >= len(t) || (part != "+" && part != t[i]) {
			return false
		}
	}
	return len(f) == len(t)
}

// MockToken is a completed mqtt.Token.
type MockToken struct {
	err error
}

func (t *MockToken) Wait() bool                     { return true }
func (t *MockToken) WaitTimeout(time.Duration) bool { return true }
func (t *MockToken) Error() error                   { return t.err }

func (t *MockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 0 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 0 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}
