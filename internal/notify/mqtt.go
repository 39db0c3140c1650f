// Package notify publishes regrid passes and tile states to an MQTT broker
// and listens there for containers whose source files changed.
package notify

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Options configures the broker connection.
type Options struct {
	Broker   string // e.g. "tcp://localhost:1883"
	ClientID string
	Username string
	Password string
	// OnConnect runs after every successful (re)connect, which is where
	// subscriptions have to be renewed.
	OnConnect func(mqtt.Client)
	Logger    *zap.Logger
}

const connectTimeout = 10 * time.Second

// Connect opens a connection to the broker, retrying with exponential
// backoff until it succeeds or ctx is done. The client reconnects on its
// own afterwards.
func Connect(ctx context.Context, o Options) (mqtt.Client, error) {
	if o.Broker == "" {
		return nil, fmt.Errorf("mqtt broker not configured")
	}
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clientID := o.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("bathygrid-%d", time.Now().UnixNano())
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(clientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info("mqtt connected", zap.String("broker", o.Broker), zap.String("client_id", clientID))
		if o.OnConnect != nil {
			o.OnConnect(c)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		log.Info("mqtt reconnecting", zap.String("broker", o.Broker))
	})

	client := mqtt.NewClient(opts)
	if err := connectWithRetry(ctx, client, log); err != nil {
		return nil, err
	}
	return client, nil
}

func connectWithRetry(ctx context.Context, client mqtt.Client, log *zap.Logger) error {
	backoff := time.Second
	const maxBackoff = 60 * time.Second
	for attempt := 1; ; attempt++ {
		token := client.Connect()
		if token.WaitTimeout(connectTimeout) && token.Error() == nil {
			return nil
		}
		err := token.Error()
		if err == nil {
			err = fmt.Errorf("timed out after %s", connectTimeout)
		}
		log.Warn("mqtt connect failed", zap.Int("attempt", attempt), zap.Duration("retry_in", backoff), zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("mqtt connect: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
