package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MessageHandler processes one inbound message end to end before the next
// one is accepted.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// TopicFilter returns the wildcard subscription covering every reader's scan
// topic under the namespace.
func TopicFilter(namespace string) string {
	return fmt.Sprintf("%s/readers/+/scan", namespace)
}

// Ingestor maintains the persistent subscription to the scan topic family
// and drives the handler for each message, serially and in delivery order.
type Ingestor struct {
	client  mqtt.Client
	logger  *slog.Logger
	topic   string
	handler MessageHandler
	ctx     context.Context
}

// New constructs an ingestor connected to nothing yet; call Start.
func New(brokerURL, namespace string, handler MessageHandler, logger *slog.Logger) *Ingestor {
	i := &Ingestor{
		logger:  logger,
		topic:   TopicFilter(namespace),
		handler: handler,
		ctx:     context.Background(),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(fmt.Sprintf("assettrack-ingest-%s", uuid.NewString()[:8])).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetOnConnectHandler(i.onConnect).
		SetConnectionLostHandler(i.onConnectionLost)

	i.client = mqtt.NewClient(opts)
	return i
}

// Start connects to the broker, retrying with exponential backoff until the
// context is cancelled. The subscription itself is (re-)established by the
// OnConnect hook, so reconnects resubscribe automatically.
func (i *Ingestor) Start(ctx context.Context) error {
	i.ctx = ctx

	connect := func() error {
		token := i.client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			i.logger.Warn("broker connect failed, retrying", "error", err)
			return err
		}
		return nil
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(connect, policy); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

// Stop disconnects from the broker, allowing in-flight handler work to drain.
func (i *Ingestor) Stop() {
	i.client.Disconnect(250)
}

func (i *Ingestor) onConnect(c mqtt.Client) {
	token := c.Subscribe(i.topic, 0, func(_ mqtt.Client, m mqtt.Message) {
		i.handler(i.ctx, m.Topic(), m.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		i.logger.Error("subscribe failed", "topic", i.topic, "error", err)
		return
	}
	i.logger.Info("subscribed to scan topics", "topic", i.topic)
}

func (i *Ingestor) onConnectionLost(_ mqtt.Client, err error) {
	i.logger.Warn("mqtt connection lost, reconnecting", "error", err)
}
