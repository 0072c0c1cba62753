// Package pubsub publishes and consumes pipeline messages on MQTT topics.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Config describes the broker connection.
type Config struct {
	BrokerURL      string
	ClientPrefix   string
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// MessageHandler consumes the payload of one delivered message.
type MessageHandler func(ctx context.Context, payload []byte)

// Publisher is a QoS 0 MQTT client backed by paho. Besides publishing it can
// hold topic subscriptions, which are restored whenever the connection is.
type Publisher struct {
	client mqtt.Client
	logger *slog.Logger

	subsMu sync.Mutex
	subs   map[string]mqtt.MessageHandler
}

// Dial connects to the broker and returns a ready Publisher.
func Dial(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("pubsub: broker url is required")
	}
	if cfg.ClientPrefix == "" {
		cfg.ClientPrefix = "serverless-cmx"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Publisher{logger: logger, subs: make(map[string]mqtt.MessageHandler)}

	clientID := fmt.Sprintf("%s-%s", cfg.ClientPrefix, uuid.NewString())
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(clientID).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			logger.Debug("mqtt client connected", "client_id", clientID)
			p.resubscribe(c)
		})

	p.client = mqtt.NewClient(opts)
	if err := wait(ctx, p.client.Connect()); err != nil {
		return nil, fmt.Errorf("pubsub: connect to %s: %w", cfg.BrokerURL, err)
	}

	logger.Info("connected to mqtt broker", "broker", cfg.BrokerURL, "client_id", clientID)
	return p, nil
}

// Publish sends payload to topic and waits for the write to complete.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := wait(ctx, p.client.Publish(topic, 0, false, payload)); err != nil {
		return fmt.Errorf("pubsub: publish to %s: %w", topic, err)
	}
	p.logger.Debug("message published", "topic", topic, "bytes", len(payload))
	return nil
}

// Subscribe delivers every message published on topic to h until the
// Publisher is closed. Handlers receive ctx and run on paho's delivery
// goroutines, one per message.
func (p *Publisher) Subscribe(ctx context.Context, topic string, h MessageHandler) error {
	if h == nil {
		return errors.New("pubsub: handler is required")
	}

	callback := func(_ mqtt.Client, msg mqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("subscription handler panic", "topic", msg.Topic(), "panic", r)
			}
		}()
		h(ctx, msg.Payload())
	}

	p.subsMu.Lock()
	p.subs[topic] = callback
	p.subsMu.Unlock()

	if err := wait(ctx, p.client.Subscribe(topic, 0, callback)); err != nil {
		p.subsMu.Lock()
		delete(p.subs, topic)
		p.subsMu.Unlock()
		return fmt.Errorf("pubsub: subscribe to %s: %w", topic, err)
	}

	p.logger.Info("subscribed to topic", "topic", topic)
	return nil
}

// resubscribe restores subscriptions after a reconnect; clean sessions drop
// them broker-side.
func (p *Publisher) resubscribe(c mqtt.Client) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()

	for topic, callback := range p.subs {
		token := c.Subscribe(topic, 0, callback)
		go func(topic string) {
			if token.Wait() && token.Error() != nil {
				p.logger.Warn("resubscribe failed", "topic", topic, "error", token.Error())
			}
		}(topic)
	}
}

// Connected reports whether the client currently holds a broker connection.
func (p *Publisher) Connected() bool {
	return p.client.IsConnectionOpen()
}

// Close disconnects, allowing in-flight work a short grace period.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
