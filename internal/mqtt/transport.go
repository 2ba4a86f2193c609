package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/mnemon/internal/config"
	"github.com/nugget/mnemon/internal/session"
)

// Dispatcher accepts inbound messages. *session.Dispatcher implements it.
type Dispatcher interface {
	Submit(sessionID, text string, reply session.ReplyFunc) error
}

// publisher is the part of *autopaho.ConnectionManager used to send.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// publishTimeout bounds one reply publish.
const publishTimeout = 30 * time.Second

// Transport connects to the broker, feeds inbound chat messages to the
// dispatcher and publishes replies.
type Transport struct {
	cfg        config.MQTTConfig
	dispatcher Dispatcher
	logger     *slog.Logger
	limiter    *messageRateLimiter

	cm  *autopaho.ConnectionManager
	pub publisher
}

// New creates a Transport but does not connect. Call [Transport.Start].
func New(cfg config.MQTTConfig, dispatcher Dispatcher, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
	}
	if cfg.RateLimit > 0 {
		t.limiter = newMessageRateLimiter(int64(cfg.RateLimit), time.Minute, logger)
	}
	return t
}

// SessionID returns the dispatcher session for an MQTT chat.
func SessionID(chat string) string {
	return "mqtt:" + chat
}

func (t *Transport) inboundFilter() string       { return t.cfg.TopicPrefix + "/+/in" }
func (t *Transport) outTopic(chat string) string { return t.cfg.TopicPrefix + "/" + chat + "/out" }
func (t *Transport) availabilityTopic() string   { return t.cfg.TopicPrefix + "/availability" }

func (t *Transport) clientID() string {
	if t.cfg.ClientID != "" {
		return t.cfg.ClientID
	}
	return "mnemon-" + uuid.NewString()[:8]
}

// Start connects to the broker and blocks until ctx is cancelled.
// Connection failures are retried in the background by autopaho.
func (t *Transport) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(t.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: t.cfg.Username,
		ConnectPassword: []byte(t.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   t.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			t.logger.Info("mqtt connected to broker", "broker", t.cfg.Broker)
			t.subscribe(ctx, cm)
			t.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			t.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: t.clientID(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					t.handle(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	t.cm = cm
	t.pub = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		t.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	if t.limiter != nil {
		go t.limiter.start(ctx)
	}

	<-ctx.Done()
	return nil
}

// Stop publishes "offline" and disconnects.
func (t *Transport) Stop(ctx context.Context) error {
	if t.cm == nil {
		return nil
	}
	t.publishAvailability(ctx, t.cm, "offline")
	return t.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. It backs the mqtt entry of the health endpoint.
func (t *Transport) AwaitConnection(ctx context.Context) error {
	if t.cm == nil {
		return errors.New("mqtt transport not started")
	}
	return t.cm.AwaitConnection(ctx)
}

func (t *Transport) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	filter := t.inboundFilter()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		t.logger.Error("mqtt subscribe failed", "filter", filter, "error", err)
		return
	}
	t.logger.Info("mqtt subscribed", "filter", filter)
}

func (t *Transport) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   t.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		t.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		t.logger.Info("mqtt availability published", "status", status)
	}
}

// handle routes one received publish to the dispatcher. It runs on
// paho's receive goroutine and must not wait for the turn.
func (t *Transport) handle(ctx context.Context, topic string, payload []byte) {
	chat, ok := parseChatID(t.cfg.TopicPrefix, topic)
	if !ok {
		t.logger.Debug("mqtt ignoring message on unexpected topic", "topic", topic)
		return
	}
	if t.limiter != nil && !t.limiter.allow() {
		return
	}

	text := messageText(payload)
	t.logger.Info("mqtt message received",
		"chat", chat,
		"payload_size", len(payload),
	)

	err := t.dispatcher.Submit(SessionID(chat), text, func(reply string) {
		t.reply(ctx, chat, reply)
	})
	if err != nil {
		t.logger.Error("mqtt message not dispatched", "chat", chat, "error", err)
	}
}

func (t *Transport) reply(ctx context.Context, chat, text string) {
	if t.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	topic := t.outTopic(chat)
	if _, err := t.pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: []byte(text),
		QoS:     1,
	}); err != nil {
		t.logger.Error("mqtt reply publish failed", "topic", topic, "error", err)
		return
	}
	t.logger.Debug("mqtt reply published", "topic", topic, "response_len", len(text))
}
