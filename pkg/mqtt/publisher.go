package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"
	"github.com/solarbridge/solarbridge/pkg/log"
	"github.com/solarbridge/solarbridge/pkg/types"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 1000 // milliseconds
)

// Options configures a Publisher directly, bypassing flags.
type Options struct {
	// Broker is the broker URL (e.g. tcp://localhost:1883). Empty disables
	// publishing entirely.
	Broker      string
	TopicPrefix string
	Username    string
	Password    string
	ClientID    string
	QoS         byte
}

// Publisher mirrors each published snapshot to an MQTT broker as JSON, one
// topic per account. A retained status topic carries online/offline via the
// broker's last-will mechanism so consumers can tell a silent bridge from a
// dead one.
type Publisher struct {
	opts   Options
	client paho.Client
}

// Configured sets up the publisher from flags. Leaving --mqtt-broker unset
// disables MQTT entirely.
func Configured() *Publisher {
	broker := lflag.String("mqtt-broker", "", "MQTT broker URL (e.g. tcp://localhost:1883), empty disables publishing")
	topicPrefix := lflag.String("mqtt-topic-prefix", "solarbridge", "MQTT topic prefix")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	clientID := lflag.String("mqtt-client-id", "solarbridge", "MQTT client ID")

	p := &Publisher{}
	lflag.Do(func() {
		p.opts = Options{
			Broker:      *broker,
			TopicPrefix: *topicPrefix,
			Username:    *username,
			Password:    *password,
			ClientID:    *clientID,
			QoS:         1,
		}
	})
	return p
}

// New creates a Publisher from explicit options.
func New(opts Options) *Publisher {
	return &Publisher{opts: opts}
}

// Enabled reports whether a broker is configured.
func (p *Publisher) Enabled() bool {
	return p.opts.Broker != ""
}

func (p *Publisher) statusTopic() string {
	return p.opts.TopicPrefix + "/status"
}

// Connect establishes the broker session. The will marks the bridge offline
// if the connection drops without a clean disconnect.
func (p *Publisher) Connect(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}

	opts := paho.NewClientOptions().
		AddBroker(p.opts.Broker).
		SetClientID(p.opts.ClientID).
		SetUsername(p.opts.Username).
		SetPassword(p.opts.Password).
		SetAutoReconnect(true).
		SetConnectRetryInterval(10 * time.Second).
		SetKeepAlive(60 * time.Second).
		SetWill(p.statusTopic(), "offline", p.opts.QoS, true)

	opts.SetOnConnectHandler(func(client paho.Client) {
		token := client.Publish(p.statusTopic(), p.opts.QoS, true, "online")
		token.Wait()
		log.Ctx(ctx).InfoContext(ctx, "connected to mqtt broker", slog.String("broker", p.opts.Broker))
	})
	opts.SetConnectionLostHandler(func(client paho.Client, err error) {
		log.Ctx(ctx).WarnContext(ctx, "mqtt connection lost", slog.Any("error", err))
	})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("timed out connecting to mqtt broker %s", p.opts.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker %s: %w", p.opts.Broker, err)
	}
	return nil
}

// Publish sends one snapshot to <prefix>/<accountID>/snapshot. Errors are
// logged and dropped; a broker outage must not affect the poll loop.
func (p *Publisher) Publish(accountID string, snap *types.Snapshot) {
	if p.client == nil || snap == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		slog.Warn("failed to marshal snapshot for mqtt", slog.Any("error", err))
		return
	}
	topic := p.opts.TopicPrefix + "/" + accountID + "/snapshot"
	token := p.client.Publish(topic, p.opts.QoS, false, payload)
	go func() {
		if token.Wait(); token.Error() != nil {
			slog.Warn("failed to publish snapshot",
				slog.String("topic", topic),
				slog.Any("error", token.Error()),
			)
		}
	}()
}

// Close marks the bridge offline and disconnects cleanly.
func (p *Publisher) Close() {
	if p.client == nil {
		return
	}
	token := p.client.Publish(p.statusTopic(), p.opts.QoS, true, "offline")
	token.WaitTimeout(connectTimeout)
	p.client.Disconnect(disconnectQuiesce)
	p.client = nil
}
