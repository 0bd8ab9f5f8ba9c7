// Package notify provides notification adapter implementations that
// deliver association lifecycle events downstream: an MQTT publisher, an
// HTTP webhook publisher, and a noop for tests and single-system setups.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/carconnect/association-registry/pkg/association"
)

const defaultConnectTimeout = 10 * time.Second
const defaultPublishTimeout = 10 * time.Second

// MQTTConfig configures the MQTT notifier.
type MQTTConfig struct {
	BrokerURL   string `yaml:"brokerUrl" mapstructure:"brokerUrl"`
	ClientID    string `yaml:"clientId" mapstructure:"clientId"`
	Username    string `yaml:"username" mapstructure:"username"`
	Password    string `yaml:"password" mapstructure:"password"`
	TopicPrefix string `yaml:"topicPrefix" mapstructure:"topicPrefix"`
	QoS         byte   `yaml:"qos" mapstructure:"qos"`
}

// MQTTNotifier publishes lifecycle events to an MQTT broker, one retained
// message per device on <prefix>/<serialNumber>/lifecycle.
type MQTTNotifier struct {
	client pahomqtt.Client
	cfg    MQTTConfig
	logger *slog.Logger
}

// ConnectMQTT connects to the broker and returns a notifier. The paho
// client reconnects automatically after transient broker loss.
func ConnectMQTT(cfg MQTTConfig, logger *slog.Logger) (*MQTTNotifier, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "associations"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "association-registry"
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect timeout after %v", defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return &MQTTNotifier{client: client, cfg: cfg, logger: logger}, nil
}

// NotifyLifecycleChange publishes the association view as a retained JSON
// message on the device's lifecycle topic.
func (n *MQTTNotifier) NotifyLifecycleChange(ctx context.Context, view association.AssociationView) error {
	payload, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}

	topic := fmt.Sprintf("%s/%s/lifecycle", n.cfg.TopicPrefix, view.SerialNumber)
	token := n.client.Publish(topic, n.cfg.QoS, true, payload)

	timeout := defaultPublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker, allowing in-flight work to finish.
func (n *MQTTNotifier) Close() {
	n.client.Disconnect(250)
}
