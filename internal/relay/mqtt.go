package relay

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTT topics shared with the ESP32 firmware.
const (
	topicLEDControl   = "esp32/led/control"
	topicStatusFilter = "esp32/+/status"
)

const mqttConnectTimeout = 10 * time.Second

// mqttBridge mirrors device commands onto the broker and feeds device
// status messages back into the relay.
type mqttBridge struct {
	logger *zap.Logger
	client mqtt.Client
}

// statusHandler receives a device status message from the broker.
type statusHandler func(topic string, payload []byte)

func newMQTTBridge(broker, clientID string, logger *zap.Logger, onStatus statusHandler) (*mqttBridge, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false)

	opts.OnConnect = func(c mqtt.Client) {
		logger.Info("mqtt connected", zap.String("broker", broker))
		token := c.Subscribe(topicStatusFilter, 1, func(_ mqtt.Client, msg mqtt.Message) {
			onStatus(msg.Topic(), msg.Payload())
		})
		if token.Wait() && token.Error() != nil {
			logger.Error("mqtt subscribe failed",
				zap.String("filter", topicStatusFilter),
				zap.Error(token.Error()),
			)
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}

	return &mqttBridge{logger: logger, client: client}, nil
}

// publishLED mirrors an LED command to the control topic. The firmware
// deserializes JSON and acts on the boolean "state" key. QoS 1, not
// retained.
func (b *mqttBridge) publishLED(on bool) error {
	payload, _ := json.Marshal(map[string]bool{"state": on})
	token := b.client.Publish(topicLEDControl, 1, false, payload)
	if !token.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topicLEDControl)
	}
	return token.Error()
}

func (b *mqttBridge) close() {
	b.client.Disconnect(250)
}
