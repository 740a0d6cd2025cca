package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/esplink/internal/plugin"
	"github.com/HerbHall/esplink/pkg/models"
)

// Event topics published by the relay.
const (
	TopicCommandSent    = "relay.command.sent"
	TopicCommandFailed  = "relay.command.failed"
	TopicStatusReceived = "relay.status.received"
)

// Module is the command relay: HTTP commands in, device HTTP out, with
// WebSocket fan-out and an optional MQTT bridge.
type Module struct {
	logger   *zap.Logger
	bus      plugin.EventBus
	resolver EndpointResolver

	commander *commander
	hub       *Hub
	mqtt      *mqttBridge

	mqttEnabled  bool
	mqttBroker   string
	mqttClientID string
}

// New creates the relay module. The resolver is how device identities map
// to network endpoints; in practice it is the access control manager.
func New(resolver EndpointResolver) *Module {
	return &Module{resolver: resolver}
}

func (m *Module) Name() string    { return "relay" }
func (m *Module) Version() string { return "1.0.0" }

// Init wires the command client, the WebSocket hub, and the MQTT settings.
func (m *Module) Init(deps plugin.Deps) error {
	m.logger = deps.Logger
	m.bus = deps.Bus
	m.commander = newCommander(deps.Config.GetDuration("command_timeout"))
	m.hub = NewHub(deps.Logger)

	m.mqttEnabled = deps.Config.GetBool("mqtt.enabled")
	m.mqttBroker = deps.Config.GetString("mqtt.broker")
	m.mqttClientID = deps.Config.GetString("mqtt.client_id")
	if m.mqttClientID == "" {
		m.mqttClientID = "esplink"
	}

	m.logger.Info("relay initialized", zap.Bool("mqtt", m.mqttEnabled))
	return nil
}

// Start connects the MQTT bridge when enabled. The broker being down is
// not fatal; paho retries in the background.
func (m *Module) Start(ctx context.Context) error {
	if !m.mqttEnabled {
		return nil
	}

	bridge, err := newMQTTBridge(m.mqttBroker, m.mqttClientID, m.logger, m.onDeviceStatus)
	if err != nil {
		m.logger.Warn("mqtt bridge unavailable, continuing without it", zap.Error(err))
		return nil
	}
	m.mqtt = bridge
	return nil
}

// Stop disconnects MQTT and drops all WebSocket clients.
func (m *Module) Stop() error {
	if m.mqtt != nil {
		m.mqtt.close()
	}
	m.hub.Close()
	return nil
}

// Hub exposes the WebSocket hub for tests.
func (m *Module) Hub() *Hub {
	return m.hub
}

// dispatch resolves the device and performs the command, emitting the
// outcome on the bus and the hub.
func (m *Module) dispatch(ctx context.Context, deviceID string, req CommandRequest) (*CommandResult, error) {
	device, ok := m.resolver.Device(deviceID)
	if !ok {
		return nil, errDeviceNotFound
	}

	result, err := m.commander.send(ctx, device, req)
	if err != nil {
		m.emit(ctx, TopicCommandFailed, deviceID, device.Address, "failed", err.Error())
		return nil, err
	}

	m.emit(ctx, TopicCommandSent, deviceID, device.Address, "sent", req.Command)
	payload, _ := json.Marshal(result)
	m.hub.Broadcast(wsMessage{
		Kind:     "command",
		DeviceID: deviceID,
		Payload:  payload,
		SentAt:   time.Now().UTC(),
	})

	// Mirror LED state changes onto the broker so MQTT-only firmware
	// variants stay in sync.
	if m.mqtt != nil {
		if on, relevant := ledState(req); relevant {
			if err := m.mqtt.publishLED(on); err != nil {
				m.logger.Warn("mqtt mirror failed", zap.Error(err))
			}
		}
	}
	return result, nil
}

// ledState reports whether the command changes LED state and what it
// becomes.
func ledState(req CommandRequest) (on, relevant bool) {
	switch req.Command {
	case CommandLEDOn:
		return true, true
	case CommandLEDOff:
		return false, true
	case CommandLED:
		return req.State == "on", true
	}
	return false, false
}

// onDeviceStatus handles a status message arriving over MQTT: it is
// broadcast to WebSocket clients and recorded on the bus.
func (m *Module) onDeviceStatus(topic string, payload []byte) {
	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		raw, _ = json.Marshal(string(payload))
	}
	m.hub.Broadcast(wsMessage{
		Kind:    "status",
		Topic:   topic,
		Payload: raw,
		SentAt:  time.Now().UTC(),
	})
	m.emit(context.Background(), TopicStatusReceived, "", "", "received", topic)
}

func (m *Module) emit(ctx context.Context, topic, deviceID, address, outcome, detail string) {
	if m.bus == nil {
		return
	}
	m.bus.PublishAsync(ctx, plugin.Event{
		Topic:     topic,
		Source:    m.Name(),
		Timestamp: time.Now().UTC(),
		Payload: &models.TrafficEvent{
			ID:        uuid.New().String(),
			EventType: topic,
			DeviceID:  deviceID,
			Address:   address,
			Outcome:   outcome,
			Detail:    detail,
			CreatedAt: time.Now().UTC(),
		},
	})
}
