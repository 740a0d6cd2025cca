// Package relay forwards commands to registered devices and fans their
// status updates out to WebSocket and MQTT subscribers. Devices expose the
// small HTTP surface the stock ESP32 firmware serves: GET /led/on,
// GET /led/off, POST /led, and GET /status.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/HerbHall/esplink/pkg/models"
)

// Known commands.
const (
	CommandLEDOn  = "led_on"
	CommandLEDOff = "led_off"
	CommandLED    = "led"
	CommandToggle = "toggle"
	CommandStatus = "status"
)

// EndpointResolver looks up where a device lives. The access control
// manager satisfies this.
type EndpointResolver interface {
	Device(deviceID string) (*models.DeviceRecord, bool)
	IsAuthorized(deviceID string) bool
}

// CommandRequest is a device command. State is only meaningful for the
// "led" command, where it must be "on" or "off".
type CommandRequest struct {
	Command string `json:"command"`
	State   string `json:"state,omitempty"`
}

// CommandResult is the device's reply.
type CommandResult struct {
	DeviceID   string          `json:"device_id"`
	Command    string          `json:"command"`
	StatusCode int             `json:"status_code"`
	Response   json.RawMessage `json:"response,omitempty"`
	Duration   string          `json:"duration"`
}

// errUnknownCommand is returned for commands outside the known set.
type errUnknownCommand struct{ command string }

func (e *errUnknownCommand) Error() string {
	return fmt.Sprintf("unknown command %q", e.command)
}

// commander performs the device-side HTTP call.
type commander struct {
	client *http.Client
}

func newCommander(timeout time.Duration) *commander {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &commander{client: &http.Client{Timeout: timeout}}
}

// maxDeviceResponse bounds what we read back from a device. The firmware
// replies are tiny; anything bigger is misbehaving.
const maxDeviceResponse = 64 * 1024

// send translates the command to the firmware's HTTP surface and performs
// the call.
func (c *commander) send(ctx context.Context, device *models.DeviceRecord, req CommandRequest) (*CommandResult, error) {
	if req.Command == CommandToggle {
		return c.toggle(ctx, device)
	}

	base := "http://" + device.Address + ":" + strconv.Itoa(device.Port)

	var (
		method = http.MethodGet
		path   string
		body   io.Reader
	)
	switch req.Command {
	case CommandLEDOn:
		path = "/led/on"
	case CommandLEDOff:
		path = "/led/off"
	case CommandLED:
		if req.State != "on" && req.State != "off" {
			return nil, fmt.Errorf("led command requires state on or off, got %q", req.State)
		}
		method = http.MethodPost
		path = "/led"
		// The firmware's JSON parser only accepts a boolean state.
		payload, _ := json.Marshal(map[string]bool{"state": req.State == "on"})
		body = bytes.NewReader(payload)
	case CommandStatus:
		path = "/status"
	default:
		return nil, &errUnknownCommand{command: req.Command}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return nil, fmt.Errorf("build device request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("device %s unreachable: %w", device.DeviceID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDeviceResponse))
	if err != nil {
		return nil, fmt.Errorf("read device response: %w", err)
	}

	result := &CommandResult{
		DeviceID:   device.DeviceID,
		Command:    req.Command,
		StatusCode: resp.StatusCode,
		Duration:   time.Since(start).Round(time.Millisecond).String(),
	}
	if len(raw) > 0 {
		if json.Valid(raw) {
			result.Response = raw
		} else {
			result.Response, _ = json.Marshal(string(raw))
		}
	}
	return result, nil
}

// toggle reads the device's current LED state and sends the inverse. The
// firmware has no toggle endpoint of its own.
func (c *commander) toggle(ctx context.Context, device *models.DeviceRecord) (*CommandResult, error) {
	status, err := c.send(ctx, device, CommandRequest{Command: CommandStatus})
	if err != nil {
		return nil, err
	}

	var current struct {
		LED bool `json:"led"`
	}
	if err := json.Unmarshal(status.Response, &current); err != nil {
		return nil, fmt.Errorf("device %s status unreadable: %w", device.DeviceID, err)
	}

	next := "on"
	if current.LED {
		next = "off"
	}
	result, err := c.send(ctx, device, CommandRequest{Command: CommandLED, State: next})
	if err != nil {
		return nil, err
	}
	result.Command = CommandToggle
	return result, nil
}
