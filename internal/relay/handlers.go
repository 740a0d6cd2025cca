package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/HerbHall/esplink/internal/plugin"
	"github.com/HerbHall/esplink/internal/server"
)

var errDeviceNotFound = errors.New("device not found")

// Routes exposes the relay API, mounted under /api/v1/relay.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/devices/{id}/command", Handler: m.handleCommand},
		{Method: "GET", Path: "/ws", Handler: m.handleWS},
	}
}

// handleCommand forwards a command to a registered device.
//
//	@Summary		Send device command
//	@Description	Relays an LED or status command to the device's firmware endpoint.
//	@Tags			relay
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Device identity"
//	@Param			body	body		CommandRequest	true	"Command"
//	@Success		200		{object}	CommandResult
//	@Failure		400		{object}	server.Problem
//	@Failure		404		{object}	server.Problem
//	@Failure		503		{object}	server.Problem
//	@Router			/relay/devices/{id}/command [post]
func (m *Module) handleCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.BadRequest(w, "invalid JSON body", r.URL.Path)
		return
	}
	if req.Command == "" {
		server.BadRequest(w, "command is required", r.URL.Path)
		return
	}
	if req.Command == CommandLED && req.State != "on" && req.State != "off" {
		server.BadRequest(w, "led command requires state on or off", r.URL.Path)
		return
	}

	result, err := m.dispatch(r.Context(), deviceID, req)
	switch {
	case errors.Is(err, errDeviceNotFound):
		server.NotFound(w, "device "+deviceID+" not found", r.URL.Path)
		return
	case err != nil:
		var unknown *errUnknownCommand
		if errors.As(err, &unknown) {
			server.BadRequest(w, err.Error(), r.URL.Path)
			return
		}
		m.logger.Warn("command relay failed",
			zap.String("device_id", deviceID),
			zap.String("command", req.Command),
			zap.Error(err),
		)
		server.Unavailable(w, err.Error(), r.URL.Path)
		return
	}

	server.WriteJSON(w, http.StatusOK, result)
}

// handleWS upgrades the client to a WebSocket subscription. Inbound frames
// are treated as commands of the form {"device_id": "...", "command": "..."}.
//
//	@Summary		Subscribe to relay traffic
//	@Description	Streams command results and device status over WebSocket.
//	@Tags			relay
//	@Router			/relay/ws [get]
func (m *Module) handleWS(w http.ResponseWriter, r *http.Request) {
	m.hub.serveWS(w, r, m.onWSCommand)
}

// wsCommand is the inbound WebSocket command frame.
type wsCommand struct {
	DeviceID string `json:"device_id"`
	CommandRequest
}

func (m *Module) onWSCommand(ctx context.Context, data []byte) {
	var cmd wsCommand
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.DeviceID == "" || cmd.Command == "" {
		return
	}
	if _, err := m.dispatch(ctx, cmd.DeviceID, cmd.CommandRequest); err != nil {
		m.logger.Debug("websocket command failed",
			zap.String("device_id", cmd.DeviceID),
			zap.Error(err),
		)
	}
}
