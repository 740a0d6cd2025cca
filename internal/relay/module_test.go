package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/HerbHall/esplink/internal/plugin"
	"github.com/HerbHall/esplink/internal/testutil"
	"github.com/HerbHall/esplink/pkg/models"
)

// stubResolver maps device identities to fixed records.
type stubResolver struct {
	devices map[string]*models.DeviceRecord
}

func (s *stubResolver) Device(deviceID string) (*models.DeviceRecord, bool) {
	d, ok := s.devices[deviceID]
	return d, ok
}

func (s *stubResolver) IsAuthorized(deviceID string) bool {
	_, ok := s.devices[deviceID]
	return ok
}

// fakeFirmware imitates the device-side HTTP surface with the JSON shapes
// the stock ESP32 sketches use, and records which paths were hit. Like the
// firmware, POST /led only accepts a boolean state and rejects everything
// else.
type fakeFirmware struct {
	t      *testing.T
	server *httptest.Server
	hits   []string
	led    bool
}

func newFakeFirmware(t *testing.T) *fakeFirmware {
	t.Helper()
	f := &fakeFirmware{t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /led/on", func(w http.ResponseWriter, r *http.Request) {
		f.hits = append(f.hits, "GET /led/on")
		f.led = true
		w.Write([]byte(`{"success":true,"message":"LED ON","led":true}`))
	})
	mux.HandleFunc("GET /led/off", func(w http.ResponseWriter, r *http.Request) {
		f.hits = append(f.hits, "GET /led/off")
		f.led = false
		w.Write([]byte(`{"success":true,"message":"LED OFF","led":false}`))
	})
	mux.HandleFunc("POST /led", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch {
		case strings.Contains(string(body), `"state":true`):
			f.led = true
			f.hits = append(f.hits, "POST /led true")
			w.Write([]byte(`{"success":true,"message":"LED ON","led":true}`))
		case strings.Contains(string(body), `"state":false`):
			f.led = false
			f.hits = append(f.hits, "POST /led false")
			w.Write([]byte(`{"success":true,"message":"LED OFF","led":false}`))
		default:
			f.hits = append(f.hits, "POST /led rejected")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"success":false,"message":"Invalid JSON format"}`))
		}
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		f.hits = append(f.hits, "GET /status")
		w.Write([]byte(fmt.Sprintf(`{"device":"ESP32","led":%t,"rssi":-61,"heap":182044}`, f.led)))
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeFirmware) record(deviceID string) *models.DeviceRecord {
	f.t.Helper()
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(f.server.URL, "http://"))
	if err != nil {
		f.t.Fatalf("parse firmware addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return &models.DeviceRecord{
		DeviceID: deviceID,
		Address:  host,
		Port:     port,
		Status:   models.DeviceStatusActive,
	}
}

func newTestModule(t *testing.T, resolver EndpointResolver) (*Module, *testutil.MockBus, *http.ServeMux) {
	t.Helper()

	cfg := viper.New()
	cfg.Set("command_timeout", "2s")

	bus := testutil.NewMockBus()
	mod := New(resolver)
	if err := mod.Init(plugin.Deps{
		Config: cfg,
		Logger: testutil.Logger(),
		Bus:    bus,
	}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { mod.Stop() })

	mux := http.NewServeMux()
	for _, route := range mod.Routes() {
		mux.HandleFunc(route.Method+" "+route.Path, route.Handler)
	}
	return mod, bus, mux
}

func postCommand(t *testing.T, mux *http.ServeMux, deviceID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/devices/"+deviceID+"/command", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleCommand(t *testing.T) {
	firmware := newFakeFirmware(t)
	resolver := &stubResolver{devices: map[string]*models.DeviceRecord{
		"sensor-1": firmware.record("sensor-1"),
	}}
	_, bus, mux := newTestModule(t, resolver)

	tests := []struct {
		name     string
		body     string
		wantHits []string
	}{
		{"led on", `{"command":"led_on"}`, []string{"GET /led/on"}},
		{"led off", `{"command":"led_off"}`, []string{"GET /led/off"}},
		{"led with state", `{"command":"led","state":"on"}`, []string{"POST /led true"}},
		{"status", `{"command":"status"}`, []string{"GET /status"}},
		// The firmware starts with the LED off, so toggle turns it on.
		{"toggle", `{"command":"toggle"}`, []string{"GET /status", "POST /led true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			firmware.hits = nil
			firmware.led = false
			bus.Reset()

			rec := postCommand(t, mux, "sensor-1", tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
			}

			var result CommandResult
			if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if result.DeviceID != "sensor-1" || result.StatusCode != http.StatusOK {
				t.Errorf("result = %+v", result)
			}
			if !slices.Equal(firmware.hits, tt.wantHits) {
				t.Errorf("firmware hits = %v, want %v", firmware.hits, tt.wantHits)
			}

			events := bus.Events()
			if len(events) != 1 || events[0].Topic != TopicCommandSent {
				t.Errorf("events = %+v, want one %s", events, TopicCommandSent)
			}
		})
	}
}

// TestToggleTracksFirmwareState drives toggle twice against the stateful
// stub: the relay must read the boolean led field from /status and post the
// inverse boolean, in both directions.
func TestToggleTracksFirmwareState(t *testing.T) {
	firmware := newFakeFirmware(t)
	resolver := &stubResolver{devices: map[string]*models.DeviceRecord{
		"sensor-1": firmware.record("sensor-1"),
	}}
	_, _, mux := newTestModule(t, resolver)

	rec := postCommand(t, mux, "sensor-1", `{"command":"toggle"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("first toggle status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if !firmware.led {
		t.Fatal("LED still off after toggling from off")
	}

	rec = postCommand(t, mux, "sensor-1", `{"command":"toggle"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("second toggle status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if firmware.led {
		t.Fatal("LED still on after toggling from on")
	}

	want := []string{"GET /status", "POST /led true", "GET /status", "POST /led false"}
	if !slices.Equal(firmware.hits, want) {
		t.Errorf("firmware hits = %v, want %v", firmware.hits, want)
	}
}

func TestHandleCommandErrors(t *testing.T) {
	firmware := newFakeFirmware(t)
	gone := testutil.NewDeviceRecord(
		testutil.WithDeviceID("gone"),
		testutil.WithAddress("127.0.0.1"),
	)
	gone.Port = 1 // nothing listens here
	resolver := &stubResolver{devices: map[string]*models.DeviceRecord{
		"sensor-1": firmware.record("sensor-1"),
		"gone":     &gone,
	}}
	_, bus, mux := newTestModule(t, resolver)

	tests := []struct {
		name     string
		deviceID string
		body     string
		want     int
	}{
		{"invalid json", "sensor-1", "{nope", http.StatusBadRequest},
		{"missing command", "sensor-1", "{}", http.StatusBadRequest},
		{"unknown command", "sensor-1", `{"command":"reboot"}`, http.StatusBadRequest},
		{"led without state", "sensor-1", `{"command":"led"}`, http.StatusBadRequest},
		{"unknown device", "ghost", `{"command":"led_on"}`, http.StatusNotFound},
		{"unreachable device", "gone", `{"command":"led_on"}`, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postCommand(t, mux, tt.deviceID, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	// The unreachable dispatch is the only one that reached the relay's
	// failure path and published a failed event.
	var failed int
	for _, e := range bus.Events() {
		if e.Topic == TopicCommandFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed events = %d, want 1", failed)
	}
}

func TestLEDState(t *testing.T) {
	tests := []struct {
		req      CommandRequest
		on       bool
		relevant bool
	}{
		{CommandRequest{Command: CommandLEDOn}, true, true},
		{CommandRequest{Command: CommandLEDOff}, false, true},
		{CommandRequest{Command: CommandLED, State: "on"}, true, true},
		{CommandRequest{Command: CommandLED, State: "off"}, false, true},
		{CommandRequest{Command: CommandStatus}, false, false},
	}
	for _, tt := range tests {
		on, relevant := ledState(tt.req)
		if on != tt.on || relevant != tt.relevant {
			t.Errorf("ledState(%+v) = (%v, %v), want (%v, %v)", tt.req, on, relevant, tt.on, tt.relevant)
		}
	}
}
