package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HerbHall/esplink/internal/event"
	"github.com/HerbHall/esplink/internal/plugin"
	"github.com/HerbHall/esplink/internal/testutil"
	"github.com/HerbHall/esplink/pkg/models"
)

func newTestModule(t *testing.T) (*Module, plugin.EventBus) {
	t.Helper()

	bus := event.NewBus(testutil.Logger())
	mod := New()
	err := mod.Init(plugin.Deps{
		Config: viper.New(),
		Logger: testutil.Logger(),
		Store:  testutil.NewStore(t),
		Bus:    bus,
	})
	require.NoError(t, err)
	t.Cleanup(func() { mod.Stop() })
	return mod, bus
}

func trafficEvent(id, topic, deviceID string, at time.Time) plugin.Event {
	return plugin.Event{
		Topic:     topic,
		Source:    "access",
		Timestamp: at,
		Payload: &models.TrafficEvent{
			ID:        id,
			EventType: topic,
			DeviceID:  deviceID,
			Address:   "10.0.0.5",
			Outcome:   "registered",
			CreatedAt: at,
		},
	}
}

func TestModuleRecordsBusEvents(t *testing.T) {
	mod, bus := newTestModule(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, bus.Publish(context.Background(),
		trafficEvent("evt-1", "access.device.registered", "sensor-1", now)))
	require.NoError(t, bus.Publish(context.Background(),
		trafficEvent("evt-2", "relay.command.sent", "sensor-1", now.Add(time.Second))))

	// Off-namespace and payload-less events are ignored.
	require.NoError(t, bus.Publish(context.Background(),
		plugin.Event{Topic: "core.started", Payload: "ignored"}))
	require.NoError(t, bus.Publish(context.Background(),
		plugin.Event{Topic: "access.device.registered", Payload: "not a traffic event"}))

	events, err := mod.repo.query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "evt-2", events[0].ID, "newest first")
	assert.Equal(t, "evt-1", events[1].ID)
}

func TestRepositoryQueryFilters(t *testing.T) {
	mod, _ := newTestModule(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	seed := []*models.TrafficEvent{
		{ID: "a", EventType: "access.device.registered", DeviceID: "sensor-1", CreatedAt: base},
		{ID: "b", EventType: "access.submission.accepted", DeviceID: "sensor-1", CreatedAt: base.Add(time.Minute)},
		{ID: "c", EventType: "access.device.registered", DeviceID: "sensor-2", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, e := range seed {
		require.NoError(t, mod.repo.insert(ctx, e))
	}

	byDevice, err := mod.repo.query(ctx, Filter{DeviceID: "sensor-1"})
	require.NoError(t, err)
	require.Len(t, byDevice, 2)

	byType, err := mod.repo.query(ctx, Filter{EventType: "access.device.registered"})
	require.NoError(t, err)
	require.Len(t, byType, 2)

	both, err := mod.repo.query(ctx, Filter{DeviceID: "sensor-2", EventType: "access.device.registered"})
	require.NoError(t, err)
	require.Len(t, both, 1)
	assert.Equal(t, "c", both[0].ID)

	since, err := mod.repo.query(ctx, Filter{Since: base.Add(30 * time.Second)})
	require.NoError(t, err)
	require.Len(t, since, 2)

	limited, err := mod.repo.query(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "c", limited[0].ID, "limit keeps the newest")
}

func TestRepositoryPrune(t *testing.T) {
	mod, _ := newTestModule(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, mod.repo.insert(ctx, &models.TrafficEvent{
		ID: "old", EventType: "access.device.registered", CreatedAt: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, mod.repo.insert(ctx, &models.TrafficEvent{
		ID: "fresh", EventType: "access.device.registered", CreatedAt: now,
	}))

	removed, err := mod.repo.prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	events, err := mod.repo.query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "fresh", events[0].ID)
}

func TestHandleListEvents(t *testing.T) {
	mod, _ := newTestModule(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 3; i++ {
		require.NoError(t, mod.repo.insert(ctx, &models.TrafficEvent{
			ID:        fmt.Sprintf("evt-%d", i),
			EventType: "access.device.registered",
			DeviceID:  "sensor-1",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	mux := http.NewServeMux()
	for _, route := range mod.Routes() {
		mux.HandleFunc(route.Method+" "+route.Path, route.Handler)
	}

	get := func(target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
		return rec
	}

	rec := get("/events?device_id=sensor-1&limit=2")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var events []*models.TrafficEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, "evt-2", events[0].ID)

	rec = get("/events?since=" + base.Add(time.Second).Format(time.RFC3339))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)

	assert.Equal(t, http.StatusBadRequest, get("/events?since=yesterday").Code)
	assert.Equal(t, http.StatusBadRequest, get("/events?limit=0").Code)
	assert.Equal(t, http.StatusBadRequest, get("/events?limit=abc").Code)

	// No matches is an empty array, not null.
	rec = get("/events?device_id=ghost")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}
