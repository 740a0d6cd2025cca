package journal

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/esplink/internal/plugin"
	"github.com/HerbHall/esplink/internal/server"
)

// Routes exposes the event query API, mounted under /api/v1/journal.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/events", Handler: m.handleListEvents},
	}
}

// handleListEvents returns recorded traffic events, newest first.
//
//	@Summary	List traffic events
//	@Tags		journal
//	@Produce	json
//	@Param		device_id	query		string	false	"Filter by device identity"
//	@Param		event_type	query		string	false	"Filter by event type"
//	@Param		since		query		string	false	"RFC 3339 lower bound"
//	@Param		limit		query		int		false	"Max rows (default 100)"
//	@Success	200			{array}		models.TrafficEvent
//	@Failure	400			{object}	server.Problem
//	@Router		/journal/events [get]
func (m *Module) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := Filter{
		DeviceID:  q.Get("device_id"),
		EventType: q.Get("event_type"),
	}

	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			server.BadRequest(w, "since must be an RFC 3339 timestamp", r.URL.Path)
			return
		}
		filter.Since = since
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			server.BadRequest(w, "limit must be a positive integer", r.URL.Path)
			return
		}
		filter.Limit = limit
	}

	events, err := m.repo.query(r.Context(), filter)
	if err != nil {
		m.logger.Error("list traffic events", zap.Error(err))
		server.InternalError(w, "failed to query events", r.URL.Path)
		return
	}
	server.WriteJSON(w, http.StatusOK, events)
}
