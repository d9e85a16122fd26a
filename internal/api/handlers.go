package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/lorawan-server/poc-gateway/internal/models"
	"github.com/lorawan-server/poc-gateway/internal/router"
	"github.com/lorawan-server/poc-gateway/internal/storage"
)

const (
	defaultLimit = 20
	maxLimit     = 500
)

// StatusResponse is the body of GET /api/v1/status
type StatusResponse struct {
	Identity string        `json:"identity"`
	Uptime   string        `json:"uptime"`
	Session  SessionStatus `json:"session"`
	Link     LinkStatus    `json:"link"`
	Region   RegionStatus  `json:"region"`
	Filter   FilterStatus  `json:"filter"`
	Beacon   *BeaconStatus `json:"beacon,omitempty"`
}

// SessionStatus describes the router session
type SessionStatus struct {
	State        router.State `json:"state"`
	Queued       int          `json:"queued"`
	LastActivity *time.Time   `json:"lastActivity,omitempty"`
}

// LinkStatus describes the concentrator link
type LinkStatus struct {
	Health  models.LinkHealth    `json:"health"`
	Gateway string               `json:"gateway,omitempty"`
	Stats   *models.GatewayStats `json:"stats,omitempty"`
}

// RegionStatus describes the active plan
type RegionStatus struct {
	Loaded bool   `json:"loaded"`
	Region string `json:"region,omitempty"`
	Pinned bool   `json:"pinned"`
}

// FilterStatus describes the active device filter
type FilterStatus struct {
	Generation uint64 `json:"generation"`
}

// BeaconStatus describes the beacon scheduler
type BeaconStatus struct {
	SignerDegraded bool                 `json:"signerDegraded"`
	Last           *models.BeaconRecord `json:"last,omitempty"`
}

// HandleStatus renders a snapshot of every component
func (s *RESTServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Identity: s.deps.Identity.String(),
		Uptime:   time.Since(s.started).Truncate(time.Second).String(),
		Session: SessionStatus{
			State:  s.deps.Session.Status(),
			Queued: s.deps.Session.Queued(),
		},
		Link: LinkStatus{
			Health:  s.deps.Link.Health(),
			Gateway: s.deps.Link.ActiveGateway(),
		},
		Region: RegionStatus{Pinned: s.deps.Regions.Pinned()},
		Filter: FilterStatus{Generation: s.deps.Filter.Generation()},
	}

	if t := s.deps.Session.LastActivity(); !t.IsZero() {
		resp.Session.LastActivity = &t
	}
	if s.deps.Engine != nil {
		resp.Link.Stats = s.deps.Engine.Status().Stats
	}
	if plan := s.deps.Regions.Current(); plan != nil {
		resp.Region.Loaded = true
		resp.Region.Region = plan.Region
	}
	if s.deps.Beacons != nil {
		resp.Beacon = &BeaconStatus{SignerDegraded: s.deps.Beacons.SignerDegraded()}
		if h := s.deps.Beacons.History(); len(h) > 0 {
			resp.Beacon.Last = &h[0]
		}
	}

	s.respondJSON(w, http.StatusOK, resp)
}

// HandleHealth answers 200 only while the gateway can route traffic
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	var problems []string
	if h := s.deps.Link.Health(); h != models.LinkHealthy {
		problems = append(problems, "concentrator link "+h.String())
	}
	if st := s.deps.Session.Status(); st != router.Streaming {
		problems = append(problems, "router session "+st.String())
	}
	if s.deps.Regions.Current() == nil {
		problems = append(problems, "no region plan")
	}
	if s.deps.Beacons != nil && s.deps.Beacons.SignerDegraded() {
		problems = append(problems, "signer degraded")
	}

	if len(problems) > 0 {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "degraded",
			"problems": problems,
			"time":     time.Now(),
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
	})
}

// HandleListBeacons lists the in-memory beacon history, newest first
func (s *RESTServer) HandleListBeacons(w http.ResponseWriter, r *http.Request) {
	records := []models.BeaconRecord{}
	if s.deps.Beacons != nil {
		records = append(records, s.deps.Beacons.History()...)
	}

	limit, err := parseLimit(r, len(records))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit < len(records) {
		records = records[:limit]
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"beacons": records,
		"total":   len(records),
	})
}

// HandleListStoredBeacons lists persisted beacon records, newest first
func (s *RESTServer) HandleListStoredBeacons(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.respondError(w, http.StatusNotFound, "storage not configured")
		return
	}

	limit, err := parseLimit(r, defaultLimit)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.deps.Store.RecentBeacons(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("list stored beacons failed")
		s.respondError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if records == nil {
		records = []models.BeaconRecord{}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"beacons": records,
		"total":   len(records),
	})
}

// HandleListEvents lists persisted events, newest first
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.respondError(w, http.StatusNotFound, "storage not configured")
		return
	}

	limit, err := parseLimit(r, defaultLimit)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	filters := storage.EventLogFilters{}
	if v := q.Get("type"); v != "" {
		t := models.EventType(v)
		filters.Type = &t
	}
	if v := q.Get("level"); v != "" {
		l := models.EventLevel(v)
		filters.Level = &l
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filters.Since = &since
	}

	events, err := s.deps.Store.ListEventLogs(r.Context(), filters, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("list events failed")
		s.respondError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if events == nil {
		events = []models.Event{}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  len(events),
	})
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal response failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// parseLimit reads ?limit, falling back to def
func parseLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, nil
}
