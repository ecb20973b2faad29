package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/solarbridge/solarbridge/pkg/cloud"
	"github.com/solarbridge/solarbridge/pkg/coordinator"
	"github.com/solarbridge/solarbridge/pkg/log"
	"github.com/solarbridge/solarbridge/pkg/types"
)

func (s *Server) getCoordinator(w http.ResponseWriter, r *http.Request) *coordinator.Coordinator {
	c, ok := s.coordinators[r.PathValue("accountID")]
	if !ok {
		writeJSONError(w, "unknown account", http.StatusNotFound)
		return nil
	}
	return c
}

// writeCloudError maps a control or proxy failure onto an HTTP status. The
// upstream's own rate limit and auth failures come back as 429/502 so callers
// can tell them apart from bad requests.
func writeCloudError(w http.ResponseWriter, r *http.Request, err error) {
	var authErr *cloud.AuthError
	var rateErr *cloud.RateLimitError
	var apiErr *cloud.APIError
	switch {
	case errors.As(err, &rateErr):
		writeJSONError(w, err.Error(), http.StatusTooManyRequests)
	case errors.As(err, &authErr), errors.As(err, &apiErr):
		writeJSONError(w, err.Error(), http.StatusBadGateway)
	default:
		log.Ctx(r.Context()).ErrorContext(r.Context(), "cloud request failed", slog.Any("error", err))
		writeJSONError(w, "internal error", http.StatusInternalServerError)
	}
}

type accountSummary struct {
	ID              string `json:"id"`
	HasSnapshot     bool   `json:"hasSnapshot"`
	IntervalSeconds int    `json:"intervalSeconds"`
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	out := make([]accountSummary, 0, len(s.coordinators))
	for id, c := range s.coordinators {
		out = append(out, accountSummary{
			ID:              id,
			HasSnapshot:     c.Snapshot() != nil,
			IntervalSeconds: int(c.Interval().Seconds()),
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	c := s.getCoordinator(w, r)
	if c == nil {
		return
	}
	snap := c.Snapshot()
	if snap == nil {
		writeJSONError(w, "no snapshot available yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, snap)
}

type deviceEntry struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	c := s.getCoordinator(w, r)
	if c == nil {
		return
	}
	meta := c.DeviceMeta()
	out := make([]deviceEntry, 0, len(meta))
	for _, m := range meta {
		out = append(out, deviceEntry{ID: m.ID, Name: m.Name, Type: m.Type})
	}
	writeJSON(w, out)
}

func (s *Server) handleDeviceDetail(w http.ResponseWriter, r *http.Request) {
	c := s.getCoordinator(w, r)
	if c == nil {
		return
	}
	detail, err := c.DeviceDetail(r.Context(), r.PathValue("deviceID"))
	if err != nil {
		writeCloudError(w, r, err)
		return
	}
	writeJSON(w, detail)
}

func (s *Server) handleGetBatteryEco(w http.ResponseWriter, r *http.Request) {
	c := s.getCoordinator(w, r)
	if c == nil {
		return
	}
	writeJSON(w, c.BatteryEcoSettings(r.Context(), r.PathValue("deviceID")))
}

type setBatteryEcoRequest struct {
	Field string `json:"field"`
	Value int    `json:"value"`
}

func (s *Server) handleSetBatteryEco(w http.ResponseWriter, r *http.Request) {
	c := s.getCoordinator(w, r)
	if c == nil {
		return
	}
	var req setBatteryEcoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	switch req.Field {
	case types.FieldDischargeSOCLimit, types.FieldMorningSOCLimit, types.FieldChargingSOCLimit:
	default:
		writeJSONError(w, "unknown field", http.StatusBadRequest)
		return
	}
	if req.Value < 0 || req.Value > 100 {
		writeJSONError(w, "value must be between 0 and 100", http.StatusBadRequest)
		return
	}

	deviceID := r.PathValue("deviceID")
	if err := c.SetBatteryEco(r.Context(), deviceID, req.Field, req.Value); err != nil {
		writeCloudError(w, r, err)
		return
	}
	writeJSON(w, c.BatteryEcoSettings(r.Context(), deviceID))
}

func (s *Server) handleListBatteryWrites(w http.ResponseWriter, r *http.Request) {
	c := s.getCoordinator(w, r)
	if c == nil {
		return
	}

	end := time.Now()
	start := end.Add(-24 * time.Hour)
	var err error
	if v := r.URL.Query().Get("start"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			writeJSONError(w, "invalid start time", http.StatusBadRequest)
			return
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			writeJSONError(w, "invalid end time", http.StatusBadRequest)
			return
		}
	}

	writes, err := s.storage.GetBatteryWrites(r.Context(), c.AccountID(), start, end)
	if err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "failed to list battery writes", slog.Any("error", err))
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if writes == nil {
		writes = []types.BatteryWrite{}
	}
	writeJSON(w, writes)
}

func (s *Server) handleRefreshMeta(w http.ResponseWriter, r *http.Request) {
	c := s.getCoordinator(w, r)
	if c == nil {
		return
	}
	c.RefreshDeviceMeta(r.Context())
	w.WriteHeader(http.StatusAccepted)
}
