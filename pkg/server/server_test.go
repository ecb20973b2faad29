package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/solarbridge/solarbridge/pkg/cloud"
	"github.com/solarbridge/solarbridge/pkg/coordinator"
	"github.com/solarbridge/solarbridge/pkg/exporter"
	"github.com/solarbridge/solarbridge/pkg/storage"
	"github.com/solarbridge/solarbridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newCloudStub serves the minimal Solar Manager surface for account sm1.
func newCloudStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/oauth/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"accessToken": "a", "refreshToken": "r", "expiresIn": 3600})
	})
	mux.HandleFunc("GET /v3/users/sm1/data/stream", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"pW": 1000, "cW": 400, "soc": 55,
			"devices": []any{map[string]any{"_id": "bat1", "power": 250}},
		})
	})
	mux.HandleFunc("GET /v1/info/sensors/sm1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]any{
			map[string]any{
				"_id": "bat1", "name": "Garage Battery", "type": "battery",
				"data": map[string]any{"dischargeSocLimit": 15, "morningSocLimit": 70, "chargingSocLimit": 95},
			},
		})
	})
	mux.HandleFunc("GET /v1/info/sensor/bat1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"_id": "bat1", "signal": "connected"})
	})
	mux.HandleFunc("PUT /v2/control/battery/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, cloudBase string) (*Server, *coordinator.Coordinator) {
	t.Helper()
	db := storage.NewMemory()
	c := coordinator.New(cloud.New(cloudBase, types.AccountConfig{
		ID: "sm1", Email: "user@example.com", Password: "pw",
	}), coordinator.Options{DB: db})

	s := &Server{
		storage:      db,
		coordinators: map[string]*coordinator.Coordinator{"sm1": c},
		registry:     prometheus.NewRegistry(),
		bypassAuth:   true,
	}
	s.registry.MustRegister(exporter.NewCollector([]exporter.SnapshotSource{c}))
	return s, c
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAPI(t *testing.T) {
	ctx := context.Background()
	stub := newCloudStub(t)
	s, c := newTestServer(t, stub.URL)
	h := s.setupHandler()

	t.Run("SnapshotUnavailableBeforePoll", func(t *testing.T) {
		w := doRequest(t, h, http.MethodGet, "/api/accounts/sm1/snapshot", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	require.NoError(t, c.Refresh(ctx))

	t.Run("UnknownAccount", func(t *testing.T) {
		w := doRequest(t, h, http.MethodGet, "/api/accounts/nope/snapshot", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("ListAccounts", func(t *testing.T) {
		w := doRequest(t, h, http.MethodGet, "/api/accounts", "")
		require.Equal(t, http.StatusOK, w.Code)
		var accounts []accountSummary
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accounts))
		require.Len(t, accounts, 1)
		assert.Equal(t, "sm1", accounts[0].ID)
		assert.True(t, accounts[0].HasSnapshot)
	})

	t.Run("Snapshot", func(t *testing.T) {
		w := doRequest(t, h, http.MethodGet, "/api/accounts/sm1/snapshot", "")
		require.Equal(t, http.StatusOK, w.Code)
		var snap types.Snapshot
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
		require.NotNil(t, snap.PVW)
		assert.Equal(t, 1000.0, *snap.PVW)
		require.Len(t, snap.Devices, 1)
		assert.Equal(t, "bat1", snap.Devices[0].ID)
	})

	t.Run("ListDevices", func(t *testing.T) {
		w := doRequest(t, h, http.MethodGet, "/api/accounts/sm1/devices", "")
		require.Equal(t, http.StatusOK, w.Code)
		var devices []deviceEntry
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &devices))
		require.Len(t, devices, 1)
		assert.Equal(t, "Garage Battery", devices[0].Name)
	})

	t.Run("DeviceDetail", func(t *testing.T) {
		w := doRequest(t, h, http.MethodGet, "/api/accounts/sm1/devices/bat1", "")
		require.Equal(t, http.StatusOK, w.Code)
		var detail map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
		assert.Equal(t, "connected", detail["signal"])
	})

	t.Run("GetBatteryEco", func(t *testing.T) {
		w := doRequest(t, h, http.MethodGet, "/api/accounts/sm1/battery/bat1/eco", "")
		require.Equal(t, http.StatusOK, w.Code)
		var eco types.EcoLimits
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &eco))
		assert.Equal(t, 15, eco.DischargeSOCLimit)
		assert.Equal(t, 70, eco.MorningSOCLimit)
	})

	t.Run("SetBatteryEco", func(t *testing.T) {
		w := doRequest(t, h, http.MethodPut, "/api/accounts/sm1/battery/bat1/eco",
			`{"field":"morningSocLimit","value":75}`)
		require.Equal(t, http.StatusOK, w.Code)

		writes, err := s.storage.GetBatteryWrites(ctx, "sm1", time.Time{}, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, writes, 1)
		assert.Equal(t, types.FieldMorningSOCLimit, writes[0].ChangedField)
		assert.Equal(t, 75, writes[0].Limits.MorningSOCLimit)
	})

	t.Run("SetBatteryEcoBadField", func(t *testing.T) {
		w := doRequest(t, h, http.MethodPut, "/api/accounts/sm1/battery/bat1/eco",
			`{"field":"batteryMode","value":2}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("SetBatteryEcoBadValue", func(t *testing.T) {
		w := doRequest(t, h, http.MethodPut, "/api/accounts/sm1/battery/bat1/eco",
			`{"field":"morningSocLimit","value":150}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("ListBatteryWrites", func(t *testing.T) {
		w := doRequest(t, h, http.MethodGet, "/api/accounts/sm1/writes", "")
		require.Equal(t, http.StatusOK, w.Code)
		var writes []types.BatteryWrite
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &writes))
		assert.Len(t, writes, 1)
	})

	t.Run("ListBatteryWritesBadRange", func(t *testing.T) {
		w := doRequest(t, h, http.MethodGet, "/api/accounts/sm1/writes?start=yesterday", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("RefreshMeta", func(t *testing.T) {
		w := doRequest(t, h, http.MethodPost, "/api/accounts/sm1/refresh-meta", "")
		assert.Equal(t, http.StatusAccepted, w.Code)
	})

	t.Run("Metrics", func(t *testing.T) {
		w := doRequest(t, h, http.MethodGet, "/metrics", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `solarbridge_up{account="sm1"} 1`)
		assert.Contains(t, w.Body.String(), `solarbridge_production_watts{account="sm1"} 1000`)
	})

	t.Run("Healthz", func(t *testing.T) {
		w := doRequest(t, h, http.MethodGet, "/healthz", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestCloudErrorMapping(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/oauth/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"accessToken": "a", "expiresIn": 3600})
	})
	mux.HandleFunc("GET /v3/users/sm1/data/stream", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	})
	mux.HandleFunc("GET /v1/info/sensors/sm1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]any{})
	})
	mux.HandleFunc("GET /v1/info/sensor/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	mux.HandleFunc("PUT /v2/control/battery/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	stub := httptest.NewServer(mux)
	defer stub.Close()

	s, c := newTestServer(t, stub.URL)
	h := s.setupHandler()
	require.NoError(t, c.Refresh(context.Background()))

	t.Run("RateLimitedProxy", func(t *testing.T) {
		w := doRequest(t, h, http.MethodGet, "/api/accounts/sm1/devices/bat1", "")
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})

	t.Run("UpstreamAuthFailureOnWrite", func(t *testing.T) {
		w := doRequest(t, h, http.MethodPut, "/api/accounts/sm1/battery/bat1/eco",
			`{"field":"morningSocLimit","value":75}`)
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}

func TestAuthMiddleware(t *testing.T) {
	stub := newCloudStub(t)
	s, _ := newTestServer(t, stub.URL)
	s.bypassAuth = false
	s.oidcVerifier = func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error) {
		if rawIDToken != "valid" {
			return nil, errors.New("bad token")
		}
		return &oidc.IDToken{Subject: "user1"}, nil
	}
	h := s.setupHandler()

	t.Run("MissingToken", func(t *testing.T) {
		w := doRequest(t, h, http.MethodGet, "/api/accounts", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("InvalidToken", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
		req.Header.Set("Authorization", "Bearer nope")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("ValidToken", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
		req.Header.Set("Authorization", "Bearer valid")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("MetricsUnauthenticated", func(t *testing.T) {
		w := doRequest(t, h, http.MethodGet, "/metrics", "")
		assert.Equal(t, http.StatusOK, w.Code, "metrics endpoint bypasses API auth")
	})
}
