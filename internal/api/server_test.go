// v2
// internal/api/server_test.go
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/analysis"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/metrics"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/model"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/scheduler"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/timing"
)

type fakeController struct {
	overrideErr error
	releaseErr  error
	lastPlan    model.SignalPlan
	cleared     []string
}

func (f *fakeController) Snapshot() model.Snapshot {
	return model.Snapshot{
		IntersectionID: "j1",
		Mode:           model.ModeNormal,
		Directions: map[string]model.DirectionStatus{
			"north": {Phase: model.PhaseGreen, Remaining: 5 * time.Second},
		},
		TakenAt: time.Now(),
	}
}

func (f *fakeController) Status() scheduler.Stats {
	return scheduler.Stats{Mode: model.ModeNormal, CyclesCompleted: 7}
}

func (f *fakeController) RequestManualOverride(plan model.SignalPlan) error {
	f.lastPlan = plan
	return f.overrideErr
}

func (f *fakeController) ReleaseManualOverride() error { return f.releaseErr }

func (f *fakeController) VehicleCleared(direction string) {
	f.cleared = append(f.cleared, direction)
}

func newTestServer(t *testing.T, ctrl *fakeController) http.Handler {
	t.Helper()
	lg := slog.New(slog.NewTextHandler(io.Discard, nil))
	caps, err := analysis.NewCapacities(map[string]int{"north": 40, "south": 40}, 5, 500)
	if err != nil {
		t.Fatal(err)
	}
	return NewServer(ctrl, caps, metrics.New(), nil, lg).Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthAndState(t *testing.T) {
	h := newTestServer(t, &fakeController{})

	w := doJSON(t, h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}

	w = doJSON(t, h, http.MethodGet, "/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("state = %d", w.Code)
	}
	var snap model.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.IntersectionID != "j1" || snap.Directions["north"].Phase != model.PhaseGreen {
		t.Errorf("snapshot = %+v", snap)
	}

	w = doJSON(t, h, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var stats scheduler.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.CyclesCompleted != 7 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestOverrideEndpoints(t *testing.T) {
	ctrl := &fakeController{}
	h := newTestServer(t, ctrl)

	w := doJSON(t, h, http.MethodPost, "/override", `{"allocations":{"north":30,"south":20}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("engage = %d: %s", w.Code, w.Body)
	}
	if ctrl.lastPlan.Allocations["north"] != 30*time.Second {
		t.Errorf("plan = %+v", ctrl.lastPlan.Allocations)
	}

	w = doJSON(t, h, http.MethodPost, "/override", `{"allocations":{}}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty allocations = %d", w.Code)
	}
	w = doJSON(t, h, http.MethodPost, "/override", `not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad json = %d", w.Code)
	}

	ctrl.overrideErr = scheduler.ErrBusy
	w = doJSON(t, h, http.MethodPost, "/override", `{"allocations":{"north":30}}`)
	if w.Code != http.StatusConflict {
		t.Errorf("busy = %d", w.Code)
	}

	ctrl.overrideErr = timing.ErrInvalidPlan
	w = doJSON(t, h, http.MethodPost, "/override", `{"allocations":{"north":30}}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid plan = %d", w.Code)
	}

	w = doJSON(t, h, http.MethodDelete, "/override", "")
	if w.Code != http.StatusOK {
		t.Errorf("release = %d", w.Code)
	}
	ctrl.releaseErr = scheduler.ErrNotManual
	w = doJSON(t, h, http.MethodDelete, "/override", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("release without engage = %d", w.Code)
	}
}

func TestVehicleCleared(t *testing.T) {
	ctrl := &fakeController{}
	h := newTestServer(t, ctrl)

	w := doJSON(t, h, http.MethodPost, "/directions/north/cleared", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("cleared = %d", w.Code)
	}
	if len(ctrl.cleared) != 1 || ctrl.cleared[0] != "north" {
		t.Errorf("cleared = %v", ctrl.cleared)
	}
}

func TestCapacityEndpoints(t *testing.T) {
	h := newTestServer(t, &fakeController{})

	w := doJSON(t, h, http.MethodGet, "/config/capacity", "")
	if w.Code != http.StatusOK {
		t.Fatalf("all capacities = %d", w.Code)
	}

	w = doJSON(t, h, http.MethodGet, "/config/capacity/north", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get capacity = %d", w.Code)
	}
	var got struct {
		Capacity int `json:"capacity"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Capacity != 40 {
		t.Errorf("capacity = %d", got.Capacity)
	}

	w = doJSON(t, h, http.MethodPut, "/config/capacity/north", `{"capacity":60}`)
	if w.Code != http.StatusOK {
		t.Fatalf("put capacity = %d: %s", w.Code, w.Body)
	}
	w = doJSON(t, h, http.MethodGet, "/config/capacity/north", "")
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Capacity != 60 {
		t.Errorf("capacity after put = %d", got.Capacity)
	}

	w = doJSON(t, h, http.MethodPut, "/config/capacity/missing", `{"capacity":60}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown direction = %d", w.Code)
	}
	w = doJSON(t, h, http.MethodPut, "/config/capacity/north", `{"capacity":1}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("out of range = %d", w.Code)
	}
}

func TestReloadDisabled(t *testing.T) {
	h := newTestServer(t, &fakeController{})
	w := doJSON(t, h, http.MethodPost, "/config/reload", "")
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("reload = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, &fakeController{})
	w := doJSON(t, h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics = %d", w.Code)
	}
}
