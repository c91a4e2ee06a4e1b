package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hedge-systemv1/internal/model"
)

func TestHealthzReflectsLastEventTime(t *testing.T) {
	h := NewHealthStatus()
	h.SetBybitWSConnected(true)
	h.SetCoinDCXWSConnected(true)
	h.RedisConnected = true
	h.SQLiteOK = true

	// The monitor hook hands over the event's wall-clock receive time.
	ev := model.OrderEvent{
		Venue:        model.VenueBybit,
		OrderID:      "ord-1",
		ReceivedAt:   1,
		ReceivedTime: time.Now().Add(-3 * time.Second),
	}
	h.SetLastEventTime(ev.ReceivedTime)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Status        string `json:"status"`
		LastEventTime string `json:"last_event_time"`
		EventAge      string `json:"event_age"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("status = %s, want healthy", body.Status)
	}
	if body.LastEventTime != ev.ReceivedTime.Format(time.RFC3339) {
		t.Errorf("last_event_time = %s, want %s", body.LastEventTime, ev.ReceivedTime.Format(time.RFC3339))
	}
	if body.EventAge == "" {
		t.Error("event_age missing for a non-zero last event time")
	}
}

func TestHealthzUnhealthyWithoutSQLite(t *testing.T) {
	h := NewHealthStatus()
	h.SetBybitWSConnected(true)
	h.SetCoinDCXWSConnected(true)
	h.RedisConnected = true
	h.SQLiteOK = false

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "unhealthy" {
		t.Errorf("status = %s, want unhealthy", body.Status)
	}
}
