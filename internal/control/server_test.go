package control

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edonshumolli/satellite-quic-proxy/internal/accel"
	"github.com/edonshumolli/satellite-quic-proxy/internal/quicproxy"
)

type stubDispatcher struct {
	stats               quicproxy.Stats
	accelerationEnabled bool
	verboseLogging      bool
}

func (s *stubDispatcher) Stats() quicproxy.Stats { return s.stats }
func (s *stubDispatcher) SetAccelerationEnabled(enabled bool) { s.accelerationEnabled = enabled }
func (s *stubDispatcher) SetVerboseLogging(enabled bool)      { s.verboseLogging = enabled }

func TestHandleStatsReturnsJSON(t *testing.T) {
	stub := &stubDispatcher{stats: quicproxy.Stats{TotalConnections: 3, ActiveConnections: 2}}
	srv := NewServer(stub, accel.NewFacade(nil, true))

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.TotalConnections != 3 || resp.ActiveConnections != 2 {
		t.Errorf("unexpected stats payload: %+v", resp)
	}
}

func TestHandleSetAccelerationTogglesDispatcher(t *testing.T) {
	stub := &stubDispatcher{}
	srv := NewServer(stub, nil)

	body, _ := json.Marshal(toggleRequest{Enabled: true})
	req := httptest.NewRequest(http.MethodPost, "/control/acceleration", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if !stub.accelerationEnabled {
		t.Error("acceleration flag should have been set to true")
	}
}
