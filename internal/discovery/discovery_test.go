package discovery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSortTransportsOrdersByPriority(t *testing.T) {
	ts := []Transport{
		{Protocol: "h2", Port: 443, Enabled: true},
		{Protocol: "quic", Port: 4443, Enabled: true},
		{Protocol: "websocket", Port: 443, Path: "/localup", Enabled: true},
	}
	SortTransports(ts)
	want := []string{"quic", "websocket", "h2"}
	for i, w := range want {
		if ts[i].Protocol != w {
			t.Fatalf("ts[%d] = %q, want %q", i, ts[i].Protocol, w)
		}
	}
}

func TestBestTransportSkipsDisabled(t *testing.T) {
	ts := []Transport{
		{Protocol: "quic", Port: 4443, Enabled: false},
		{Protocol: "websocket", Port: 443, Enabled: true},
	}
	best, ok := BestTransport(ts)
	if !ok {
		t.Fatal("expected a best transport")
	}
	if best.Protocol != "websocket" {
		t.Fatalf("best = %q, want websocket", best.Protocol)
	}
}

func TestBestTransportNoneEnabled(t *testing.T) {
	ts := []Transport{{Protocol: "quic", Port: 4443, Enabled: false}}
	if _, ok := BestTransport(ts); ok {
		t.Fatal("expected no best transport")
	}
}

func TestHandlerServesDocument(t *testing.T) {
	h := NewHandler("relay-1", []Transport{
		{Protocol: "h2", Port: 443, Enabled: true},
		{Protocol: "quic", Port: 4443, Enabled: true},
		{Protocol: "websocket", Port: 443, Path: "/localup", Enabled: true},
	})

	req := httptest.NewRequest(http.MethodGet, Path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp.Version != 1 || resp.ProtocolVersion != ProtocolVersion {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.RelayID != "relay-1" {
		t.Fatalf("RelayID = %q", resp.RelayID)
	}
	if len(resp.Transports) != 3 || resp.Transports[0].Protocol != "quic" {
		t.Fatalf("Transports = %+v", resp.Transports)
	}
	if resp.Transports[1].Path != "/localup" {
		t.Fatalf("websocket path = %q", resp.Transports[1].Path)
	}
}

func TestHandlerRejectsNonGET(t *testing.T) {
	h := NewHandler("", nil)
	req := httptest.NewRequest(http.MethodPost, Path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
