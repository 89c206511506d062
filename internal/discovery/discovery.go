// Package discovery implements the protocol discovery endpoint (spec
// §6): a plain HTTP GET advertising which of the relay's transports
// are live and on what ports, so a client can pick the best one
// without trying each in turn.
package discovery

import (
	"encoding/json"
	"net/http"
	"sort"
)

// Path is the well-known path clients probe.
const Path = "/.well-known/localup-protocols"

// ProtocolVersion is the wire protocol version this relay speaks.
const ProtocolVersion = 1

// Transport priority for sorting and BestTransport: QUIC is preferred
// (native multi-stream, migration-tolerant), then WebSocket, then H2
// (no server-initiated streams).
const (
	PriorityQUIC      = 100
	PriorityWebSocket = 50
	PriorityH2        = 25
)

var priority = map[string]int{
	"quic":      PriorityQUIC,
	"websocket": PriorityWebSocket,
	"h2":        PriorityH2,
}

// Transport describes one reachable transport.
type Transport struct {
	Protocol string `json:"protocol"`
	Port     uint16 `json:"port"`
	Path     string `json:"path,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// Response is the JSON document served at Path.
type Response struct {
	Version         int         `json:"version"`
	RelayID         string      `json:"relay_id,omitempty"`
	ProtocolVersion int         `json:"protocol_version"`
	Transports      []Transport `json:"transports"`
}

// SortTransports orders ts by descending priority (quic > websocket >
// h2), stable so equal-priority entries keep their input order.
func SortTransports(ts []Transport) {
	sort.SliceStable(ts, func(i, j int) bool {
		return priority[ts[i].Protocol] > priority[ts[j].Protocol]
	})
}

// BestTransport returns the highest-priority enabled transport in ts.
func BestTransport(ts []Transport) (Transport, bool) {
	best := -1
	var bestT Transport
	for _, t := range ts {
		if !t.Enabled {
			continue
		}
		p := priority[t.Protocol]
		if p > best {
			best = p
			bestT = t
		}
	}
	return bestT, best >= 0
}

// Handler serves the protocol discovery document over HTTP.
type Handler struct {
	RelayID    string
	Transports []Transport
}

// NewHandler returns a Handler advertising transports under relayID
// (relayID may be empty — the field is optional on the wire).
func NewHandler(relayID string, transports []Transport) *Handler {
	return &Handler{RelayID: relayID, Transports: transports}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ts := make([]Transport, len(h.Transports))
	copy(ts, h.Transports)
	SortTransports(ts)

	resp := Response{
		Version:         1,
		RelayID:         h.RelayID,
		ProtocolVersion: ProtocolVersion,
		Transports:      ts,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
