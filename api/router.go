// Package api serves the gateway's HTTP surface next to the edge websocket:
// health, edge status and an operator request endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/edge-gateway/jsonrpc"
	"github.com/abdelmounim-dev/edge-gateway/metadata"
	"github.com/abdelmounim-dev/edge-gateway/registry"
	"github.com/abdelmounim-dev/edge-gateway/session"
)

const defaultRequestTimeout = 30 * time.Second

// Requester sends a request to an edge and waits for the answer.
type Requester interface {
	Request(ctx context.Context, edgeID string, req *jsonrpc.Request) (*jsonrpc.Response, error)
}

// RecordSource returns the device record of a connected edge.
type RecordSource interface {
	Record(edgeID string) (metadata.DeviceRecord, bool)
}

type Server struct {
	registry  *registry.Registry
	records   RecordSource
	sessions  session.Store
	requester Requester
	log       *zap.Logger
}

func NewServer(reg *registry.Registry, records RecordSource, sessions session.Store, requester Requester, log *zap.Logger) *Server {
	return &Server{registry: reg, records: records, sessions: sessions, requester: requester, log: log}
}

// EdgeStatus is the body of GET /edges/{edgeId}.
type EdgeStatus struct {
	EdgeID      string     `json:"edgeId"`
	Online      bool       `json:"online"`
	Connections int        `json:"connections"`
	Version     string     `json:"version,omitempty"`
	LastContact *time.Time `json:"lastContact,omitempty"`
	// Servers lists the gateway instances holding a connection, from the
	// shared connection records.
	Servers []string `json:"servers,omitempty"`
}

// NewRouter routes the API and mounts the edge websocket handler at wsPath.
func (s *Server) NewRouter(wsPath string, ws http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := fmt.Fprintln(w, "OK"); err != nil {
			s.log.Debug("Failed to write health response", zap.Error(err))
		}
	}).Methods(http.MethodGet)
	r.HandleFunc("/edges", s.listEdges).Methods(http.MethodGet)
	r.HandleFunc("/edges/{edgeId}", s.getEdge).Methods(http.MethodGet)
	r.HandleFunc("/edges/{edgeId}/request", s.postRequest).Methods(http.MethodPost)
	if ws != nil {
		r.Handle(wsPath, ws)
	}
	return r
}

func (s *Server) listEdges(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.OnlineEdges()
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, map[string][]string{"edges": ids})
}

func (s *Server) getEdge(w http.ResponseWriter, r *http.Request) {
	edgeID := mux.Vars(r)["edgeId"]
	status := EdgeStatus{
		EdgeID:      edgeID,
		Online:      s.registry.IsOnline(edgeID),
		Connections: len(s.registry.AllConnections(edgeID)),
	}
	if rec, ok := s.records.Record(edgeID); ok {
		if v := rec.Version(); !v.IsZero() {
			status.Version = v.String()
		}
		if lc := rec.LastContact(); !lc.IsZero() {
			status.LastContact = &lc
		}
	}
	if s.sessions != nil {
		recs, err := s.sessions.ListByEdge(r.Context(), edgeID)
		if err != nil {
			s.log.Warn("Failed to list connection records", zap.String("edge_id", edgeID), zap.Error(err))
		}
		seen := map[string]bool{}
		for _, rec := range recs {
			if !seen[rec.ServerID] {
				seen[rec.ServerID] = true
				status.Servers = append(status.Servers, rec.ServerID)
			}
		}
		sort.Strings(status.Servers)
	}
	writeJSON(w, http.StatusOK, status)
}

type requestBody struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// postRequest sends a request to the edge and returns its JSON-RPC response.
// The optional "timeout" query parameter bounds the wait.
func (s *Server) postRequest(w http.ResponseWriter, r *http.Request) {
	edgeID := mux.Vars(r)["edgeId"]

	var body requestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Method == "" {
		http.Error(w, "body must be {\"method\":...,\"params\":...}", http.StatusBadRequest)
		return
	}

	timeout := defaultRequestTimeout
	if q := r.URL.Query().Get("timeout"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = d
	}

	req, err := jsonrpc.NewRequest(body.Method, body.Params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	resp, err := s.requester.Request(ctx, edgeID, req)
	if err != nil {
		var rpcErr *jsonrpc.Error
		switch {
		case errors.As(err, &rpcErr):
			status := http.StatusBadGateway
			if rpcErr.Code == jsonrpc.ErrCodeEdgeNotConnected {
				status = http.StatusNotFound
			}
			writeJSON(w, status, jsonrpc.NewErrorResponse(req.ID, rpcErr))
		case errors.Is(err, context.DeadlineExceeded):
			http.Error(w, "edge did not answer in time", http.StatusGatewayTimeout)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
