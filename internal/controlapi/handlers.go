package controlapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tripwire/killswitch/internal/audit"
	"github.com/tripwire/killswitch/internal/policystore"
)

// Server holds the dependencies needed by the Control API's handlers.
type Server struct {
	scanner Scanner
	policy  PolicyStore
	auditLg AuditStore
	bus     EventBus
}

// NewServer creates a Server with the provided collaborators. bus may be
// nil, in which case /api/v1/events responds 503.
func NewServer(scanner Scanner, policy PolicyStore, auditLg AuditStore, bus EventBus) *Server {
	return &Server{scanner: scanner, policy: policy, auditLg: auditLg, bus: bus}
}

// handleHealthz responds to GET /healthz. No authentication required.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats responds to GET /api/v1/stats with orchestrator, Governor,
// and Audit Log counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scanner.Stats())
}

// handleGetPolicy responds to GET /api/v1/policy with the current policy
// document.
func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	doc, err := s.policy.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load policy: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handlePutPolicy responds to PUT /api/v1/policy, atomically replacing the
// policy document. The Scan Orchestrator picks up the change on its next
// tick via PolicyStore.Changed.
func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var doc policystore.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not a valid policy document")
		return
	}
	if err := s.policy.Save(doc); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("policy rejected: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// handlePostScan responds to POST /api/v1/scan, triggering one scan tick.
// The optional "dry_run" query parameter suppresses termination.
func (s *Server) handlePostScan(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"
	if err := s.scanner.TriggerScan(r.Context(), dryRun); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("scan failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, s.scanner.Stats())
}

type daemonStartRequest struct {
	IntervalMS int  `json:"interval_ms"`
	DryRun     bool `json:"dry_run"`
}

// handleDaemonStart responds to POST /api/v1/daemon/start.
func (s *Server) handleDaemonStart(w http.ResponseWriter, r *http.Request) {
	var req daemonStartRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // absent/empty body uses zero values
	if req.IntervalMS <= 0 {
		req.IntervalMS = 5000
	}
	if err := s.scanner.StartDaemon(time.Duration(req.IntervalMS)*time.Millisecond, req.DryRun); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// handleDaemonStop responds to POST /api/v1/daemon/stop.
func (s *Server) handleDaemonStop(w http.ResponseWriter, r *http.Request) {
	s.scanner.StopDaemon()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleEmergencyStop responds to POST /api/v1/emergency-stop.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	s.scanner.EmergencyStop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "emergency-stopped"})
}

// handleGetAudit responds to GET /api/v1/audit?kind=&since=&until=&limit=.
//
// Supported query parameters:
//
//	kind – restrict to one Event Kind (optional)
//	since – RFC3339 start of the window (optional, requires until)
//	until – RFC3339 end of the window (optional, requires since)
//	limit – maximum number of results: for a kind query (default: no
//	limit), or from the in-memory ring buffer when none of the above are
//	set (default 100); ignored for a since/until query
func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if kind := q.Get("kind"); kind != "" {
		limit := parseLimit(q.Get("limit"), 0)
		entries, err := s.auditLg.ByKind(audit.Kind(kind), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}

	sinceStr, untilStr := q.Get("since"), q.Get("until")
	if sinceStr != "" || untilStr != "" {
		if sinceStr == "" || untilStr == "" {
			writeError(w, http.StatusBadRequest, "both 'since' and 'until' are required together")
			return
		}
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'since' must be a valid RFC3339 timestamp")
			return
		}
		until, err := time.Parse(time.RFC3339, untilStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'until' must be a valid RFC3339 timestamp")
			return
		}
		entries, err := s.auditLg.ByTime(since, until)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}

	limit := parseLimit(q.Get("limit"), 100)
	writeJSON(w, http.StatusOK, s.auditLg.Recent(limit))
}

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// handleEvents responds to GET /api/v1/events with a Server-Sent-Events
// stream of every Event Bus publication.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus is not configured")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	subID := fmt.Sprintf("sse-%p", r)
	sub := s.bus.Subscribe(subID)
	defer s.bus.Unsubscribe(subID)

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			fmt.Fprint(w, "data: ")
			_ = enc.Encode(msg)
			fmt.Fprint(w, "\n")
			flusher.Flush()
		}
	}
}
