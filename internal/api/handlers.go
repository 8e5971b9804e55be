package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sovereign/sovereign/internal/audit"
	"github.com/sovereign/sovereign/internal/capability"
	"github.com/sovereign/sovereign/internal/outbox"
	"github.com/sovereign/sovereign/internal/phase"
	"github.com/sovereign/sovereign/internal/session"
	"github.com/sovereign/sovereign/internal/transport"
)

// maxBodyBytes caps request bodies; none of the API payloads come close.
const maxBodyBytes = 1 << 20

// --- Capabilities ---

type capabilitySet struct {
	Phase        phase.Phase `json:"phase"`
	Capabilities []string    `json:"capabilities"`
	Added        []string    `json:"added"`
}

func capabilitiesOf(p phase.Phase) capabilitySet {
	return capabilitySet{Phase: p, Capabilities: capability.For(p), Added: capability.Added(p)}
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	phases := phase.All()
	out := make([]capabilitySet, 0, len(phases))
	for _, p := range phases {
		out = append(out, capabilitiesOf(p))
	}
	writeJSON(w, map[string]any{"phases": out})
}

func (s *Server) handleGetCapabilities(w http.ResponseWriter, r *http.Request) {
	p, err := phase.Parse(r.PathValue("phase"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, capabilitiesOf(p))
}

// --- Sessions ---

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Locale string `json:"locale"`
	}
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess := s.sessions.Create(session.CreateOptions{Locale: req.Locale})
	snap := sess.Snapshot()
	s.BroadcastSnapshot(snap)
	writeJSONStatus(w, http.StatusCreated, snap)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.List()
	writeJSON(w, map[string]any{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, sess.Snapshot())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.closeOutbox(id)
	if err := s.sessions.End(id); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ended", "id": id})
}

func (s *Server) handleTransitionPhase(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}

	var req struct {
		Phase string `json:"phase"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := phase.Parse(req.Phase)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := sess.TransitionPhase(target)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleLogAction(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}

	var req struct {
		Action   string         `json:"action"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}

	if err := sess.LogAction(req.Action, req.Metadata); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, map[string]any{
		"status":      "logged",
		"audit_count": sess.Snapshot().AuditCount,
	})
}

func (s *Server) handleRestrict(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := sess.Restrict(req.Reason)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	snap, err := sess.Release()
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, snap)
}

// --- Audit ---

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		ActionPrefix: q.Get("action_prefix"),
		Limit:        queryInt(r, "limit", 0),
		Offset:       queryInt(r, "offset", 0),
	}
	if p := q.Get("phase"); p != "" {
		parsed, err := phase.Parse(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Phase = parsed
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = &t
	}
	if expr := q.Get("filter"); expr != "" {
		if s.filters == nil {
			writeError(w, http.StatusNotImplemented, "filter expressions are not available")
			return
		}
		pred, err := s.filters.Compile(expr)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Match = pred
	}

	entries, err := sess.Audit(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"entries": entries,
		"total":   sess.Snapshot().AuditCount,
	})
}

func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	valid, n, err := sess.VerifyAudit()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{"valid": valid}
	if valid {
		resp["entries"] = n
	} else {
		resp["broken_at"] = n
	}
	writeJSON(w, resp)
}

// --- Messages ---

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if s.transport == nil {
		writeError(w, http.StatusServiceUnavailable, "no AI transport configured")
		return
	}

	var req struct {
		ConversationID string `json:"conversation_id"`
		Text           string `json:"text"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	receipt, err := s.outboxFor(sess).Submit(r.Context(), req.ConversationID, req.Text)
	switch {
	case err == nil:
	case errors.Is(err, outbox.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, transport.ErrNotConnected), errors.Is(err, transport.ErrConnectionFailed), errors.Is(err, transport.ErrRejected):
		writeError(w, http.StatusBadGateway, err.Error())
		return
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if receipt.Status == outbox.StatusQueued {
		writeJSONStatus(w, http.StatusAccepted, receipt)
		return
	}
	writeJSON(w, receipt)
}

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":          "ok",
		"sessions":        s.sessions.ActiveCount(),
		"websocket_peers": s.wsHub.ClientCount(),
	}
	if sr, ok := s.transport.(StatusReporter); ok {
		resp["transport"] = sr.Status()
	}
	writeJSON(w, resp)
}

// --- Helpers ---

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrSessionEnded):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, phase.ErrInvalidPhase):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody reads a JSON body into v. An empty body is accepted when
// optional is true.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSONStatus(w, status, map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
