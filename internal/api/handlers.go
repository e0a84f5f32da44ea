package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/condoware/porteiro/internal/directory"
	"github.com/condoware/porteiro/internal/extension"
	"github.com/condoware/porteiro/internal/session"
	"github.com/condoware/porteiro/pkg/audiosocket"
)

// legStatus describes one attached leg of a session.
type legStatus struct {
	Role        session.Role `json:"role"`
	LocalAddr   string       `json:"local_addr"`
	RemoteAddr  string       `json:"remote_addr"`
	ConnectedAt string       `json:"connected_at"`
}

// sessionStatus is one entry of GET /api/status.
type sessionStatus struct {
	CallID        string                `json:"call_id"`
	State         session.State         `json:"state"`
	CreatedAt     string                `json:"created_at"`
	LastActivity  string                `json:"last_activity"`
	IntentType    string                `json:"intent_type,omitempty"`
	Apartment     string                `json:"apartment,omitempty"`
	Authorization session.Authorization `json:"authorization,omitempty"`
	Legs          []legStatus           `json:"legs"`
}

// handleStatus lists the live sessions with their attached legs.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.List()
	items := make([]sessionStatus, 0, len(sessions))
	for _, sess := range sessions {
		intent := sess.Intent()
		item := sessionStatus{
			CallID:        sess.CallID.String(),
			State:         sess.State(),
			CreatedAt:     sess.CreatedAt.Format(time.RFC3339),
			LastActivity:  sess.LastActivity().Format(time.RFC3339),
			IntentType:    intent.IntentType,
			Apartment:     intent.Apartment,
			Authorization: intent.Authorization,
			Legs:          []legStatus{},
		}
		for _, role := range []session.Role{session.RoleVisitor, session.RoleResident} {
			info, ok := s.resources.Lookup(sess.CallID.String(), role)
			if !ok {
				continue
			}
			item.Legs = append(item.Legs, legStatus{
				Role:        role,
				LocalAddr:   info.Conn.LocalAddr().String(),
				RemoteAddr:  info.Conn.RemoteAddr().String(),
				ConnectedAt: info.RegisteredAt.Format(time.RFC3339),
			})
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, items)
}

// extensionsResponse combines the configured directory rows with the pairs
// actually listening (whose ports reflect any conflict shifts).
type extensionsResponse struct {
	Directory []directory.Extension `json:"directory"`
	Running   []extension.Status    `json:"running"`
}

// handleExtensions returns the extension directory and the running pairs.
func (s *Server) handleExtensions(w http.ResponseWriter, r *http.Request) {
	resp := extensionsResponse{
		Directory: []directory.Extension{},
		Running:   s.extensions.Running(),
	}
	if s.store != nil {
		rows, err := s.store.Extensions(r.Context())
		if err != nil {
			s.logger.Error("extension listing: directory query failed", "error", err)
			writeError(w, http.StatusInternalServerError, "directory unavailable")
			return
		}
		resp.Directory = rows
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh reconciles the listener pairs against the directory.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	diff, err := s.extensions.Refresh(r.Context())
	if err != nil {
		s.logger.Error("refresh failed", "error", err)
		writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

// restartRequest selects the pair to restart, by directory id or by the
// extension's IA number.
type restartRequest struct {
	ExtensionID *int   `json:"extension_id"`
	Ramal       string `json:"ramal"`
}

// handleRestart stops and re-binds one listener pair.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req restartRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	id := 0
	switch {
	case req.ExtensionID != nil:
		id = *req.ExtensionID
	case req.Ramal != "":
		found := false
		for _, st := range s.extensions.Running() {
			if st.IANumber == req.Ramal {
				id = st.ID
				found = true
				break
			}
		}
		if !found {
			writeError(w, http.StatusNotFound, "unknown ramal "+req.Ramal)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "extension_id or ramal is required")
		return
	}

	if err := s.extensions.Restart(id); err != nil {
		if errors.Is(err, extension.ErrUnknown) {
			writeError(w, http.StatusNotFound, "unknown extension")
			return
		}
		s.logger.Error("restart failed", "extension_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "restart failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"extension_id": id})
}

// hangupRequest identifies the leg to hang up.
type hangupRequest struct {
	CallID string       `json:"call_id"`
	Role   session.Role `json:"role"`
}

// handleHangup writes a HANGUP frame on the named leg and schedules session
// teardown after a grace period.
func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	var req hangupRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	callID := audiosocket.CallID(req.CallID)
	if !callID.Valid() {
		writeError(w, http.StatusBadRequest, "call_id is not a valid call identifier")
		return
	}
	if req.Role != session.RoleVisitor && req.Role != session.RoleResident {
		writeError(w, http.StatusBadRequest, "role must be visitor or resident")
		return
	}

	info, ok := s.resources.Lookup(req.CallID, req.Role)
	if !ok {
		writeError(w, http.StatusNotFound, "no such leg")
		return
	}
	if err := audiosocket.WriteHangup(info.Conn); err != nil {
		s.logger.Error("remote hangup write failed", "call_id", req.CallID,
			"role", req.Role, "error", err)
		writeError(w, http.StatusInternalServerError, "hangup write failed")
		return
	}

	s.logger.Info("remote hangup", "call_id", req.CallID, "role", req.Role)
	time.AfterFunc(s.grace, func() { s.registry.End(callID) })
	writeJSON(w, http.StatusOK, map[string]string{"call_id": req.CallID})
}
