package server

import (
	"net/http"

	"github.com/sqlit/sqlit/internal/dberr"
	"github.com/sqlit/sqlit/internal/types"
)

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req types.GrantRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, dberr.InvalidRequest("%v", err))
		return
	}
	instance, err := s.rt.Manager().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := instance.Grant(r.Context(), &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"granted": true, "walPosition": instance.WALPosition()})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req types.RevokeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, dberr.InvalidRequest("%v", err))
		return
	}
	instance, err := s.rt.Manager().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := instance.Revoke(r.Context(), &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true, "walPosition": instance.WALPosition()})
}

func (s *Server) handleListACL(w http.ResponseWriter, r *http.Request) {
	instance, err := s.rt.Manager().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	rules, err := instance.ListACL(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}
