package server

import (
	"net/http"

	"github.com/sqlit/sqlit/internal/audit"
	"github.com/sqlit/sqlit/internal/dberr"
	"github.com/sqlit/sqlit/internal/types"
)

// handleStatus is the liveness probe. BlockHeight reports the highest
// WAL position across hosted databases.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var height uint64
	instances := s.rt.Manager().List()
	for _, instance := range instances {
		if pos := instance.WALPosition(); pos > height {
			height = pos
		}
	}
	writeJSON(w, http.StatusOK, types.StatusResponse{
		Status:      "ok",
		BlockHeight: height,
		Databases:   len(instances),
	})
}

// handleMetrics dumps the in-process request metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reqs.Snapshot())
}

// handleNodeInfo returns the node record, peer table, and per-database
// replication view.
func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	databases := make(map[string]map[string]types.ReplicaStatus)
	for _, instance := range s.rt.Manager().List() {
		if status := instance.ReplicationStatus(); len(status) > 0 {
			databases[instance.ID()] = status
		}
	}
	writeJSON(w, http.StatusOK, types.NodeInfoResponse{
		Node:      s.rt.Node(),
		Peers:     s.rt.Peers(),
		Databases: databases,
	})
}

// handleWALSync serves the replica pull protocol.
func (s *Server) handleWALSync(w http.ResponseWriter, r *http.Request) {
	var req types.WALSyncRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, dberr.InvalidRequest("%v", err))
		return
	}
	instance, err := s.rt.Manager().Get(r.Context(), req.DatabaseID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := instance.FetchWALRange(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAudit answers a page-hash challenge from a primary.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var challenge types.AuditChallenge
	if err := decode(w, r, &challenge); err != nil {
		writeError(w, dberr.InvalidRequest("%v", err))
		return
	}
	instance, err := s.rt.Manager().Get(r.Context(), challenge.DatabaseID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := audit.Respond(r.Context(), instance, s.rt.NodeID(), &challenge)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
