package server

import (
	"io"
	"net/http"
	"time"

	"github.com/sqlit/sqlit/internal/dberr"
	"github.com/sqlit/sqlit/internal/types"
)

// handleCreateDatabase provisions a database on this node.
func (s *Server) handleCreateDatabase(w http.ResponseWriter, r *http.Request) {
	var req types.CreateDatabaseRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, dberr.InvalidRequest("%v", err))
		return
	}
	db, err := s.rt.Manager().Create(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.CreateDatabaseResponse{Database: *db})
}

// handleGetDatabase returns metadata plus the replication view.
func (s *Server) handleGetDatabase(w http.ResponseWriter, r *http.Request) {
	instance, err := s.rt.Manager().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	meta, err := instance.Describe(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"database": meta,
		"replicas": instance.ReplicationStatus(),
	})
}

// handleDeleteDatabase removes a database and its files.
func (s *Server) handleDeleteDatabase(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.Manager().Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// handleExecute runs one statement.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req types.ExecuteRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, dberr.InvalidRequest("%v", err))
		return
	}
	req.DatabaseID = r.PathValue("id")

	instance, err := s.rt.Manager().Get(r.Context(), req.DatabaseID)
	if err != nil {
		writeError(w, err)
		return
	}

	start := time.Now()
	resp, err := instance.Execute(r.Context(), &req)
	elapsed := time.Since(start)

	s.rt.CountQuery()
	if s.metrics != nil {
		readOnly := resp != nil && resp.ReadOnly
		s.metrics.RecordQuery(r.Context(), req.DatabaseID, readOnly, elapsed, err)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBatchExecute runs a statement batch, optionally transactional.
func (s *Server) handleBatchExecute(w http.ResponseWriter, r *http.Request) {
	var req types.BatchExecuteRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, dberr.InvalidRequest("%v", err))
		return
	}
	req.DatabaseID = r.PathValue("id")

	instance, err := s.rt.Manager().Get(r.Context(), req.DatabaseID)
	if err != nil {
		writeError(w, err)
		return
	}

	start := time.Now()
	resp, err := instance.BatchExecute(r.Context(), &req)
	elapsed := time.Since(start)

	s.rt.CountQuery()
	if s.metrics != nil {
		s.metrics.RecordQuery(r.Context(), req.DatabaseID, false, elapsed, err)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleExportSnapshot streams the checkpointed database file.
func (s *Server) handleExportSnapshot(w http.ResponseWriter, r *http.Request) {
	instance, err := s.rt.Manager().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := instance.ExportSnapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleImportSnapshot replaces a database with the uploaded file.
func (s *Server) handleImportSnapshot(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSnapshotBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, dberr.InvalidRequest("reading snapshot body: %v", err))
		return
	}
	instance, err := s.rt.Manager().ImportSnapshot(r.Context(), r.PathValue("id"), data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"database": instance.Meta()})
}
