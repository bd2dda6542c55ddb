package server

import (
	"net/http"

	"github.com/sqlit/sqlit/internal/dberr"
	"github.com/sqlit/sqlit/internal/vector"
)

func (s *Server) handleVectorIndex(w http.ResponseWriter, r *http.Request) {
	var req vector.CreateIndexRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, dberr.InvalidRequest("%v", err))
		return
	}
	instance, err := s.rt.Manager().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := instance.CreateVectorIndex(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"tableName":   req.TableName,
		"walPosition": instance.WALPosition(),
	})
}

func (s *Server) handleVectorInsert(w http.ResponseWriter, r *http.Request) {
	var req vector.InsertRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, dberr.InvalidRequest("%v", err))
		return
	}
	instance, err := s.rt.Manager().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := instance.VectorInsert(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVectorSearch(w http.ResponseWriter, r *http.Request) {
	var req vector.SearchRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, dberr.InvalidRequest("%v", err))
		return
	}
	instance, err := s.rt.Manager().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	results, err := instance.VectorSearch(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
