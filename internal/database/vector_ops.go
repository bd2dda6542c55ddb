package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sqlit/sqlit/internal/dberr"
	"github.com/sqlit/sqlit/internal/types"
	"github.com/sqlit/sqlit/internal/vector"
)

// vecMetaSchema records each vector index definition so inserts and
// searches know the column layout. The table and its rows are journaled
// like any other mutation, so replicas rebuild the same definitions.
const vecMetaSchema = `
CREATE TABLE IF NOT EXISTS __vec_meta (
	tableName  TEXT PRIMARY KEY,
	definition TEXT NOT NULL
)`

// CreateVectorIndex creates a KNN virtual table. The DDL and the
// definition record journal as one contiguous run.
func (in *Instance) CreateVectorIndex(ctx context.Context, req vector.CreateIndexRequest) error {
	ddl, err := vector.CreateIndexSQL(req)
	if err != nil {
		return err
	}
	if !in.IsPrimary() {
		return dberr.WriteOnReplica("vector index creation must go to the primary")
	}

	def, err := json.Marshal(req)
	if err != nil {
		return dberr.InvalidRequest("encoding index definition: %v", err)
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	for _, stmt := range []struct {
		sql    string
		params []types.Param
	}{
		{sql: vecMetaSchema},
		{sql: ddl},
		{
			sql:    "INSERT INTO __vec_meta (tableName, definition) VALUES (?, ?)",
			params: []types.Param{types.TextParam(req.TableName), types.TextParam(string(def))},
		},
	} {
		resp := types.ExecuteResponse{}
		if err := in.mutateLocked(ctx, stmt.sql, stmt.params, &resp); err != nil {
			return err
		}
	}
	return nil
}

// VectorInsert adds one vector row; the blob parameter base64-encodes
// in the WAL so replicas reconstruct the insert exactly.
func (in *Instance) VectorInsert(ctx context.Context, req vector.InsertRequest) (*types.ExecuteResponse, error) {
	if !in.IsPrimary() {
		return nil, dberr.WriteOnReplica("vector inserts must go to the primary")
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	index, err := in.loadVectorIndexLocked(ctx, req.TableName)
	if err != nil {
		return nil, err
	}
	sqlText, params, err := vector.InsertStatement(req, index)
	if err != nil {
		return nil, err
	}

	resp := &types.ExecuteResponse{ProcessedByNode: in.nodeID}
	if err := in.mutateLocked(ctx, sqlText, params, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// VectorSearch runs a KNN query. k = 0 returns an empty result without
// touching storage.
func (in *Instance) VectorSearch(ctx context.Context, req vector.SearchRequest) ([]vector.SearchResult, error) {
	if req.K < 0 {
		return nil, dberr.InvalidRequest("k must be non-negative, got %d", req.K)
	}
	if req.K == 0 {
		return []vector.SearchResult{}, nil
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	index, err := in.loadVectorIndexLocked(ctx, req.TableName)
	if err != nil {
		return nil, err
	}
	sqlText, params, err := vector.SearchQuery(req, index)
	if err != nil {
		return nil, err
	}

	_, rows, err := in.store.Query(ctx, sqlText, params)
	if err != nil {
		return nil, err
	}

	out := make([]vector.SearchResult, 0, len(rows))
	for _, row := range rows {
		res := vector.SearchResult{}
		if v, ok := row["rowid"].(int64); ok {
			res.RowID = v
		}
		switch d := row["distance"].(type) {
		case float64:
			res.Distance = d
		case int64:
			res.Distance = float64(d)
		}
		if req.IncludeMetadata {
			meta := make(map[string]any)
			for _, mc := range index.MetadataColumns {
				if v, ok := row[mc.Name]; ok {
					meta[mc.Name] = v
				}
			}
			if len(meta) > 0 {
				res.Metadata = meta
			}
		}
		out = append(out, res)
	}
	return out, nil
}

func (in *Instance) loadVectorIndexLocked(ctx context.Context, tableName string) (vector.CreateIndexRequest, error) {
	var def string
	err := in.store.DB().QueryRowContext(ctx,
		"SELECT definition FROM __vec_meta WHERE tableName = ?", tableName).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return vector.CreateIndexRequest{}, dberr.NotFound("vector index %s not found", tableName)
	}
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return vector.CreateIndexRequest{}, dberr.NotFound("vector index %s not found", tableName)
		}
		return vector.CreateIndexRequest{}, dberr.Storage(err, "reading vector index definition")
	}

	var index vector.CreateIndexRequest
	if err := json.Unmarshal([]byte(def), &index); err != nil {
		return vector.CreateIndexRequest{}, dberr.Storage(err, "decoding vector index definition")
	}
	return index, nil
}
