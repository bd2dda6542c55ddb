// Package vector wraps the SQLite vector virtual-table extension for
// KNN search. Index DDL and inserts are expressed as plain statements
// so the database instance journals them and replicas rebuild identical
// indexes. Metadata filters are restricted to a single whitelisted
// comparison to keep the search path injection-free.
package vector

import (
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/sqlit/sqlit/internal/dberr"
	"github.com/sqlit/sqlit/internal/types"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DistanceMetric selects the KNN distance function.
type DistanceMetric string

const (
	MetricL2     DistanceMetric = "l2"
	MetricCosine DistanceMetric = "cosine"
)

// MetadataColumn declares one auxiliary column on a vector index.
type MetadataColumn struct {
	Name string `json:"name"`
	Type string `json:"type"` // TEXT, INTEGER, or REAL
}

// CreateIndexRequest describes a new vector index table.
type CreateIndexRequest struct {
	TableName       string           `json:"tableName"`
	Dimensions      int              `json:"dimensions"`
	VectorType      string           `json:"vectorType,omitempty"` // default float32
	DistanceMetric  DistanceMetric   `json:"distanceMetric,omitempty"`
	MetadataColumns []MetadataColumn `json:"metadataColumns,omitempty"`
	PartitionKey    string           `json:"partitionKey,omitempty"`
}

// InsertRequest adds one vector row.
type InsertRequest struct {
	TableName string                 `json:"tableName"`
	RowID     int64                  `json:"rowid,omitempty"`
	Vector    []float32              `json:"vector"`
	Metadata  map[string]types.Param `json:"metadata,omitempty"`
	Partition *types.Param           `json:"partition,omitempty"`
}

// SearchRequest runs a KNN query.
type SearchRequest struct {
	TableName       string       `json:"tableName"`
	Vector          []float32    `json:"vector"`
	K               int          `json:"k"`
	PartitionValue  *types.Param `json:"partitionValue,omitempty"`
	MetadataFilter  string       `json:"metadataFilter,omitempty"`
	IncludeMetadata bool         `json:"includeMetadata,omitempty"`
}

// SearchResult is one KNN hit.
type SearchResult struct {
	RowID    int64          `json:"rowid"`
	Distance float64        `json:"distance"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CreateIndexSQL builds the virtual-table DDL. The first column is the
// embedding; metadata columns are prefixed '+' to mark them auxiliary;
// the partition key, if any, is appended as a scalar column.
func CreateIndexSQL(req CreateIndexRequest) (string, error) {
	if !identRe.MatchString(req.TableName) {
		return "", dberr.InvalidRequest("invalid table name %q", req.TableName)
	}
	if req.Dimensions <= 0 {
		return "", dberr.InvalidRequest("dimensions must be positive, got %d", req.Dimensions)
	}
	vecType := req.VectorType
	if vecType == "" {
		vecType = "float32"
	}
	if vecType != "float32" && vecType != "int8" && vecType != "bit" {
		return "", dberr.InvalidRequest("unsupported vector type %q", vecType)
	}

	cols := []string{fmt.Sprintf("embedding %s[%d]", vecType, req.Dimensions)}
	if req.DistanceMetric == MetricCosine {
		cols[0] += " distance_metric=cosine"
	}
	for _, mc := range req.MetadataColumns {
		if !identRe.MatchString(mc.Name) {
			return "", dberr.InvalidRequest("invalid metadata column %q", mc.Name)
		}
		colType, err := normalizeColumnType(mc.Type)
		if err != nil {
			return "", err
		}
		cols = append(cols, fmt.Sprintf("+%s %s", mc.Name, colType))
	}
	if req.PartitionKey != "" {
		if !identRe.MatchString(req.PartitionKey) {
			return "", dberr.InvalidRequest("invalid partition key %q", req.PartitionKey)
		}
		cols = append(cols, fmt.Sprintf("%s TEXT partition key", req.PartitionKey))
	}

	return fmt.Sprintf("CREATE VIRTUAL TABLE %s USING vec0(%s)", req.TableName, strings.Join(cols, ", ")), nil
}

// InsertStatement builds the journaled insert. The vector travels as a
// blob parameter, which base64-encodes in the WAL so replicas can
// reconstruct the row byte for byte.
func InsertStatement(req InsertRequest, index CreateIndexRequest) (string, []types.Param, error) {
	if !identRe.MatchString(req.TableName) {
		return "", nil, dberr.InvalidRequest("invalid table name %q", req.TableName)
	}
	if len(req.Vector) == 0 {
		return "", nil, dberr.InvalidRequest("vector must not be empty")
	}

	cols := []string{"embedding"}
	params := []types.Param{types.BlobParam(EncodeVector(req.Vector))}

	if req.RowID != 0 {
		cols = append([]string{"rowid"}, cols...)
		params = append([]types.Param{types.IntParam(req.RowID)}, params...)
	}
	for _, mc := range index.MetadataColumns {
		val, ok := req.Metadata[mc.Name]
		if !ok {
			val = types.NullParam()
		}
		cols = append(cols, mc.Name)
		params = append(params, val)
	}
	if index.PartitionKey != "" {
		cols = append(cols, index.PartitionKey)
		if req.Partition != nil {
			params = append(params, *req.Partition)
		} else {
			params = append(params, types.NullParam())
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	sqlText := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		req.TableName, strings.Join(cols, ", "), placeholders)
	return sqlText, params, nil
}

// SearchQuery builds the KNN select. Returns the statement and its
// parameters; k = 0 is valid and yields an empty result at the caller.
func SearchQuery(req SearchRequest, index CreateIndexRequest) (string, []types.Param, error) {
	if !identRe.MatchString(req.TableName) {
		return "", nil, dberr.InvalidRequest("invalid table name %q", req.TableName)
	}
	if req.K < 0 {
		return "", nil, dberr.InvalidRequest("k must be non-negative, got %d", req.K)
	}
	if len(req.Vector) == 0 {
		return "", nil, dberr.InvalidRequest("vector must not be empty")
	}

	selectCols := "rowid, distance"
	if req.IncludeMetadata && len(index.MetadataColumns) > 0 {
		names := make([]string, len(index.MetadataColumns))
		for i, mc := range index.MetadataColumns {
			names[i] = mc.Name
		}
		selectCols += ", " + strings.Join(names, ", ")
	}

	conds := []string{"embedding MATCH ?", "k = ?"}
	params := []types.Param{
		types.BlobParam(EncodeVector(req.Vector)),
		types.IntParam(int64(req.K)),
	}

	if req.PartitionValue != nil {
		if index.PartitionKey == "" {
			return "", nil, dberr.InvalidRequest("index %s has no partition key", req.TableName)
		}
		conds = append(conds, fmt.Sprintf("%s = ?", index.PartitionKey))
		params = append(params, *req.PartitionValue)
	}
	if req.MetadataFilter != "" {
		cond, condParams, err := ParseFilter(req.MetadataFilter)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, cond)
		params = append(params, condParams...)
	}

	sqlText := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY distance",
		selectCols, req.TableName, strings.Join(conds, " AND "))
	return sqlText, params, nil
}

// filterRe matches exactly `column OP literal` where the literal is a
// single-quoted string, an integer, or NULL. Anything else is rejected.
var filterRe = regexp.MustCompile(
	`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*(=|!=|<=|>=|<|>|LIKE|IS\s+NOT\s+NULL|IS\s+NULL)\s*('(?:[^']|'')*'|-?\d+|[Nn][Uu][Ll][Ll])?\s*$`)

// ParseFilter validates a metadata filter and converts it to a
// parameterized condition.
func ParseFilter(expr string) (string, []types.Param, error) {
	m := filterRe.FindStringSubmatch(expr)
	if m == nil {
		return "", nil, dberr.InvalidRequest("invalid metadata filter %q", expr)
	}
	column, op, literal := m[1], strings.ToUpper(strings.Join(strings.Fields(m[2]), " ")), m[3]

	if op == "IS NULL" || op == "IS NOT NULL" {
		if literal != "" {
			return "", nil, dberr.InvalidRequest("invalid metadata filter %q", expr)
		}
		return fmt.Sprintf("%s %s", column, op), nil, nil
	}
	if literal == "" {
		return "", nil, dberr.InvalidRequest("invalid metadata filter %q", expr)
	}
	if strings.EqualFold(literal, "NULL") {
		// SQL comparisons against NULL never match; normalize to the IS
		// forms. Ordering operators on NULL are rejected.
		switch op {
		case "=":
			return fmt.Sprintf("%s IS NULL", column), nil, nil
		case "!=":
			return fmt.Sprintf("%s IS NOT NULL", column), nil, nil
		default:
			return "", nil, dberr.InvalidRequest("invalid metadata filter %q", expr)
		}
	}

	var param types.Param
	if strings.HasPrefix(literal, "'") {
		unquoted := strings.ReplaceAll(literal[1:len(literal)-1], "''", "'")
		param = types.TextParam(unquoted)
	} else {
		n, err := strconv.ParseInt(literal, 10, 64)
		if err != nil {
			return "", nil, dberr.InvalidRequest("invalid metadata filter literal %q", literal)
		}
		param = types.IntParam(n)
	}
	return fmt.Sprintf("%s %s ?", column, op), []types.Param{param}, nil
}

// EncodeVector serializes a vector as little-endian float32 bytes.
func EncodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

func normalizeColumnType(t string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(t)) {
	case "", "TEXT":
		return "TEXT", nil
	case "INTEGER", "INT":
		return "INTEGER", nil
	case "REAL", "FLOAT":
		return "REAL", nil
	default:
		return "", dberr.InvalidRequest("unsupported metadata column type %q", t)
	}
}
