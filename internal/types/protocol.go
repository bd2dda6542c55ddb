package types

// Wire types for the client HTTP surface and the replication transport.
// All requests and responses are JSON.

// ExecuteRequest is one statement to run against a database.
type ExecuteRequest struct {
	DatabaseID string  `json:"databaseId"`
	SQL        string  `json:"sql"`
	Params     []Param `json:"params,omitempty"`

	// RequiredWALPosition gates reads on replication progress. Zero
	// means no requirement.
	RequiredWALPosition uint64 `json:"requiredWalPosition,omitempty"`

	// Address identifies the caller for ACL evaluation. Signature and
	// Timestamp (unix ms) provide replay protection when present.
	Address   string `json:"address,omitempty"`
	Signature string `json:"signature,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ExecuteResponse reports the outcome of one statement.
type ExecuteResponse struct {
	Columns         []string         `json:"columns,omitempty"`
	Rows            []map[string]any `json:"rows,omitempty"`
	RowsAffected    int64            `json:"rowsAffected"`
	LastInsertID    int64            `json:"lastInsertId"`
	ExecutionMs     float64          `json:"executionMs"`
	WALPosition     uint64           `json:"walPosition"`
	ProcessedByNode string           `json:"processedByNodeId"`
	ReadOnly        bool             `json:"readOnly"`

	// Attestation carries the enclave evidence for statements executed
	// on a tee_encrypted database.
	Attestation *Attestation `json:"attestation,omitempty"`
}

// BatchStatement is one element of a batch request.
type BatchStatement struct {
	SQL    string  `json:"sql"`
	Params []Param `json:"params,omitempty"`
}

// BatchExecuteRequest executes statements sequentially, optionally
// inside a single transaction.
type BatchExecuteRequest struct {
	DatabaseID    string           `json:"databaseId"`
	Statements    []BatchStatement `json:"statements"`
	Transactional bool             `json:"transactional,omitempty"`
	Address       string           `json:"address,omitempty"`
	Signature     string           `json:"signature,omitempty"`
	Timestamp     int64            `json:"timestamp,omitempty"`
}

// BatchExecuteResponse carries per-statement results in order.
type BatchExecuteResponse struct {
	Results     []ExecuteResponse `json:"results"`
	WALPosition uint64            `json:"walPosition"`
}

// CreateDatabaseRequest provisions a new database on this node.
type CreateDatabaseRequest struct {
	DatabaseID  string            `json:"databaseId,omitempty"`
	Name        string            `json:"name"`
	Owner       string            `json:"owner"`
	Encryption  EncryptionMode    `json:"encryption"`
	Replication ReplicationConfig `json:"replication"`
	InitialDDL  string            `json:"initialDdl,omitempty"`
}

// CreateDatabaseResponse returns the created metadata record.
type CreateDatabaseResponse struct {
	Database Database `json:"database"`
}

// WALSyncRequest is the replica-to-primary pull.
type WALSyncRequest struct {
	DatabaseID   string `json:"databaseId"`
	FromPosition uint64 `json:"fromPosition"`
	Limit        int    `json:"limit,omitempty"`
	NodeID       string `json:"nodeId,omitempty"`
}

// WALSyncResponse carries entries strictly after FromPosition.
type WALSyncResponse struct {
	Entries    []WALEntry `json:"entries"`
	HasMore    bool       `json:"hasMore"`
	CurrentPos uint64     `json:"currentPosition"`
}

// GrantRequest adds ACL rules for a grantee.
type GrantRequest struct {
	Grantee     string   `json:"grantee"`
	Permissions []string `json:"permissions"`
	ExpiresAt   int64    `json:"expiresAt,omitempty"` // unix ms, zero = never
	Address     string   `json:"address,omitempty"`
}

// RevokeRequest removes ACL rules. Empty Permissions removes all.
type RevokeRequest struct {
	Grantee     string   `json:"grantee"`
	Permissions []string `json:"permissions,omitempty"`
	Address     string   `json:"address,omitempty"`
}

// AuditChallenge is sent by the primary to a replica.
type AuditChallenge struct {
	ChallengeID  string `json:"challengeId"`
	DatabaseID   string `json:"databaseId"`
	PageIndex    uint32 `json:"pageIndex"`
	ExpectedHash string `json:"expectedHash,omitempty"`
	ExpiresAt    int64  `json:"expiresAt"` // unix ms
}

// AuditResponse is the replica's answer to a challenge.
type AuditResponse struct {
	ChallengeID string `json:"challengeId"`
	NodeID      string `json:"nodeId"`
	PageData    []byte `json:"pageData"`
	PageHash    string `json:"pageHash"`
	WALPosition uint64 `json:"walPosition"`
}

// NodeInfoResponse is the GET /v2/node payload.
type NodeInfoResponse struct {
	Node      Node                                `json:"node"`
	Peers     []PeerConnection                    `json:"peers,omitempty"`
	Databases map[string]map[string]ReplicaStatus `json:"databases,omitempty"`
}

// StatusResponse is the GET /v1/status liveness payload.
type StatusResponse struct {
	Status      string `json:"status"`
	BlockHeight uint64 `json:"blockHeight"`
	Databases   int    `json:"databases"`
}
