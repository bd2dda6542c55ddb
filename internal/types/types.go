// Package types defines the shared data model for the sqlit engine:
// nodes, databases, replication configuration, WAL entries, and the
// tagged parameter values that cross the wire.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// NodeRole describes how a node relates to a particular database.
type NodeRole string

const (
	RolePrimary NodeRole = "primary"
	RoleReplica NodeRole = "replica"
)

// NodeStatus is the lifecycle state of a node.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeActive    NodeStatus = "active"
	NodeSyncing   NodeStatus = "syncing"
	NodeOffline   NodeStatus = "offline"
	NodeSuspended NodeStatus = "suspended"
	NodeExiting   NodeStatus = "exiting"
)

// Region is one of the eight canonical deployment regions.
type Region string

const (
	RegionUSEast       Region = "us-east"
	RegionUSWest       Region = "us-west"
	RegionEUWest       Region = "eu-west"
	RegionEUCentral    Region = "eu-central"
	RegionAsiaPacific  Region = "asia-pacific"
	RegionAsiaSouth    Region = "asia-south"
	RegionSouthAmerica Region = "south-america"
	RegionGlobal       Region = "global"
)

// regionOrder fixes the on-wire index of each region.
var regionOrder = []Region{
	RegionUSEast, RegionUSWest, RegionEUWest, RegionEUCentral,
	RegionAsiaPacific, RegionAsiaSouth, RegionSouthAmerica, RegionGlobal,
}

// RegionIndex returns the wire index for r. Unknown regions map to global.
func RegionIndex(r Region) int {
	for i, known := range regionOrder {
		if known == r {
			return i
		}
	}
	return RegionIndex(RegionGlobal)
}

// RegionFromIndex is the inverse of RegionIndex. Out-of-range maps to global.
func RegionFromIndex(i int) Region {
	if i < 0 || i >= len(regionOrder) {
		return RegionGlobal
	}
	return regionOrder[i]
}

// ParseRegion normalizes a region string. Unknown strings map to global.
func ParseRegion(s string) Region {
	for _, known := range regionOrder {
		if string(known) == s {
			return known
		}
	}
	return RegionGlobal
}

// EncryptionMode selects how a database protects its contents.
// The wire encoding is the integer value.
type EncryptionMode int

const (
	EncryptionNone   EncryptionMode = 0
	EncryptionAtRest EncryptionMode = 1
	EncryptionTEE    EncryptionMode = 2
)

func (m EncryptionMode) String() string {
	switch m {
	case EncryptionAtRest:
		return "at_rest"
	case EncryptionTEE:
		return "tee_encrypted"
	default:
		return "none"
	}
}

// Valid reports whether m is a recognized mode.
func (m EncryptionMode) Valid() bool {
	return m >= EncryptionNone && m <= EncryptionTEE
}

// Attestation is the enclave evidence from one TEE execution.
type Attestation struct {
	Quote      string    `json:"quote"`
	Level      string    `json:"level"`
	MeasuredAt time.Time `json:"measuredAt"`
}

// SyncMode selects whether the primary waits for replica confirmations.
type SyncMode string

const (
	SyncModeSync  SyncMode = "sync"
	SyncModeAsync SyncMode = "async"
)

// ReadPreference selects which nodes may serve reads.
type ReadPreference string

const (
	ReadPrimary ReadPreference = "primary"
	ReadNearest ReadPreference = "nearest"
	ReadAny     ReadPreference = "any"
)

// ReplicationConfig describes how a database is replicated.
type ReplicationConfig struct {
	ReplicaCount     int            `json:"replicaCount"`
	MinConfirmations int            `json:"minConfirmations"`
	SyncMode         SyncMode       `json:"syncMode"`
	ReadPreference   ReadPreference `json:"readPreference"`
	FailoverTimeout  time.Duration  `json:"failoverTimeoutMs"`
	PreferredRegions []Region       `json:"preferredRegions,omitempty"`
}

// DefaultReplicationConfig is used for auto-provisioned databases.
func DefaultReplicationConfig() ReplicationConfig {
	return ReplicationConfig{
		ReplicaCount:     0,
		MinConfirmations: 0,
		SyncMode:         SyncModeAsync,
		ReadPreference:   ReadPrimary,
		FailoverTimeout:  30 * time.Second,
	}
}

// Validate checks the cross-field constraints.
func (c ReplicationConfig) Validate() error {
	if c.ReplicaCount < 0 {
		return fmt.Errorf("replicaCount must be >= 0, got %d", c.ReplicaCount)
	}
	if c.MinConfirmations < 0 || c.MinConfirmations > c.ReplicaCount {
		return fmt.Errorf("minConfirmations must be in [0, %d], got %d", c.ReplicaCount, c.MinConfirmations)
	}
	return nil
}

// Node is the engine's view of one operator-run node.
type Node struct {
	ID            string     `json:"nodeId"`
	Operator      string     `json:"operator"`
	Endpoint      string     `json:"endpoint"`
	WSEndpoint    string     `json:"wsEndpoint,omitempty"`
	Region        Region     `json:"region"`
	Role          NodeRole   `json:"role"`
	Status        NodeStatus `json:"status"`
	Staked        uint64     `json:"staked"`
	TEEEnabled    bool       `json:"teeEnabled"`
	Version       string     `json:"version"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`
	DatabaseCount int        `json:"databaseCount"`
	TotalQueries  uint64     `json:"totalQueries"`
	Score         int        `json:"score"` // 0..1000
	Slashed       uint64     `json:"slashed"`
}

// NodeID derives the stable 32-byte node identifier from the operator
// address, endpoint, and registration time.
func NodeID(operator, endpoint string, registeredAt time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", operator, endpoint, registeredAt.UnixNano())))
	return hex.EncodeToString(sum[:])
}

// Database is the metadata record for one logical database.
type Database struct {
	ID             string            `json:"databaseId"`
	Name           string            `json:"name"`
	Owner          string            `json:"owner"`
	Encryption     EncryptionMode    `json:"encryption"`
	Replication    ReplicationConfig `json:"replication"`
	PrimaryNodeID  string            `json:"primaryNodeId"`
	ReplicaNodeIDs []string          `json:"replicaNodeIds,omitempty"`
	SizeBytes      int64             `json:"sizeBytes"`
	RowCount       int64             `json:"rowCount"`
	WALPosition    uint64            `json:"walPosition"`
	SchemaVersion  int               `json:"schemaVersion"`
	SchemaHash     string            `json:"schemaHash"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	ConnString     string            `json:"connectionString,omitempty"`
	HTTPEndpoint   string            `json:"httpEndpoint,omitempty"`
}

// DatabaseID derives a 32-hex-char identifier from the name, owner,
// and creation time. Locally stable, globally unique by construction.
func DatabaseID(name, owner string, createdAt time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", name, owner, createdAt.UnixNano())))
	return hex.EncodeToString(sum[:16])
}

// WALEntry is one hash-chained record of a mutating statement.
type WALEntry struct {
	Position      uint64  `json:"position"`
	TransactionID string  `json:"transactionId"`
	Timestamp     int64   `json:"timestamp"` // unix milliseconds, advisory only
	SQL           string  `json:"sql"`
	Params        []Param `json:"params,omitempty"`
	Hash          string  `json:"hash"`
	PrevHash      string  `json:"prevHash"`
}

// PeerConnection is soft state about a known peer node. It carries no
// serialized state beyond the last measured ping.
type PeerConnection struct {
	NodeID     string        `json:"nodeId"`
	Endpoint   string        `json:"endpoint"`
	WSEndpoint string        `json:"wsEndpoint,omitempty"`
	LastPing   time.Time     `json:"lastPing"`
	Latency    time.Duration `json:"latencyMs"`
	Connected  bool          `json:"connected"`
	Role       NodeRole      `json:"role"`
}

// ReplicaStatus is the replication view of one replica for one database.
type ReplicaStatus struct {
	WALPosition uint64    `json:"walPosition"`
	Lag         uint64    `json:"lag"`
	LastSync    time.Time `json:"lastSync"`
	Syncing     bool      `json:"syncing"`
}
