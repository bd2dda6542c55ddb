// Package tee gates execution for confidential databases. Databases in
// tee_encrypted mode run statements inside an attested enclave session;
// at_rest mode seals data crossing the storage boundary (snapshot
// export and import) in a key-management envelope; everything else
// passes through untouched.
package tee

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sqlit/sqlit/internal/dberr"
	"github.com/sqlit/sqlit/internal/types"
)

// Attestor produces attestation evidence for an enclave session. The
// production implementation talks to the platform's quoting enclave;
// tests and non-TEE deployments use the local attestor, which refuses.
type Attestor interface {
	Attest(ctx context.Context, sessionID, level string) (*types.Attestation, error)
}

// KeyManager wraps and unwraps data keys for at-rest encryption. Keys
// never leave the process unencrypted; rotation is externally triggered.
type KeyManager interface {
	DataKey(ctx context.Context, databaseID string) (KeyHandle, error)
}

// KeyHandle references a wrapped data key held by the KMS.
type KeyHandle struct {
	KeyID   string
	Wrapped []byte
}

// Session is one enclave execution context.
type Session struct {
	ID    string
	Level string
}

// Gate wraps execution according to the database's encryption mode.
type Gate struct {
	mode     types.EncryptionMode
	attestor Attestor
	kms      KeyManager
	key      KeyHandle
}

// New builds a gate for the given mode. TEE mode requires an attestor;
// at-rest mode requires a key manager and resolves the data key up
// front so open fails fast when the KMS is unreachable.
func New(ctx context.Context, databaseID string, mode types.EncryptionMode, attestor Attestor, kms KeyManager) (*Gate, error) {
	g := &Gate{mode: mode, attestor: attestor, kms: kms}
	switch mode {
	case types.EncryptionTEE:
		if attestor == nil {
			return nil, dberr.TEERequired("database requires TEE execution but no attestor is configured")
		}
	case types.EncryptionAtRest:
		if kms == nil {
			return nil, dberr.New(dberr.CodeInvalidRequest, "at-rest encryption requires a key manager")
		}
		key, err := kms.DataKey(ctx, databaseID)
		if err != nil {
			return nil, fmt.Errorf("resolving data key: %w", err)
		}
		g.key = key
	}
	return g, nil
}

// Mode returns the gate's encryption mode.
func (g *Gate) Mode() types.EncryptionMode { return g.mode }

// SealSnapshot wraps exported file bytes in the at-rest envelope so the
// database never leaves the node in the clear. Other modes pass the
// data through unchanged.
func (g *Gate) SealSnapshot(data []byte) ([]byte, error) {
	if g.mode != types.EncryptionAtRest {
		return data, nil
	}
	return Seal(g.key, data)
}

// Execute runs fn under the gate. For pass-through and at-rest modes fn
// runs directly; for TEE mode the session is attested first and the
// attestation is returned alongside the result. Attestation failure
// refuses execution.
func (g *Gate) Execute(ctx context.Context, session Session, fn func(context.Context) error) (*types.Attestation, error) {
	if g.mode != types.EncryptionTEE {
		return nil, fn(ctx)
	}

	att, err := g.attestor.Attest(ctx, session.ID, session.Level)
	if err != nil {
		log.WithFields(log.Fields{"session": session.ID, "err": err}).Warn("tee: attestation refused")
		return nil, dberr.AttestationFailed("attestation failed: %v", err)
	}
	return att, fn(ctx)
}

// LocalAttestor simulates attestation for nodes whose hardware supports
// it (development and test). When the node is not TEE-enabled every
// attempt is refused, which surfaces as tee_required to callers.
type LocalAttestor struct {
	Enabled     bool
	Measurement string
}

// Attest implements Attestor.
func (a *LocalAttestor) Attest(_ context.Context, sessionID, level string) (*types.Attestation, error) {
	if !a.Enabled {
		return nil, fmt.Errorf("node has no TEE capability")
	}
	sum := sha256.Sum256([]byte(a.Measurement + "|" + sessionID))
	return &types.Attestation{
		Quote:      hex.EncodeToString(sum[:]),
		Level:      level,
		MeasuredAt: time.Now(),
	}, nil
}

// StaticKeyManager derives per-database wrapped keys from a master key
// reference. Stands in for an external KMS in development; the wrapped
// bytes are opaque to the engine either way.
type StaticKeyManager struct {
	MasterKeyID string
}

// DataKey implements KeyManager.
func (m *StaticKeyManager) DataKey(_ context.Context, databaseID string) (KeyHandle, error) {
	if m.MasterKeyID == "" {
		return KeyHandle{}, fmt.Errorf("no master key configured")
	}
	sum := sha256.Sum256([]byte(m.MasterKeyID + "|" + databaseID))
	return KeyHandle{KeyID: m.MasterKeyID, Wrapped: sum[:]}, nil
}
