package tee

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlit/sqlit/internal/dberr"
	"github.com/sqlit/sqlit/internal/types"
)

func TestPassThroughMode(t *testing.T) {
	ctx := context.Background()
	gate, err := New(ctx, "db1", types.EncryptionNone, nil, nil)
	require.NoError(t, err)

	ran := false
	att, err := gate.Execute(ctx, Session{ID: "s1"}, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.Nil(t, att)
	assert.True(t, ran)
}

func TestTEERequiresAttestor(t *testing.T) {
	_, err := New(context.Background(), "db1", types.EncryptionTEE, nil, nil)
	require.Error(t, err)
	assert.Equal(t, dberr.CodeTEERequired, dberr.CodeOf(err))
}

func TestTEEAttestsBeforeExecution(t *testing.T) {
	ctx := context.Background()
	gate, err := New(ctx, "db1", types.EncryptionTEE, &LocalAttestor{Enabled: true, Measurement: "node1"}, nil)
	require.NoError(t, err)

	att, err := gate.Execute(ctx, Session{ID: "s1", Level: "standard"}, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.NotNil(t, att)
	assert.NotEmpty(t, att.Quote)
	assert.Equal(t, "standard", att.Level)
}

func TestAttestationRefusalBlocksExecution(t *testing.T) {
	ctx := context.Background()
	gate, err := New(ctx, "db1", types.EncryptionTEE, &LocalAttestor{Enabled: false}, nil)
	require.NoError(t, err)

	ran := false
	_, err = gate.Execute(ctx, Session{ID: "s1"}, func(context.Context) error {
		ran = true
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, dberr.CodeAttestationFailed, dberr.CodeOf(err))
	assert.False(t, ran, "execution must not happen after refusal")
}

func TestAtRestResolvesKeyUpFront(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, "db1", types.EncryptionAtRest, nil, &StaticKeyManager{})
	require.Error(t, err, "empty master key must fail at open")

	gate, err := New(ctx, "db1", types.EncryptionAtRest, nil, &StaticKeyManager{MasterKeyID: "master-1"})
	require.NoError(t, err)
	assert.Equal(t, types.EncryptionAtRest, gate.Mode())

	_, err = gate.Execute(ctx, Session{ID: "s1"}, func(context.Context) error { return nil })
	require.NoError(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	kms := &StaticKeyManager{MasterKeyID: "master-1"}
	key, err := kms.DataKey(context.Background(), "db1")
	require.NoError(t, err)

	plain := []byte("SQLite format 3\x00 and then some pages")
	sealed, err := Seal(key, plain)
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.False(t, IsSealed(plain))
	assert.NotContains(t, string(sealed), "and then some pages")

	opened, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, opened)
}

func TestEnvelopeRejectsWrongKeyAndTamper(t *testing.T) {
	kms := &StaticKeyManager{MasterKeyID: "master-1"}
	key, err := kms.DataKey(context.Background(), "db1")
	require.NoError(t, err)
	otherKey, err := kms.DataKey(context.Background(), "db2")
	require.NoError(t, err)

	sealed, err := Seal(key, []byte("payload"))
	require.NoError(t, err)

	_, err = Open(otherKey, sealed)
	require.Error(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = Open(key, tampered)
	require.Error(t, err)

	_, err = Open(key, []byte("not an envelope"))
	require.Error(t, err)
}

func TestSealSnapshotByMode(t *testing.T) {
	ctx := context.Background()
	kms := &StaticKeyManager{MasterKeyID: "master-1"}

	plain, err := New(ctx, "db1", types.EncryptionNone, nil, nil)
	require.NoError(t, err)
	data := []byte("file contents")
	out, err := plain.SealSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, data, out, "pass-through modes leave snapshots alone")

	atRest, err := New(ctx, "db1", types.EncryptionAtRest, nil, kms)
	require.NoError(t, err)
	out, err = atRest.SealSnapshot(data)
	require.NoError(t, err)
	require.True(t, IsSealed(out))

	key, err := kms.DataKey(ctx, "db1")
	require.NoError(t, err)
	opened, err := Open(key, out)
	require.NoError(t, err)
	assert.Equal(t, data, opened)
}

func TestStaticKeyManagerDerivesPerDatabase(t *testing.T) {
	kms := &StaticKeyManager{MasterKeyID: "master-1"}
	k1, err := kms.DataKey(context.Background(), "db1")
	require.NoError(t, err)
	k2, err := kms.DataKey(context.Background(), "db2")
	require.NoError(t, err)
	assert.NotEqual(t, k1.Wrapped, k2.Wrapped)
}
