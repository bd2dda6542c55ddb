package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledIsNoOp(t *testing.T) {
	ctx := context.Background()
	m, err := Init(ctx, "node-test", false)
	require.NoError(t, err)

	// Instruments exist and recording is safe.
	m.RecordQuery(ctx, "db1", true, 5*time.Millisecond, nil)
	m.RecordQuery(ctx, "db1", false, 5*time.Millisecond, errors.New("boom"))

	assert.NoError(t, m.Shutdown(ctx))
}

func TestEnabledPipelineShutsDown(t *testing.T) {
	ctx := context.Background()
	m, err := Init(ctx, "node-test", true)
	require.NoError(t, err)

	m.RecordQuery(ctx, "db1", false, time.Millisecond, nil)
	assert.NoError(t, m.Shutdown(ctx))
}
