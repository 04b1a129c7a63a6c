package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore(t *testing.T) {
	ctx := context.Background()
	ms := NewMemStore()

	require.NoError(t, ms.Set(ctx, "dave"))
	got, err := ms.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dave", got)

	require.NoError(t, ms.Clear(ctx))
	got, err = ms.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}
