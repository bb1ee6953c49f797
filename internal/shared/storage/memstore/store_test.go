package memstore

import (
	"context"
	"testing"

	"linsight/internal/shared/model"
	"linsight/internal/shared/storage"
	"linsight/internal/shared/storage/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.PersistentStore { return New() })
}

// TestStore_ReturnsCopies 修改返回值不影响存储
func TestStore_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateSessionVersion(ctx, &model.SessionVersion{ID: "v1", Question: "原始"}))

	v, err := s.GetSessionVersion(ctx, "v1")
	require.NoError(t, err)
	v.Question = "被修改"

	again, err := s.GetSessionVersion(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "原始", again.Question)
}
