package storage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ui-automation/internal/shared/model"
	"ui-automation/internal/shared/storage"
	"ui-automation/internal/shared/storage/memstore"
)

func TestExecutionIDBase(t *testing.T) {
	now := time.Date(2024, 3, 9, 7, 5, 3, 42*int(time.Millisecond), time.Local)
	assert.Equal(t, "登录_流程_20240309_070503042", storage.ExecutionIDBase("登录 流程", now))
}

func TestCreateExecutionWithUniqueID_Collision(t *testing.T) {
	s := memstore.NewStore()
	ctx := context.Background()

	first := &model.Execution{CaseID: "c1", Status: model.ExecutionStatusQueued}
	require.NoError(t, storage.CreateExecutionWithUniqueID(ctx, s, first, "case_x"))
	assert.Equal(t, "case_x", first.ID)

	second := &model.Execution{CaseID: "c1", Status: model.ExecutionStatusQueued}
	require.NoError(t, storage.CreateExecutionWithUniqueID(ctx, s, second, "case_x"))
	assert.Equal(t, "case_x_1", second.ID)

	third := &model.Execution{CaseID: "c1", Status: model.ExecutionStatusQueued}
	require.NoError(t, storage.CreateExecutionWithUniqueID(ctx, s, third, "case_x"))
	assert.Equal(t, "case_x_2", third.ID)
}

func TestCreateExecutionWithUniqueID_Concurrent(t *testing.T) {
	s := memstore.NewStore()
	ctx := context.Background()
	base := storage.ExecutionIDBase("same case", time.Now())

	const n = 80
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := &model.Execution{CaseID: "c1", Status: model.ExecutionStatusQueued}
			assert.NoError(t, storage.CreateExecutionWithUniqueID(ctx, s, e, base))
			ids[i] = e.ID
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	count, err := s.CountExecutions(ctx, storage.ExecutionFilter{CaseID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, n, count)
}
