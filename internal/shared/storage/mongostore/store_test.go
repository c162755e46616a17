package mongostore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"ui-automation/internal/shared/model"
	"ui-automation/internal/shared/storage"
)

// testStore 创建测试用 Store，使用独立数据库避免污染
func testStore(t *testing.T) *Store {
	t.Helper()

	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}

	s, err := NewStore(uri, "ui_automation_test")
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}

	ctx := context.Background()
	if err := s.db.Drop(ctx); err != nil {
		t.Fatalf("Failed to drop test database: %v", err)
	}
	if err := s.ensureIndexes(ctx); err != nil {
		t.Fatalf("Failed to create indexes: %v", err)
	}

	t.Cleanup(func() {
		s.db.Drop(context.Background())
		s.Close()
	})

	return s
}

func TestTestCaseAndExecution(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	tc := &model.TestCase{
		ID: "case-001", Name: "登录", Platform: model.PlatformIOS, Status: model.CaseStatusIdle,
		Steps:     []model.Step{{ID: "s1", Action: "打开应用"}},
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.SaveTestCase(ctx, tc); err != nil {
		t.Fatalf("SaveTestCase: %v", err)
	}

	e := &model.Execution{ID: "exe-1", CaseID: tc.ID, Status: model.ExecutionStatusQueued, CreatedAt: now, UpdatedAt: now}
	if err := s.CreateExecution(ctx, e); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.CreateExecution(ctx, e); err != storage.ErrDuplicate {
		t.Fatalf("duplicate insert err = %v, want ErrDuplicate", err)
	}

	got, err := s.UpdateExecution(ctx, "exe-1", model.StatusPatch(model.ExecutionStatusRunning, 0))
	if err != nil {
		t.Fatalf("UpdateExecution: %v", err)
	}
	if got.Status != model.ExecutionStatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}

	if err := s.DeleteTestCase(ctx, tc.ID); err != nil {
		t.Fatalf("DeleteTestCase: %v", err)
	}
	if gone, _ := s.GetExecution(ctx, "exe-1"); gone != nil {
		t.Error("execution should be deleted with its case")
	}
}

func TestConcurrentExecutionUpdates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.CreateExecution(ctx, &model.Execution{ID: "exe-c", CaseID: "c", Status: model.ExecutionStatusRunning, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.UpdateExecution(ctx, "exe-c", model.LogPatch(fmt.Sprintf("line-%d", i))); err != nil {
				t.Errorf("UpdateExecution: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.GetExecution(ctx, "exe-c")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if len(got.Logs) != n {
		t.Errorf("len(logs) = %d, want %d", len(got.Logs), n)
	}
}
