// Package memstore 实现基于进程内存的 PersistentStore
//
// 用于单元测试和 storage.driver=memory 的本地调试，进程退出后数据丢失。
// 所有读写都在同一把互斥锁内完成，返回值均为深拷贝。
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"ui-automation/internal/shared/model"
	"ui-automation/internal/shared/storage"
)

// Store 内存存储
type Store struct {
	mu         sync.Mutex
	cases      map[string]*model.TestCase
	executions map[string]*model.Execution
	now        func() time.Time
}

var _ storage.PersistentStore = (*Store)(nil)

// NewStore 创建内存存储
func NewStore() *Store {
	return &Store{
		cases:      make(map[string]*model.TestCase),
		executions: make(map[string]*model.Execution),
		now:        time.Now,
	}
}

// Close 无需释放资源
func (s *Store) Close() error {
	return nil
}

// ============================================================================
// TestCaseStore
// ============================================================================

func (s *Store) GetTestCase(ctx context.Context, id string) (*model.TestCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cases[id].Clone(), nil
}

func (s *Store) ListTestCases(ctx context.Context) ([]*model.TestCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*model.TestCase, 0, len(s.cases))
	for _, tc := range s.cases {
		result = append(result, tc.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) SaveTestCase(ctx context.Context, tc *model.TestCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[tc.ID] = tc.Clone()
	return nil
}

func (s *Store) UpdateTestCase(ctx context.Context, id string, patch *model.TestCasePatch) (*model.TestCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.cases[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	tc.Apply(patch, s.now())
	return tc.Clone(), nil
}

// ProjectTestCase 在同一把锁内统计执行记录并写回用例状态
func (s *Store) ProjectTestCase(ctx context.Context, caseID string) (*model.TestCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.cases[caseID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	active := len(s.filterLocked(storage.ExecutionFilter{CaseID: caseID, Statuses: model.ActiveExecutionStatuses()}))
	var latest *model.Execution
	for _, e := range s.filterLocked(storage.ExecutionFilter{CaseID: caseID, Statuses: model.TerminalExecutionStatuses()}) {
		if latest == nil || e.UpdatedAt.After(latest.UpdatedAt) ||
			(e.UpdatedAt.Equal(latest.UpdatedAt) && e.ID > latest.ID) {
			latest = e
		}
	}
	if patch := model.ProjectCasePatch(active, latest); patch != nil {
		tc.Apply(patch, s.now())
	}
	return tc.Clone(), nil
}

func (s *Store) DeleteTestCase(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.cases, id)
	for eid, e := range s.executions {
		if e.CaseID == id {
			delete(s.executions, eid)
		}
	}
	return nil
}

// ============================================================================
// ExecutionStore
// ============================================================================

func (s *Store) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executions[id].Clone(), nil
}

func (s *Store) ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]*model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := s.filterLocked(filter)
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*model.Execution{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	result := make([]*model.Execution, len(matched))
	for i, e := range matched {
		result[i] = e.Clone()
	}
	return result, nil
}

func (s *Store) CountExecutions(ctx context.Context, filter storage.ExecutionFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.filterLocked(filter)), nil
}

func (s *Store) CreateExecution(ctx context.Context, e *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[e.ID]; exists {
		return storage.ErrDuplicate
	}
	s.executions[e.ID] = e.Clone()
	return nil
}

func (s *Store) UpdateExecution(ctx context.Context, id string, patch *model.ExecutionPatch) (*model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	e.Apply(patch, s.now())
	return e.Clone(), nil
}

func (s *Store) filterLocked(filter storage.ExecutionFilter) []*model.Execution {
	var result []*model.Execution
	for _, e := range s.executions {
		if filter.CaseID != "" && e.CaseID != filter.CaseID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, e.Status) {
			continue
		}
		result = append(result, e)
	}
	return result
}

func containsStatus(list []model.ExecutionStatus, s model.ExecutionStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
