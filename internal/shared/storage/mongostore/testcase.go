package mongostore

import (
	"context"
	"errors"

	"ui-automation/internal/shared/model"
	"ui-automation/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// testCaseDoc 用例文档（附带乐观锁版本号）
type testCaseDoc struct {
	model.TestCase `bson:",inline"`
	Rev            int64 `bson:"rev"`
}

// ============================================================================
// TestCaseStore
// ============================================================================

func (s *Store) GetTestCase(ctx context.Context, id string) (*model.TestCase, error) {
	doc, err := findOne[testCaseDoc](ctx, s.col(ColTestCases), byID(id))
	if err != nil || doc == nil {
		return nil, err
	}
	return &doc.TestCase, nil
}

func (s *Store) ListTestCases(ctx context.Context) ([]*model.TestCase, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	docs, err := findMany[testCaseDoc](ctx, s.col(ColTestCases), bson.D{}, opts)
	if err != nil {
		return nil, err
	}
	result := make([]*model.TestCase, len(docs))
	for i, d := range docs {
		result[i] = &d.TestCase
	}
	return result, nil
}

// SaveTestCase 整体覆盖保存（upsert），版本号递增
func (s *Store) SaveTestCase(ctx context.Context, tc *model.TestCase) error {
	existing, err := findOne[testCaseDoc](ctx, s.col(ColTestCases), byID(tc.ID))
	if err != nil {
		return err
	}
	doc := testCaseDoc{TestCase: *tc}
	if existing != nil {
		doc.Rev = existing.Rev + 1
	}
	_, err = s.col(ColTestCases).ReplaceOne(ctx, byID(tc.ID), doc, options.Replace().SetUpsert(true))
	return wrapError(err)
}

func (s *Store) UpdateTestCase(ctx context.Context, id string, patch *model.TestCasePatch) (*model.TestCase, error) {
	col := s.col(ColTestCases)
	for i := 0; i < maxUpdateRetries; i++ {
		doc, err := findOne[testCaseDoc](ctx, col, byID(id))
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, storage.ErrNotFound
		}
		rev := doc.Rev
		doc.TestCase.Apply(patch, s.now())
		doc.Rev = rev + 1
		res, err := col.ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}, {Key: "rev", Value: rev}}, doc)
		if err != nil {
			return nil, wrapError(err)
		}
		if res.MatchedCount == 1 {
			return &doc.TestCase, nil
		}
	}
	return nil, storage.ErrConflict
}

// ProjectTestCase 基于 rev 的乐观并发投影
//
// 每轮重新统计执行记录；期间有其他投影写入时 rev 不匹配，重读后按最新的执行集合重算。
func (s *Store) ProjectTestCase(ctx context.Context, caseID string) (*model.TestCase, error) {
	col := s.col(ColTestCases)
	for i := 0; i < maxUpdateRetries; i++ {
		doc, err := findOne[testCaseDoc](ctx, col, byID(caseID))
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, storage.ErrNotFound
		}

		active, err := s.CountExecutions(ctx, storage.ExecutionFilter{CaseID: caseID, Statuses: model.ActiveExecutionStatuses()})
		if err != nil {
			return nil, err
		}
		var latest *model.Execution
		if active == 0 {
			opts := options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: -1}})
			filter := executionFilter(storage.ExecutionFilter{CaseID: caseID, Statuses: model.TerminalExecutionStatuses()})
			var found executionDoc
			err := s.col(ColExecutions).FindOne(ctx, filter, opts).Decode(&found)
			switch {
			case err == nil:
				latest = &found.Execution
			case !errors.Is(err, mongo.ErrNoDocuments):
				return nil, wrapError(err)
			}
		}

		patch := model.ProjectCasePatch(active, latest)
		if patch == nil {
			return &doc.TestCase, nil
		}
		rev := doc.Rev
		doc.TestCase.Apply(patch, s.now())
		doc.Rev = rev + 1
		res, err := col.ReplaceOne(ctx, bson.D{{Key: "_id", Value: caseID}, {Key: "rev", Value: rev}}, doc)
		if err != nil {
			return nil, wrapError(err)
		}
		if res.MatchedCount == 1 {
			return &doc.TestCase, nil
		}
	}
	return nil, storage.ErrConflict
}

func (s *Store) DeleteTestCase(ctx context.Context, id string) error {
	res, err := s.col(ColTestCases).DeleteOne(ctx, byID(id))
	if err != nil {
		return wrapError(err)
	}
	if res.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	_, err = s.col(ColExecutions).DeleteMany(ctx, bson.D{{Key: "case_id", Value: id}})
	return wrapError(err)
}
