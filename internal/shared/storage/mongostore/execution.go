package mongostore

import (
	"context"

	"ui-automation/internal/shared/model"
	"ui-automation/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// executionDoc 执行记录文档（附带乐观锁版本号）
type executionDoc struct {
	model.Execution `bson:",inline"`
	Rev             int64 `bson:"rev"`
}

// ============================================================================
// ExecutionStore
// ============================================================================

func (s *Store) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	doc, err := findOne[executionDoc](ctx, s.col(ColExecutions), byID(id))
	if err != nil || doc == nil {
		return nil, err
	}
	return &doc.Execution, nil
}

func (s *Store) ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]*model.Execution, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	docs, err := findMany[executionDoc](ctx, s.col(ColExecutions), executionFilter(filter), opts)
	if err != nil {
		return nil, err
	}
	result := make([]*model.Execution, len(docs))
	for i, d := range docs {
		result[i] = &d.Execution
	}
	return result, nil
}

func (s *Store) CountExecutions(ctx context.Context, filter storage.ExecutionFilter) (int, error) {
	n, err := s.col(ColExecutions).CountDocuments(ctx, executionFilter(filter))
	return int(n), wrapError(err)
}

func (s *Store) CreateExecution(ctx context.Context, e *model.Execution) error {
	_, err := s.col(ColExecutions).InsertOne(ctx, executionDoc{Execution: *e})
	return wrapError(err)
}

// UpdateExecution 基于 rev 的乐观并发更新
//
// 读取文档 → 应用补丁 → 以旧 rev 为条件整体替换；条件不匹配说明有并发写入，重新读取后重试。
func (s *Store) UpdateExecution(ctx context.Context, id string, patch *model.ExecutionPatch) (*model.Execution, error) {
	col := s.col(ColExecutions)
	for i := 0; i < maxUpdateRetries; i++ {
		doc, err := findOne[executionDoc](ctx, col, byID(id))
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, storage.ErrNotFound
		}
		rev := doc.Rev
		doc.Execution.Apply(patch, s.now())
		doc.Rev = rev + 1
		res, err := col.ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}, {Key: "rev", Value: rev}}, doc)
		if err != nil {
			return nil, wrapError(err)
		}
		if res.MatchedCount == 1 {
			return &doc.Execution, nil
		}
	}
	return nil, storage.ErrConflict
}

func executionFilter(filter storage.ExecutionFilter) bson.D {
	f := bson.D{}
	if filter.CaseID != "" {
		f = append(f, bson.E{Key: "case_id", Value: filter.CaseID})
	}
	if len(filter.Statuses) > 0 {
		statuses := bson.A{}
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		f = append(f, bson.E{Key: "status", Value: bson.D{{Key: "$in", Value: statuses}}})
	}
	return f
}
