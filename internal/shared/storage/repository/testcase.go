// Package repository TestCase 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"ui-automation/internal/shared/model"
	"ui-automation/internal/shared/storage"
)

const testCaseColumns = `id, name, description, platform, context, steps, status, last_run_at, last_report_path, created_at, updated_at`

// GetTestCase 获取用例
func (s *Store) GetTestCase(ctx context.Context, id string) (*model.TestCase, error) {
	query := s.rebind(`SELECT ` + testCaseColumns + ` FROM test_cases WHERE id = $1`)
	tc, err := scanTestCase(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tc, err
}

// ListTestCases 列出全部用例
func (s *Store) ListTestCases(ctx context.Context) ([]*model.TestCase, error) {
	query := s.rebind(`SELECT ` + testCaseColumns + ` FROM test_cases ORDER BY created_at ASC, id ASC`)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []*model.TestCase{}
	for rows.Next() {
		tc, err := scanTestCase(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tc)
	}
	return result, rows.Err()
}

// SaveTestCase 创建或覆盖用例
func (s *Store) SaveTestCase(ctx context.Context, tc *model.TestCase) error {
	steps, err := json.Marshal(stepsOrEmpty(tc.Steps))
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	query := s.rebind(`
		INSERT INTO test_cases (` + testCaseColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		` + s.dialect.UpsertConflict("id", []string{
		"name = EXCLUDED.name",
		"description = EXCLUDED.description",
		"platform = EXCLUDED.platform",
		"context = EXCLUDED.context",
		"steps = EXCLUDED.steps",
		"status = EXCLUDED.status",
		"last_run_at = EXCLUDED.last_run_at",
		"last_report_path = EXCLUDED.last_report_path",
		"updated_at = EXCLUDED.updated_at",
	}))
	_, err = s.db.ExecContext(ctx, query,
		tc.ID, tc.Name, tc.Description, string(tc.Platform), tc.Context, string(steps),
		string(tc.Status), tc.LastRunAt, tc.LastReportPath, tc.CreatedAt, tc.UpdatedAt)
	return err
}

// UpdateTestCase 在事务内读取、应用补丁并写回
func (s *Store) UpdateTestCase(ctx context.Context, id string, patch *model.TestCasePatch) (*model.TestCase, error) {
	var updated *model.TestCase
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := s.rebind(`SELECT ` + testCaseColumns + ` FROM test_cases WHERE id = $1` + s.forUpdate())
		tc, err := scanTestCase(tx.QueryRowContext(ctx, query, id))
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}

		tc.Apply(patch, s.now())
		steps, err := json.Marshal(stepsOrEmpty(tc.Steps))
		if err != nil {
			return fmt.Errorf("marshal steps: %w", err)
		}
		update := s.rebind(`
			UPDATE test_cases SET name = $1, description = $2, context = $3, steps = $4, status = $5,
				last_run_at = $6, last_report_path = $7, updated_at = $8, platform = $9
			WHERE id = $10`)
		if _, err := tx.ExecContext(ctx, update,
			tc.Name, tc.Description, tc.Context, string(steps), string(tc.Status),
			tc.LastRunAt, tc.LastReportPath, tc.UpdatedAt, string(tc.Platform), id); err != nil {
			return err
		}
		updated = tc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ProjectTestCase 在事务内锁定用例行，统计执行记录后写回用例状态
//
// PostgreSQL 下 FOR UPDATE 让同一用例的投影串行执行，后执行的投影能看到先提交的执行记录；
// SQLite 只有一个连接，事务本身就是串行的。
func (s *Store) ProjectTestCase(ctx context.Context, caseID string) (*model.TestCase, error) {
	var updated *model.TestCase
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := s.rebind(`SELECT ` + testCaseColumns + ` FROM test_cases WHERE id = $1` + s.forUpdate())
		tc, err := scanTestCase(tx.QueryRowContext(ctx, query, caseID))
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}

		w := executionWhere(storage.ExecutionFilter{CaseID: caseID, Statuses: model.ActiveExecutionStatuses()})
		var active int
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM executions`+w.Clause()), w.Args()...).Scan(&active); err != nil {
			return fmt.Errorf("count active executions: %w", err)
		}

		var latest *model.Execution
		if active == 0 {
			w := executionWhere(storage.ExecutionFilter{CaseID: caseID, Statuses: model.TerminalExecutionStatuses()})
			latestQuery := `SELECT ` + executionColumns + ` FROM executions` + w.Clause() + ` ORDER BY updated_at DESC, id DESC LIMIT 1`
			latest, err = scanExecution(tx.QueryRowContext(ctx, s.rebind(latestQuery), w.Args()...))
			if errors.Is(err, sql.ErrNoRows) {
				latest, err = nil, nil
			}
			if err != nil {
				return fmt.Errorf("find latest execution: %w", err)
			}
		}

		patch := model.ProjectCasePatch(active, latest)
		if patch == nil {
			updated = tc
			return nil
		}
		tc.Apply(patch, s.now())
		update := s.rebind(`
			UPDATE test_cases SET status = $1, last_run_at = $2, last_report_path = $3, updated_at = $4
			WHERE id = $5`)
		if _, err := tx.ExecContext(ctx, update,
			string(tc.Status), tc.LastRunAt, tc.LastReportPath, tc.UpdatedAt, caseID); err != nil {
			return err
		}
		updated = tc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteTestCase 删除用例及其执行记录
func (s *Store) DeleteTestCase(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM executions WHERE case_id = $1`), id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM test_cases WHERE id = $1`), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// scanTestCase 辅助函数
func scanTestCase(scanner rowScanner) (*model.TestCase, error) {
	tc := &model.TestCase{}
	var platform, status, steps string
	err := scanner.Scan(
		&tc.ID, &tc.Name, &tc.Description, &platform, &tc.Context, &steps, &status,
		&tc.LastRunAt, &tc.LastReportPath, &tc.CreatedAt, &tc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tc.Platform = model.Platform(platform)
	tc.Status = model.CaseStatus(status)
	if steps != "" {
		if err := json.Unmarshal([]byte(steps), &tc.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps of %s: %w", tc.ID, err)
		}
	}
	return tc, nil
}

func stepsOrEmpty(steps []model.Step) []model.Step {
	if steps == nil {
		return []model.Step{}
	}
	return steps
}
