// Package repository Execution 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"ui-automation/internal/shared/model"
	"ui-automation/internal/shared/storage"
	"ui-automation/internal/shared/storage/dbutil"
)

const executionColumns = `id, case_id, batch_id, target_agent_id, status, progress, report_path, error_message,
	agent_id, agent_name, file_name, logs, created_at, updated_at`

// GetExecution 获取执行记录
func (s *Store) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	query := s.rebind(`SELECT ` + executionColumns + ` FROM executions WHERE id = $1`)
	e, err := scanExecution(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// ListExecutions 按条件列出执行记录（创建时间倒序）
func (s *Store) ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]*model.Execution, error) {
	w := executionWhere(filter)
	query := `SELECT ` + executionColumns + ` FROM executions` + w.Clause() + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + w.AddArg(filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ` + w.AddArg(filter.Offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), w.Args()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []*model.Execution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// CountExecutions 统计执行记录数
func (s *Store) CountExecutions(ctx context.Context, filter storage.ExecutionFilter) (int, error) {
	w := executionWhere(filter)
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM executions`+w.Clause()), w.Args()...).Scan(&count)
	return count, err
}

// CreateExecution 插入执行记录
//
// 使用 ON CONFLICT DO NOTHING 判断主键冲突，避免解析各驱动的错误码。
func (s *Store) CreateExecution(ctx context.Context, e *model.Execution) error {
	logs, err := json.Marshal(logsOrEmpty(e.Logs))
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	query := s.rebind(`
		INSERT INTO executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query,
		e.ID, e.CaseID, e.BatchID, e.TargetAgentID, string(e.Status), e.Progress, e.ReportPath, e.ErrorMessage,
		e.AgentID, e.AgentName, e.FileName, string(logs), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrDuplicate
	}
	return nil
}

// UpdateExecution 在事务内读取、应用补丁并写回
func (s *Store) UpdateExecution(ctx context.Context, id string, patch *model.ExecutionPatch) (*model.Execution, error) {
	var updated *model.Execution
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := s.rebind(`SELECT ` + executionColumns + ` FROM executions WHERE id = $1` + s.forUpdate())
		e, err := scanExecution(tx.QueryRowContext(ctx, query, id))
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}

		e.Apply(patch, s.now())
		logs, err := json.Marshal(logsOrEmpty(e.Logs))
		if err != nil {
			return fmt.Errorf("marshal logs: %w", err)
		}
		update := s.rebind(`
			UPDATE executions SET status = $1, progress = $2, report_path = $3, error_message = $4,
				agent_id = $5, agent_name = $6, logs = $7, updated_at = $8
			WHERE id = $9`)
		if _, err := tx.ExecContext(ctx, update,
			string(e.Status), e.Progress, e.ReportPath, e.ErrorMessage,
			e.AgentID, e.AgentName, string(logs), e.UpdatedAt, id); err != nil {
			return err
		}
		updated = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func executionWhere(filter storage.ExecutionFilter) *dbutil.Where {
	w := dbutil.NewWhere()
	if filter.CaseID != "" {
		w.Eq("case_id", filter.CaseID)
	}
	if len(filter.Statuses) > 0 {
		values := make([]interface{}, len(filter.Statuses))
		for i, st := range filter.Statuses {
			values[i] = string(st)
		}
		w.In("status", values...)
	}
	return w
}

// scanExecution 辅助函数
func scanExecution(scanner rowScanner) (*model.Execution, error) {
	e := &model.Execution{}
	var status, logs string
	err := scanner.Scan(
		&e.ID, &e.CaseID, &e.BatchID, &e.TargetAgentID, &status, &e.Progress, &e.ReportPath, &e.ErrorMessage,
		&e.AgentID, &e.AgentName, &e.FileName, &logs, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = model.ExecutionStatus(status)
	if logs != "" {
		if err := json.Unmarshal([]byte(logs), &e.Logs); err != nil {
			return nil, fmt.Errorf("unmarshal logs of %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func logsOrEmpty(logs []string) []string {
	if logs == nil {
		return []string{}
	}
	return logs
}
