package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ui-automation/internal/shared/model"
)

// maxIDAttempts 同一基础 ID 的最大冲突重试次数
const maxIDAttempts = 1000

// ExecutionIDBase 生成执行记录 ID 的基础部分
//
// 格式：<安全化的用例名>_<YYYYMMDD_HHMMSSmmm>，时间取本地时区。
func ExecutionIDBase(caseName string, now time.Time) string {
	ts := strings.Replace(now.Format("20060102_150405.000"), ".", "", 1)
	return model.SanitizeName(caseName) + "_" + ts
}

// CreateExecutionWithUniqueID 以 base 为 ID 插入执行记录，冲突时依次尝试 base_1、base_2 ...
//
// 唯一性由存储层的插入原语保证（主键约束、互斥锁），
// 因此并发提交同一用例、同一毫秒也不会产生重复 ID。
// 成功后 e.ID 被设置为最终使用的 ID。
func CreateExecutionWithUniqueID(ctx context.Context, s ExecutionStore, e *model.Execution, base string) error {
	for i := 0; i < maxIDAttempts; i++ {
		id := base
		if i > 0 {
			id = fmt.Sprintf("%s_%d", base, i)
		}
		e.ID = id
		err := s.CreateExecution(ctx, e)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDuplicate) {
			return err
		}
	}
	return fmt.Errorf("%w: %s", ErrIDExhausted, base)
}
