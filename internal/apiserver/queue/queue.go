// Package queue 执行队列：内存中的 FIFO 准入控制器
//
// 队列只负责两件事：
//   - 按提交顺序放行作业
//   - 保证同时运行的作业数不超过上限
//
// 作业本身（加载用例、选择执行器、写回结果）由调用方提供的 RunFunc 完成。
// 每个被放行的作业在独立的 goroutine 中运行；作业结束（无论成功、失败还是 panic）
// 都会且只会释放一次名额，并立即放行下一个排队作业。
package queue

import (
	"log"
	"runtime/debug"
	"sync"
)

// DefaultMaxConcurrency 默认最大并发数
const DefaultMaxConcurrency = 5

// Job 排队中的作业
type Job struct {
	ExecutionID string
	CaseID      string
}

// RunFunc 作业执行函数
//
// 返回即表示作业结束，队列随即释放名额。
// RunFunc 负责记录自身的错误；panic 会被队列捕获并记录，不会影响其他作业。
type RunFunc func(job Job)

// Observer 队列状态观察者（用于指标上报）
type Observer func(queued, running int)

// AdmitHook 作业出队时、启动 goroutine 之前同步调用
//
// 调用时仍持有队列锁：在钩子返回前，IsQueued 对该作业已返回 false，
// 调用方可借此登记运行状态，使作业在任一时刻要么在排队、要么已被登记。
// 钩子内不得再调用队列方法。
type AdmitHook func(job Job)

// Queue FIFO 准入控制器
type Queue struct {
	mu       sync.Mutex
	max      int
	running  int
	pending  []Job
	queued   map[string]struct{}
	run      RunFunc
	observer Observer
	admit    AdmitHook
	wg       sync.WaitGroup
}

// New 创建队列
//
// 参数：
//   - maxConcurrency: 最大并发数，小于 1 时按 1 处理
//   - run: 作业执行函数
func New(maxConcurrency int, run RunFunc) *Queue {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Queue{
		max:    maxConcurrency,
		queued: make(map[string]struct{}),
		run:    run,
	}
}

// SetObserver 设置状态观察者
func (q *Queue) SetObserver(o Observer) {
	q.mu.Lock()
	q.observer = o
	q.mu.Unlock()
}

// SetAdmitHook 设置出队钩子，需在第一次 Enqueue 之前调用
func (q *Queue) SetAdmitHook(h AdmitHook) {
	q.mu.Lock()
	q.admit = h
	q.mu.Unlock()
}

// MaxConcurrency 返回最大并发数
func (q *Queue) MaxConcurrency() int {
	return q.max
}

// Enqueue 追加作业到队尾并尝试放行
func (q *Queue) Enqueue(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, job)
	q.queued[job.ExecutionID] = struct{}{}
	log.Printf("[queue.enqueued] execution_id=%s case_id=%s queued=%d running=%d",
		job.ExecutionID, job.CaseID, len(q.pending), q.running)
	q.pumpLocked()
}

// RemoveQueued 移除尚未开始的作业
//
// 返回：
//   - true: 作业仍在排队，已移除，后续不会再运行
//   - false: 作业不存在或已经开始运行
func (q *Queue) RemoveQueued(executionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queued[executionID]; !ok {
		return false
	}
	delete(q.queued, executionID)
	for i, job := range q.pending {
		if job.ExecutionID == executionID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	q.notifyLocked()
	return true
}

// IsQueued 作业是否仍在排队
func (q *Queue) IsQueued(executionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.queued[executionID]
	return ok
}

// Len 返回排队中的作业数
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Running 返回运行中的作业数
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Snapshot 返回排队中作业的执行 ID（按放行顺序）
func (q *Queue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, len(q.pending))
	for i, job := range q.pending {
		ids[i] = job.ExecutionID
	}
	return ids
}

// Wait 等待所有已放行的作业结束（用于优雅关闭和测试）
func (q *Queue) Wait() {
	q.wg.Wait()
}

// pumpLocked 在名额允许时从队首放行作业，调用方需持有锁
func (q *Queue) pumpLocked() {
	for q.running < q.max && len(q.pending) > 0 {
		job := q.pending[0]
		q.pending = q.pending[1:]
		if _, ok := q.queued[job.ExecutionID]; !ok {
			continue
		}
		delete(q.queued, job.ExecutionID)
		q.running++
		if q.admit != nil {
			q.admit(job)
		}
		q.wg.Add(1)
		go q.execute(job)
	}
	q.notifyLocked()
}

func (q *Queue) execute(job Job) {
	defer q.wg.Done()
	defer q.release()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[queue.job.panic] execution_id=%s panic=%v\n%s", job.ExecutionID, r, debug.Stack())
		}
	}()
	q.run(job)
}

// release 释放一个名额并放行下一个作业
func (q *Queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running--
	q.pumpLocked()
}

func (q *Queue) notifyLocked() {
	if q.observer != nil {
		q.observer(len(q.pending), q.running)
	}
}
