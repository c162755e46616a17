package engine

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"ui-automation/internal/shared/model"
)

// PlaceholderName 占位引擎名称
const PlaceholderName = "placeholder"

// DefaultStepTimeout 单步默认超时
const DefaultStepTimeout = 2 * time.Minute

var errCancelled = errors.New(CancelledMessage)

// StepFunc 执行单个步骤
//
// 实现应在 ctx 结束后尽快返回；即使不返回，引擎也会在超时或取消时放弃等待。
type StepFunc func(ctx context.Context, tc *model.TestCase, step model.Step) error

// PlaceholderOptions 占位引擎配置
type PlaceholderOptions struct {
	ReportDir   string        // 报告输出目录
	StepTimeout time.Duration // 单步超时，<=0 时使用 DefaultStepTimeout
	StepDelay   time.Duration // 模拟每步耗时
	Step        StepFunc      // 自定义步骤执行（测试用），为空时按 StepDelay 模拟
}

// Placeholder 占位引擎
//
// 不驱动真实浏览器或设备，仅按步骤类型模拟执行并生成占位 HTML 报告。
// 调度器（web 用例）和参考 Agent 都使用它，保证整条链路可以端到端运行。
type Placeholder struct {
	opts PlaceholderOptions

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewPlaceholder 创建占位引擎
func NewPlaceholder(opts PlaceholderOptions) *Placeholder {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if opts.ReportDir == "" {
		opts.ReportDir = "reports"
	}
	p := &Placeholder{opts: opts, running: make(map[string]context.CancelFunc)}
	if p.opts.Step == nil {
		p.opts.Step = p.simulateStep
	}
	return p
}

// Name 返回引擎名称
func (p *Placeholder) Name() string {
	return PlaceholderName
}

// Cancel 中止正在运行的执行
func (p *Placeholder) Cancel(executionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cancel, ok := p.running[executionID]
	if ok {
		cancel()
		log.Printf("[engine.cancel] execution_id=%s", executionID)
	}
	return ok
}

// Run 执行测试用例
func (p *Placeholder) Run(ctx context.Context, tc *model.TestCase, executionID string, sink Sink) (result Result) {
	if sink == nil {
		sink = NopSink{}
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.running[executionID] = cancel
	p.mu.Unlock()

	outcomes := make([]stepOutcome, 0, len(tc.Steps))
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[engine.panic] execution_id=%s panic=%v\n%s", executionID, r, debug.Stack())
			result = Failed(fmt.Sprintf("engine panic: %v", r), p.findReport(executionID))
		}
		// 清理在任何结局下都会执行
		p.mu.Lock()
		delete(p.running, executionID)
		p.mu.Unlock()
		cancel()
		sink.Log("cleanup: session released")
	}()

	sink.Log(fmt.Sprintf("engine %s: platform=%s steps=%d", p.Name(), tc.Platform, len(tc.Steps)))

	var runErr error
	total := len(tc.Steps)
	for i, step := range tc.Steps {
		if runCtx.Err() != nil {
			runErr = errCancelled
			break
		}
		typ := step.EffectiveType()
		sink.Log(fmt.Sprintf("step %d/%d [%s] %s", i+1, total, typ, step.Action))

		start := time.Now()
		err := p.runStep(runCtx, tc, step)
		outcomes = append(outcomes, stepOutcome{step: step, typ: typ, err: err, elapsed: time.Since(start)})
		if err != nil {
			sink.Log(fmt.Sprintf("step %d failed: %v", i+1, err))
			runErr = err
			break
		}
		sink.Patch(&model.ExecutionPatch{Progress: model.IntPtr((i + 1) * 100 / total)})
	}

	reportName, werr := p.writeReport(tc, executionID, outcomes, runErr)
	if werr != nil {
		log.Printf("[engine.report.failed] execution_id=%s error=%v", executionID, werr)
		sink.Log(fmt.Sprintf("report write failed: %v", werr))
	}

	if runErr != nil {
		if reportName == "" {
			reportName = p.findReport(executionID)
		}
		return Failed(runErr.Error(), reportName)
	}
	return Result{Status: model.ExecutionStatusSuccess, ReportPath: reportName}
}

// runStep 执行单步，与超时和取消竞争，先结束者生效
func (p *Placeholder) runStep(ctx context.Context, tc *model.TestCase, step model.Step) error {
	stepCtx, cancel := context.WithTimeout(ctx, p.opts.StepTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("step panic: %v", r)
			}
		}()
		done <- p.opts.Step(stepCtx, tc, step)
	}()

	var err error
	select {
	case err = <-done:
	case <-stepCtx.Done():
	}
	if ctx.Err() != nil {
		return errCancelled
	}
	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("Step timeout (%s)", formatTimeout(p.opts.StepTimeout))
	}
	return err
}

func (p *Placeholder) simulateStep(ctx context.Context, tc *model.TestCase, step model.Step) error {
	if p.opts.StepDelay <= 0 {
		return nil
	}
	t := time.NewTimer(p.opts.StepDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type stepOutcome struct {
	step    model.Step
	typ     model.StepType
	err     error
	elapsed time.Duration
}

// writeReport 生成占位报告，返回报告文件名
func (p *Placeholder) writeReport(tc *model.TestCase, executionID string, outcomes []stepOutcome, runErr error) (string, error) {
	if err := os.MkdirAll(p.opts.ReportDir, 0o755); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\">")
	fmt.Fprintf(&b, "<title>%s</title></head><body>\n", html.EscapeString(tc.Name))
	fmt.Fprintf(&b, "<h1>%s</h1>\n<p>execution: %s · platform: %s · engine: %s</p>\n",
		html.EscapeString(tc.Name), html.EscapeString(executionID), tc.Platform, p.Name())
	b.WriteString("<ol>\n")
	for _, o := range outcomes {
		status := "passed"
		if o.err != nil {
			status = "failed: " + o.err.Error()
		}
		fmt.Fprintf(&b, "<li>[%s] %s <em>%s</em> (%s)</li>\n",
			o.typ, html.EscapeString(o.step.Action), html.EscapeString(status), o.elapsed.Round(time.Millisecond))
	}
	b.WriteString("</ol>\n")
	if runErr != nil {
		fmt.Fprintf(&b, "<p class=\"error\">%s</p>\n", html.EscapeString(runErr.Error()))
	}
	b.WriteString("</body></html>\n")

	name := executionID + ".html"
	if err := os.WriteFile(filepath.Join(p.opts.ReportDir, name), []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return name, nil
}

// findReport 失败时尽力定位报告：优先预期文件名，其次目录中最新的 .html
func (p *Placeholder) findReport(executionID string) string {
	expected := executionID + ".html"
	if _, err := os.Stat(filepath.Join(p.opts.ReportDir, expected)); err == nil {
		return expected
	}
	entries, err := os.ReadDir(p.opts.ReportDir)
	if err != nil {
		return ""
	}
	var newest string
	var newestAt time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".html") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestAt) {
			newest, newestAt = e.Name(), info.ModTime()
		}
	}
	return newest
}

func formatTimeout(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%dmin", int(d/time.Minute))
	}
	return d.String()
}
