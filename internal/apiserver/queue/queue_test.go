package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gate 可控的作业执行器：作业开始后阻塞，直到测试释放
type gate struct {
	mu      sync.Mutex
	started []string
	release map[string]chan struct{}
	current int32
	peak    int32
}

func newGate() *gate {
	return &gate{release: make(map[string]chan struct{})}
}

func (g *gate) ch(id string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.release[id]
	if !ok {
		c = make(chan struct{})
		g.release[id] = c
	}
	return c
}

func (g *gate) run(job Job) {
	n := atomic.AddInt32(&g.current, 1)
	for {
		p := atomic.LoadInt32(&g.peak)
		if n <= p || atomic.CompareAndSwapInt32(&g.peak, p, n) {
			break
		}
	}
	g.mu.Lock()
	g.started = append(g.started, job.ExecutionID)
	g.mu.Unlock()

	<-g.ch(job.ExecutionID)
	atomic.AddInt32(&g.current, -1)
}

func (g *gate) startedIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.started...)
}

func (g *gate) finish(id string) {
	close(g.ch(id))
}

func waitStarted(t *testing.T, g *gate, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(g.startedIDs()) >= n }, 2*time.Second, 5*time.Millisecond)
}

func TestQueue_ConcurrencyBoundAndFIFO(t *testing.T) {
	g := newGate()
	q := New(2, g.run)

	for i := 0; i < 5; i++ {
		q.Enqueue(Job{ExecutionID: fmt.Sprintf("e%d", i), CaseID: "c"})
	}

	waitStarted(t, g, 2)
	assert.Equal(t, []string{"e0", "e1"}, g.startedIDs())
	assert.Equal(t, 2, q.Running())
	assert.Equal(t, []string{"e2", "e3", "e4"}, q.Snapshot())

	g.finish("e1")
	waitStarted(t, g, 3)
	assert.Equal(t, "e2", g.startedIDs()[2])

	g.finish("e0")
	g.finish("e2")
	waitStarted(t, g, 5)
	g.finish("e3")
	g.finish("e4")
	q.Wait()

	assert.Equal(t, []string{"e0", "e1", "e2", "e3", "e4"}, g.startedIDs())
	assert.LessOrEqual(t, atomic.LoadInt32(&g.peak), int32(2))
	assert.Equal(t, 0, q.Running())
	assert.Equal(t, 0, q.Len())
}

func TestQueue_RemoveQueued(t *testing.T) {
	g := newGate()
	q := New(1, g.run)

	q.Enqueue(Job{ExecutionID: "a"})
	q.Enqueue(Job{ExecutionID: "b"})
	q.Enqueue(Job{ExecutionID: "c"})
	waitStarted(t, g, 1)

	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"运行中的作业不可移除", "a", false},
		{"排队中的作业可以移除", "b", true},
		{"重复移除返回 false", "b", false},
		{"不存在的作业", "zzz", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, q.RemoveQueued(tt.id))
		})
	}

	g.finish("a")
	waitStarted(t, g, 2)
	g.finish("c")
	q.Wait()

	assert.Equal(t, []string{"a", "c"}, g.startedIDs())
}

func TestQueue_PanicReleasesSlot(t *testing.T) {
	var ran []string
	var mu sync.Mutex
	q := New(1, func(job Job) {
		mu.Lock()
		ran = append(ran, job.ExecutionID)
		mu.Unlock()
		if job.ExecutionID == "boom" {
			panic("engine exploded")
		}
	})

	q.Enqueue(Job{ExecutionID: "boom"})
	q.Enqueue(Job{ExecutionID: "next"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 2
	}, 2*time.Second, 5*time.Millisecond)
	q.Wait()
	assert.Equal(t, 0, q.Running())
}

func TestQueue_MinimumConcurrency(t *testing.T) {
	q := New(0, func(Job) {})
	assert.Equal(t, 1, q.MaxConcurrency())
}

func TestQueue_Observer(t *testing.T) {
	g := newGate()
	q := New(1, g.run)

	var mu sync.Mutex
	var last [2]int
	q.SetObserver(func(queued, running int) {
		mu.Lock()
		last = [2]int{queued, running}
		mu.Unlock()
	})

	q.Enqueue(Job{ExecutionID: "x"})
	q.Enqueue(Job{ExecutionID: "y"})
	mu.Lock()
	assert.Equal(t, [2]int{1, 1}, last)
	mu.Unlock()

	waitStarted(t, g, 1)
	g.finish("x")
	waitStarted(t, g, 2)
	g.finish("y")
	q.Wait()

	mu.Lock()
	assert.Equal(t, [2]int{0, 0}, last)
	mu.Unlock()
}

func TestQueue_AdmitHookBeforeRun(t *testing.T) {
	g := newGate()
	q := New(1, nil)

	var mu sync.Mutex
	admitted := map[string]bool{}
	var order []string
	q.SetAdmitHook(func(job Job) {
		mu.Lock()
		defer mu.Unlock()
		admitted[job.ExecutionID] = true
		order = append(order, job.ExecutionID)
	})
	q.run = func(job Job) {
		mu.Lock()
		ok := admitted[job.ExecutionID]
		mu.Unlock()
		assert.True(t, ok, "job %s ran before being admitted", job.ExecutionID)
		g.run(job)
	}

	q.Enqueue(Job{ExecutionID: "e0"})
	q.Enqueue(Job{ExecutionID: "e1"})
	q.Enqueue(Job{ExecutionID: "e2"})
	assert.True(t, q.RemoveQueued("e1"))

	waitStarted(t, g, 1)
	g.finish("e0")
	waitStarted(t, g, 2)
	g.finish("e2")
	q.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"e0", "e2"}, order, "removed jobs are never admitted")
}
