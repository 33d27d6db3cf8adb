package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gauge struct {
	mu sync.Mutex
	n  int
}

func (g *gauge) SetEscalationPending(n int) {
	g.mu.Lock()
	g.n = n
	g.mu.Unlock()
}

func (g *gauge) get() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

func TestDueReturnsDeadlineOrder(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g := &gauge{}
	e := NewEngine(WithObserver(g))

	e.Schedule("c", base.Add(3*time.Minute))
	e.Schedule("a", base.Add(1*time.Minute))
	e.Schedule("b", base.Add(2*time.Minute))
	e.Schedule("tie", base.Add(2*time.Minute))
	assert.Equal(t, 4, e.Pending())
	assert.Equal(t, 4, g.get())

	assert.Empty(t, e.Due(base))
	assert.Equal(t, []string{"a", "b", "tie"}, e.Due(base.Add(2*time.Minute)))
	assert.Equal(t, 1, e.Pending())
	assert.Equal(t, 1, g.get())
	assert.Equal(t, []string{"c"}, e.Due(base.Add(time.Hour)))
	assert.Zero(t, e.Pending())
}

func TestCancelledDeadlinesNeverFire(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine()
	e.Schedule("a", base.Add(time.Minute))
	e.Schedule("b", base.Add(2*time.Minute))
	e.Cancel("a")
	e.Cancel("unknown")

	assert.Equal(t, []string{"b"}, e.Due(base.Add(time.Hour)))
}

func TestScheduleMovesExistingDeadline(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine()
	e.Schedule("a", base.Add(time.Minute))
	e.Schedule("b", base.Add(2*time.Minute))
	e.Schedule("a", base.Add(3*time.Minute))

	assert.Equal(t, 2, e.Pending())
	assert.Equal(t, []string{"b", "a"}, e.Due(base.Add(time.Hour)))
}

func TestReplaceResetsPendingSet(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine()
	e.Schedule("stale", base)
	e.Replace(map[string]time.Time{
		"x": base.Add(2 * time.Minute),
		"y": base.Add(time.Minute),
	}, e.Mark())

	assert.Equal(t, 2, e.Pending())
	assert.Equal(t, []string{"y", "x"}, e.Due(base.Add(time.Hour)))

	// Replace 之后 Cancel 仍能定位
	e.Replace(map[string]time.Time{"x": base, "y": base.Add(time.Minute)}, e.Mark())
	e.Cancel("x")
	assert.Equal(t, []string{"y"}, e.Due(base.Add(time.Hour)))
}

func TestReplaceKeepsChangesMadeAfterMark(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine()
	e.Schedule("old", base)
	e.Schedule("cancelled", base.Add(time.Minute))
	e.Schedule("moved", base.Add(2*time.Minute))
	e.Schedule("fired", base.Add(-time.Minute))

	since := e.Mark()
	// 快照加载期间的并发变更
	e.Schedule("created", base.Add(3*time.Minute))
	e.Cancel("cancelled")
	e.Schedule("moved", base.Add(4*time.Minute))
	require.Equal(t, []string{"fired"}, e.Due(base.Add(-time.Second)))

	e.Replace(map[string]time.Time{
		"old":       base.Add(time.Second),
		"cancelled": base.Add(time.Minute),
		"moved":     base.Add(2 * time.Minute),
		"fired":     base.Add(-time.Minute),
	}, since)

	assert.Equal(t, 3, e.Pending())
	assert.Equal(t, []string{"old", "created", "moved"}, e.Due(base.Add(time.Hour)))

	// 旧标记之后的下一轮对账照常生效
	e.Schedule("created", base)
	e.Replace(map[string]time.Time{}, e.Mark())
	assert.Zero(t, e.Pending())
}

func TestRunFiresInOrder(t *testing.T) {
	e := NewEngine()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan string, 8)
	done := make(chan struct{})
	go func() {
		e.Run(ctx, func(_ context.Context, id string) { fired <- id })
		close(done)
	}()

	now := time.Now()
	e.Schedule("overdue", now.Add(-time.Second))
	e.Schedule("second", now.Add(80*time.Millisecond))
	e.Schedule("first", now.Add(40*time.Millisecond))
	e.Schedule("cancelled", now.Add(60*time.Millisecond))
	e.Cancel("cancelled")

	var got []string
	for len(got) < 3 {
		select {
		case id := <-fired:
			got = append(got, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("only fired %v", got)
		}
	}
	assert.Equal(t, []string{"overdue", "first", "second"}, got)

	select {
	case id := <-fired:
		t.Fatalf("unexpected fire %s", id)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunSurvivesPanickingFire(t *testing.T) {
	e := NewEngine()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan string, 4)
	go e.Run(ctx, func(_ context.Context, id string) {
		if id == "boom" {
			panic("boom")
		}
		fired <- id
	})

	e.Schedule("boom", time.Now())
	e.Schedule("ok", time.Now().Add(20*time.Millisecond))

	select {
	case id := <-fired:
		require.Equal(t, "ok", id)
	case <-time.After(2 * time.Second):
		t.Fatal("engine stopped after panic")
	}
}
