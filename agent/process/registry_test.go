package process

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func running(id string, seq uint64, start time.Time) *Execution {
	x := newExecution(id, seq, []string{"sleep", "30"}, 0, start)
	x.setRunning(1)
	return x
}

func finished(id string, seq uint64, end time.Time) *Execution {
	x := newExecution(id, seq, []string{"true"}, 0, end.Add(-time.Minute))
	x.setRunning(1)
	x.finish(StatusCompleted, 0, 0, "", end)
	return x
}

func ids(l []*Execution) []string {
	var out []string
	for _, x := range l {
		out = append(out, x.ID)
	}
	return out
}

func TestRegistrySaveGetList(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Last()
	assert.False(t, ok)

	for i, id := range []string{"c", "a", "b"} {
		assert.Equal(t, id, r.Save(finished(id, uint64(i+1), epoch)))
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids(r.List()))
	assert.Equal(t, 3, r.Len())

	x, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, uint64(2), x.Seq)

	_, ok = r.Get("missing")
	assert.False(t, ok)

	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, "b", last.ID)
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	var evicted []string
	r.OnEvict(func(x *Execution) { evicted = append(evicted, x.ID) })

	r.Save(running("live", 1, epoch))
	r.Save(newExecution("prepared", 2, []string{"true"}, 0, epoch))
	r.Save(finished("done", 3, epoch))

	assert.False(t, r.Remove("live"))
	assert.False(t, r.Remove("prepared"))
	assert.False(t, r.Remove("missing"))
	_, ok := r.Get("live")
	assert.True(t, ok)

	assert.True(t, r.Remove("done"))
	assert.False(t, r.Remove("done"))
	assert.Equal(t, []string{"live", "prepared"}, ids(r.List()))
	assert.Equal(t, []string{"done"}, evicted)
}

func TestRegistryCleanup(t *testing.T) {
	cases := []struct {
		name      string
		policy    CleanupPolicy
		running   int
		completed int
		removed   int
		remaining []string
	}{
		{
			name:      "no limits",
			running:   1,
			completed: 3,
			remaining: []string{"run-0", "done-0", "done-1", "done-2"},
		},
		{
			name:      "max age",
			policy:    CleanupPolicy{MaxAge: 90 * time.Minute},
			running:   1,
			completed: 4,
			removed:   2,
			remaining: []string{"run-0", "done-2", "done-3"},
		},
		{
			name:      "max completed",
			policy:    CleanupPolicy{MaxCompleted: 2},
			running:   2,
			completed: 5,
			removed:   3,
			remaining: []string{"run-0", "run-1", "done-3", "done-4"},
		},
		{
			name:      "max total",
			policy:    CleanupPolicy{MaxTotal: 3},
			running:   2,
			completed: 3,
			removed:   2,
			remaining: []string{"run-0", "run-1", "done-2"},
		},
		{
			name:      "max total never evicts running",
			policy:    CleanupPolicy{MaxTotal: 2},
			running:   4,
			completed: 1,
			removed:   1,
			remaining: []string{"run-0", "run-1", "run-2", "run-3"},
		},
		{
			name:      "combined",
			policy:    CleanupPolicy{MaxAge: 150 * time.Minute, MaxCompleted: 3, MaxTotal: 3},
			running:   1,
			completed: 6,
			removed:   4,
			remaining: []string{"run-0", "done-4", "done-5"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := NewRegistry()
			evicted := 0
			r.OnEvict(func(*Execution) { evicted++ })

			seq := uint64(0)
			for i := 0; i < c.running; i++ {
				seq++
				// running entries are older than anything else
				r.Save(running(fmt.Sprintf("run-%d", i), seq, epoch.Add(-24*time.Hour)))
			}
			// done-i ended (completed-i) hours before epoch, so done-0 is the oldest
			for i := 0; i < c.completed; i++ {
				seq++
				r.Save(finished(fmt.Sprintf("done-%d", i), seq, epoch.Add(-time.Duration(c.completed-1-i)*time.Hour)))
			}

			removed := r.Cleanup(c.policy, epoch)
			assert.Equal(t, c.removed, removed)
			assert.Equal(t, c.removed, evicted)
			assert.Equal(t, c.remaining, ids(r.List()))
		})
	}
}

func TestRegistryCleanupUsesStartTimeWithoutEndTime(t *testing.T) {
	r := NewRegistry()
	x := newExecution("failed", 1, []string{"nope"}, 0, epoch.Add(-2*time.Hour))
	x.finish(StatusError, 127, 0, "not found", time.Time{})
	r.Save(x)

	assert.Equal(t, 1, r.Cleanup(CleanupPolicy{MaxAge: time.Hour}, epoch))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryStats(t *testing.T) {
	r := NewRegistry()
	r.Save(newExecution("p", 1, []string{"true"}, 0, epoch))
	r.Save(running("r", 2, epoch))
	r.Save(finished("c", 3, epoch))

	aborted := running("a", 4, epoch)
	aborted.killed = true
	aborted.finish(StatusCompleted, 143, 15, "", epoch)
	r.Save(aborted)

	failed := newExecution("e", 5, []string{"nope"}, 0, epoch)
	failed.finish(StatusError, 127, 0, "not found", epoch)
	r.Save(failed)

	policy := CleanupPolicy{MaxTotal: 10}
	assert.Equal(t, Stats{
		Total:     5,
		Prepared:  1,
		Running:   1,
		Completed: 1,
		Aborted:   1,
		Error:     1,
		Policy:    policy,
	}, r.Stats(policy))
}

func TestRegistryRunCleanup(t *testing.T) {
	r := NewRegistry()
	r.Save(running("live", 1, time.Now().Add(-time.Hour)))
	r.Save(finished("old", 2, time.Now().Add(-time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.RunCleanup(ctx, CleanupPolicy{MaxAge: time.Minute, Interval: 10 * time.Millisecond}, zap.NewNop().Sugar())
		close(done)
	}()

	require.Eventually(t, func() bool { return r.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	_, ok := r.Get("live")
	assert.True(t, ok)

	cancel()
	<-done
}
