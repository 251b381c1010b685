package process

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CleanupPolicy bounds how many terminal executions are retained. A zero field disables that limit.
type CleanupPolicy struct {
	MaxAge       time.Duration
	MaxCompleted int
	MaxTotal     int
	// Interval is how often RunCleanup applies the policy.
	Interval time.Duration
}

// Stats summarizes the registry contents.
type Stats struct {
	Total     int
	Prepared  int
	Running   int
	Completed int
	Aborted   int
	Error     int
	Policy    CleanupPolicy
}

// Registry indexes executions by id, in insertion order.
// Executions that are not terminal are never removed.
type Registry struct {
	mut     sync.RWMutex
	runs    map[string]*Execution
	order   []string
	onEvict []func(*Execution)
}

func NewRegistry() *Registry {
	return &Registry{runs: map[string]*Execution{}}
}

// OnEvict registers f to be called, outside the registry lock, for every execution removed by Remove or Cleanup.
func (r *Registry) OnEvict(f func(*Execution)) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.onEvict = append(r.onEvict, f)
}

func (r *Registry) Save(x *Execution) string {
	r.mut.Lock()
	defer r.mut.Unlock()
	if _, ok := r.runs[x.ID]; !ok {
		r.order = append(r.order, x.ID)
	}
	r.runs[x.ID] = x
	return x.ID
}

func (r *Registry) Get(id string) (*Execution, bool) {
	r.mut.RLock()
	defer r.mut.RUnlock()
	x, ok := r.runs[id]
	return x, ok
}

// List returns the executions in the order they were saved.
func (r *Registry) List() []*Execution {
	r.mut.RLock()
	defer r.mut.RUnlock()
	l := make([]*Execution, 0, len(r.order))
	for _, id := range r.order {
		l = append(l, r.runs[id])
	}
	return l
}

func (r *Registry) Len() int {
	r.mut.RLock()
	defer r.mut.RUnlock()
	return len(r.runs)
}

// Last returns the most recently started execution.
func (r *Registry) Last() (*Execution, bool) {
	r.mut.RLock()
	defer r.mut.RUnlock()
	var last *Execution
	for _, x := range r.runs {
		if last == nil || x.Seq > last.Seq {
			last = x
		}
	}
	return last, last != nil
}

// Remove deletes a terminal execution. It returns false if id is unknown or the execution is still live.
func (r *Registry) Remove(id string) bool {
	r.mut.Lock()
	x, ok := r.runs[id]
	if !ok || !x.Status().Terminal() {
		r.mut.Unlock()
		return false
	}
	r.deleteLocked(map[string]bool{id: true})
	hooks := r.onEvict
	r.mut.Unlock()

	for _, f := range hooks {
		f(x)
	}
	return true
}

func (r *Registry) deleteLocked(ids map[string]bool) {
	order := r.order[:0]
	for _, id := range r.order {
		if ids[id] {
			delete(r.runs, id)
			continue
		}
		order = append(order, id)
	}
	r.order = order
}

type candidate struct {
	x   *Execution
	ref time.Time
	pos int
}

// Cleanup applies p at time now and returns the number of executions removed.
// Terminal executions older than MaxAge go first, then the oldest terminal executions beyond MaxCompleted,
// then the oldest terminal executions while the total exceeds MaxTotal.
func (r *Registry) Cleanup(p CleanupPolicy, now time.Time) int {
	r.mut.Lock()
	var terminal []candidate
	for i, id := range r.order {
		x := r.runs[id]
		if x.Status().Terminal() {
			terminal = append(terminal, candidate{x: x, ref: x.referenceTime(), pos: i})
		}
	}
	sort.SliceStable(terminal, func(i, j int) bool {
		if terminal[i].ref.Equal(terminal[j].ref) {
			return terminal[i].pos < terminal[j].pos
		}
		return terminal[i].ref.Before(terminal[j].ref)
	})

	evict := map[string]bool{}
	var evicted []*Execution
	take := func(c candidate) {
		evict[c.x.ID] = true
		evicted = append(evicted, c.x)
	}

	// oldest first, so each pass evicts a prefix of what is left
	rest := terminal
	if p.MaxAge > 0 {
		cutoff := now.Add(-p.MaxAge)
		for len(rest) > 0 && rest[0].ref.Before(cutoff) {
			take(rest[0])
			rest = rest[1:]
		}
	}
	if p.MaxCompleted > 0 {
		for len(rest) > p.MaxCompleted {
			take(rest[0])
			rest = rest[1:]
		}
	}
	if p.MaxTotal > 0 {
		total := len(r.runs) - len(evicted)
		for total > p.MaxTotal && len(rest) > 0 {
			take(rest[0])
			rest = rest[1:]
			total--
		}
	}

	if len(evicted) > 0 {
		r.deleteLocked(evict)
	}
	hooks := r.onEvict
	r.mut.Unlock()

	for _, x := range evicted {
		for _, f := range hooks {
			f(x)
		}
	}
	return len(evicted)
}

func (r *Registry) Stats(p CleanupPolicy) Stats {
	r.mut.RLock()
	defer r.mut.RUnlock()
	s := Stats{Total: len(r.runs), Policy: p}
	for _, x := range r.runs {
		switch x.Status() {
		case StatusPrepared:
			s.Prepared++
		case StatusRunning:
			s.Running++
		case StatusCompleted:
			s.Completed++
		case StatusAborted:
			s.Aborted++
		case StatusError:
			s.Error++
		}
	}
	return s
}

// RunCleanup applies p every p.Interval until ctx is done. It returns immediately if the interval is not positive.
func (r *Registry) RunCleanup(ctx context.Context, p CleanupPolicy, log *zap.SugaredLogger) {
	if p.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.Cleanup(p, now); n > 0 {
				log.Debugw("cleaned up executions", "Removed", n, "Remaining", r.Len())
			}
		}
	}
}
