package scheduler

import (
	"cmp"
	"slices"
	"time"
)

// pending is a queued job as the dispatcher sees it.
type pending struct {
	id        string
	seq       uint64
	modelID   string
	notBefore time.Time
}

// pendingQueue keeps queued jobs sorted by submission sequence. A job that
// was pushed back for capacity keeps its original position. Callers
// synchronize access.
type pendingQueue struct {
	items []pending
	index map[string]struct{}
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{index: make(map[string]struct{})}
}

func (q *pendingQueue) Len() int { return len(q.items) }

func (q *pendingQueue) push(p pending) {
	if _, ok := q.index[p.id]; ok {
		return
	}
	i, _ := slices.BinarySearchFunc(q.items, p.seq, func(e pending, seq uint64) int { return cmp.Compare(e.seq, seq) })
	q.items = slices.Insert(q.items, i, p)
	q.index[p.id] = struct{}{}
}

func (q *pendingQueue) remove(id string) bool {
	if _, ok := q.index[id]; !ok {
		return false
	}
	delete(q.index, id)
	q.items = slices.DeleteFunc(q.items, func(e pending) bool { return e.id == id })
	return true
}

// take removes and returns the earliest job that is past its backoff and
// whose model has a free slot. When nothing is ready, wait is the time until
// the earliest backoff among jobs that could otherwise run, or zero if there
// is none.
func (q *pendingQueue) take(now time.Time, free func(modelID string) bool) (p pending, wait time.Duration, ok bool) {
	for i, e := range q.items {
		if !free(e.modelID) {
			continue
		}
		if e.notBefore.After(now) {
			if d := e.notBefore.Sub(now); wait == 0 || d < wait {
				wait = d
			}
			continue
		}
		q.items = slices.Delete(q.items, i, i+1)
		delete(q.index, e.id)
		return e, 0, true
	}
	return pending{}, wait, false
}

func (q *pendingQueue) ids() []string {
	out := make([]string, len(q.items))
	for i, e := range q.items {
		out[i] = e.id
	}
	return out
}
