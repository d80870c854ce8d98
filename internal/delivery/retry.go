package delivery

import (
	"container/heap"
	"time"

	"github.com/whatsapp-automation/worker/internal/model"
)

// delayed is a task waiting for its retry delay to pass.
type delayed struct {
	task    model.MessageTask
	readyAt time.Time
	seq     uint64
}

// retryHeap orders delayed tasks by ready-at, then by insertion.
type retryHeap []delayed

func (h retryHeap) Len() int { return len(h) }
func (h retryHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}
func (h retryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *retryHeap) Push(x any)   { *h = append(*h, x.(delayed)) }
func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// retryQueue is the delayed-requeue abstraction: tasks go in with a ready-at
// time and come out, earliest first, once the clock passes it.
type retryQueue struct {
	h   retryHeap
	seq uint64
}

func (r *retryQueue) push(task model.MessageTask, readyAt time.Time) {
	r.seq++
	heap.Push(&r.h, delayed{task: task, readyAt: readyAt, seq: r.seq})
}

// due pops every task ready at now, earliest first.
func (r *retryQueue) due(now time.Time) []model.MessageTask {
	var out []model.MessageTask
	for r.h.Len() > 0 && !r.h[0].readyAt.After(now) {
		out = append(out, heap.Pop(&r.h).(delayed).task)
	}
	return out
}

// next reports the earliest ready-at, if any.
func (r *retryQueue) next() (time.Time, bool) {
	if r.h.Len() == 0 {
		return time.Time{}, false
	}
	return r.h[0].readyAt, true
}

// remove drops every task matching fn and returns them.
func (r *retryQueue) remove(fn func(model.MessageTask) bool) []model.MessageTask {
	kept := r.h[:0]
	var removed []model.MessageTask
	for _, d := range r.h {
		if fn(d.task) {
			removed = append(removed, d.task)
			continue
		}
		kept = append(kept, d)
	}
	r.h = kept
	heap.Init(&r.h)
	return removed
}

func (r *retryQueue) len() int { return r.h.Len() }
