package scheduler

import "container/heap"

const notQueued = -1

type queueKind int

const (
	inNone queueKind = iota
	inReady
	inDelayed
)

// readyQueue orders by (priority, scheduledAt, seq).
type readyQueue []*entry

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	if !a.job.ScheduledAt.Equal(b.job.ScheduledAt) {
		return a.job.ScheduledAt.Before(b.job.ScheduledAt)
	}
	return a.seq < b.seq
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	e.queue = inReady
	*q = append(*q, e)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = notQueued
	e.queue = inNone
	*q = old[:n-1]
	return e
}

// delayQueue orders by (scheduledAt, seq).
type delayQueue []*entry

func (q delayQueue) Len() int { return len(q) }

func (q delayQueue) Less(i, j int) bool {
	if !q[i].job.ScheduledAt.Equal(q[j].job.ScheduledAt) {
		return q[i].job.ScheduledAt.Before(q[j].job.ScheduledAt)
	}
	return q[i].seq < q[j].seq
}

func (q delayQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *delayQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	e.queue = inDelayed
	*q = append(*q, e)
}

func (q *delayQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = notQueued
	e.queue = inNone
	*q = old[:n-1]
	return e
}

// removeQueued takes e out of whichever heap holds it.
func (s *Scheduler) removeQueued(e *entry) bool {
	switch e.queue {
	case inReady:
		heap.Remove(&s.ready, e.index)
		return true
	case inDelayed:
		heap.Remove(&s.delayed, e.index)
		return true
	default:
		return false
	}
}
