package scheduler

import "github.com/JakeFAU/render-cache/internal/render"

// history is a fixed-size ring of finished jobs with an ID index.
type history struct {
	jobs  []render.Job
	next  int
	full  bool
	index map[string]int
}

func newHistory(size int) *history {
	return &history{
		jobs:  make([]render.Job, size),
		index: make(map[string]int, size),
	}
}

func (h *history) add(job render.Job) {
	if len(h.jobs) == 0 {
		return
	}
	if h.full {
		delete(h.index, h.jobs[h.next].ID)
	}
	h.jobs[h.next] = job
	h.index[job.ID] = h.next
	h.next++
	if h.next == len(h.jobs) {
		h.next = 0
		h.full = true
	}
}

func (h *history) get(id string) (render.Job, bool) {
	i, ok := h.index[id]
	if !ok {
		return render.Job{}, false
	}
	return h.jobs[i], true
}

// recent returns up to limit jobs, newest first. limit <= 0 returns all.
func (h *history) recent(limit int) []render.Job {
	n := h.next
	if h.full {
		n = len(h.jobs)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]render.Job, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (h.next - 1 - i + len(h.jobs)) % len(h.jobs)
		out = append(out, h.jobs[idx])
	}
	return out
}
