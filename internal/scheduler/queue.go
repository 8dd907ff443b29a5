package scheduler

import "github.com/basket/go-fleet/internal/tasks"

// Queue holds pending tasks in dequeue order: ascending priority number, then
// creation time. It is not safe for concurrent use; the Scheduler guards it.
type Queue struct {
	items []*tasks.Task
}

// Push inserts t by scanning from the front for the first task that should
// run after it. Equal priorities keep arrival order.
func (q *Queue) Push(t *tasks.Task) {
	i := 0
	for ; i < len(q.items); i++ {
		cur := q.items[i]
		if cur.Priority > t.Priority {
			break
		}
		if cur.Priority == t.Priority && cur.CreatedAt.After(t.CreatedAt) {
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = t
}

// Pop removes and returns the head, or nil when empty.
func (q *Queue) Pop() *tasks.Task {
	return q.PopFirst(func(*tasks.Task) bool { return true })
}

// PopFirst removes and returns the first task for which ready returns true.
// Tasks ahead of it keep their positions.
func (q *Queue) PopFirst(ready func(*tasks.Task) bool) *tasks.Task {
	for i, t := range q.items {
		if ready(t) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return t
		}
	}
	return nil
}

// Remove drops the task with the given id. It reports whether it was queued.
func (q *Queue) Remove(id string) bool {
	for i, t := range q.items {
		if t.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) Len() int { return len(q.items) }

// IDs returns the queued task ids in dequeue order.
func (q *Queue) IDs() []string {
	out := make([]string, len(q.items))
	for i, t := range q.items {
		out[i] = t.ID
	}
	return out
}
