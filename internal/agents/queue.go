package agents

import "sync"

// cwdQueue serialises agents sharing a working directory: one runner per cwd,
// FIFO for the rest. Re-entry for an agent already running or queued is a
// no-op.
type cwdQueue struct {
	mu      sync.Mutex
	running map[string]string   // cwd → agentId
	waiting map[string][]string // cwd → FIFO of agentIds
}

func newCwdQueue() *cwdQueue {
	return &cwdQueue{
		running: make(map[string]string),
		waiting: make(map[string][]string),
	}
}

// acquire claims the cwd for agentID. Returns true when the agent may run
// now; false when it was queued behind the current runner (or was already
// present, in which case nothing changes).
func (q *cwdQueue) acquire(cwd, agentID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, busy := q.running[cwd]
	if !busy {
		q.running[cwd] = agentID
		return true
	}
	if current == agentID {
		return false
	}
	for _, queued := range q.waiting[cwd] {
		if queued == agentID {
			return false
		}
	}
	q.waiting[cwd] = append(q.waiting[cwd], agentID)
	return false
}

// release frees the cwd and promotes the next queued agent, returning its id.
func (q *cwdQueue) release(cwd, agentID string) (next string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running[cwd] != agentID {
		return "", false
	}
	delete(q.running, cwd)

	queue := q.waiting[cwd]
	if len(queue) == 0 {
		delete(q.waiting, cwd)
		return "", false
	}
	next = queue[0]
	if len(queue) == 1 {
		delete(q.waiting, cwd)
	} else {
		q.waiting[cwd] = queue[1:]
	}
	q.running[cwd] = next
	return next, true
}

// runningIn reports the agent currently holding the cwd, if any.
func (q *cwdQueue) runningIn(cwd string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.running[cwd]
	return id, ok
}
