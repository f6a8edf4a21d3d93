package dispatcher

import (
	"github.com/seantiz/jobsupervisor/internal/future"
	"github.com/seantiz/jobsupervisor/internal/model"
)

// pending is a request waiting for, or holding, an execution slot.
type pending struct {
	req    model.Request
	result *future.Future[model.Reply]
}

// userQueue holds one user's requests for one resource class in arrival
// order. busy is set while one of them is in flight.
type userQueue struct {
	uid      string
	requests []*pending
	busy     bool
}

// classQueue is the admission unit for one resource class. Users sit in a
// ring in order of first arrival; next is where the following admission
// scan starts, so users are served round-robin. index finds a user's
// entry without scanning.
type classQueue struct {
	class    string
	limit    int
	users    []*userQueue
	index    map[string]*userQueue
	next     int
	inFlight int
}

func newClassQueue(class string, limit int) *classQueue {
	return &classQueue{
		class: class,
		limit: limit,
		index: make(map[string]*userQueue),
	}
}

// push appends p to its user's entry, creating the entry if needed.
func (q *classQueue) push(p *pending) {
	u, ok := q.index[p.req.UID]
	if !ok {
		u = &userQueue{uid: p.req.UID}
		q.index[u.uid] = u
		q.users = append(q.users, u)
	}
	u.requests = append(u.requests, p)
}

// admit takes the next request eligible to run, or nil. A request is
// eligible when the class has a free slot and its user has nothing in
// flight in this class.
func (q *classQueue) admit() *pending {
	if q.limit > 0 && q.inFlight >= q.limit {
		return nil
	}

	n := len(q.users)
	for i := 0; i < n; i++ {
		idx := (q.next + i) % n
		u := q.users[idx]
		if u.busy || len(u.requests) == 0 {
			continue
		}

		p := u.requests[0]
		u.requests[0] = nil
		u.requests = u.requests[1:]
		u.busy = true
		q.inFlight++
		q.next = (idx + 1) % n
		return p
	}
	return nil
}

// release frees uid's slot and drops the user's entry once it is empty.
func (q *classQueue) release(uid string) {
	u, ok := q.index[uid]
	if !ok {
		return
	}
	u.busy = false
	q.inFlight--

	if len(u.requests) > 0 {
		return
	}
	delete(q.index, uid)
	for i, cand := range q.users {
		if cand != u {
			continue
		}
		q.users = append(q.users[:i], q.users[i+1:]...)
		if i < q.next {
			q.next--
		}
		break
	}
	if q.next >= len(q.users) {
		q.next = 0
	}
}

// queued returns the number of requests waiting for a slot.
func (q *classQueue) queued() int {
	n := 0
	for _, u := range q.users {
		n += len(u.requests)
	}
	return n
}

// drain removes and returns every queued request. In-flight requests keep
// their slots until released.
func (q *classQueue) drain() []*pending {
	var out []*pending
	kept := q.users[:0]
	for _, u := range q.users {
		out = append(out, u.requests...)
		u.requests = nil
		if u.busy {
			kept = append(kept, u)
		} else {
			delete(q.index, u.uid)
		}
	}
	clear(q.users[len(kept):])
	q.users = kept
	q.next = 0
	return out
}
