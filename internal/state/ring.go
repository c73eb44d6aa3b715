package state

import "github.com/voxd/voxd/internal/events"

// chatRing is a fixed-capacity ring of chat messages, oldest evicted
// first. It is owned by the aggregator loop and needs no locking.
type chatRing struct {
	msgs  []events.ChatMessage
	size  int
	head  int
	count int
}

func newChatRing(size int) *chatRing {
	return &chatRing{
		msgs: make([]events.ChatMessage, size),
		size: size,
	}
}

func (r *chatRing) append(msg events.ChatMessage) {
	idx := (r.head + r.count) % r.size
	if r.count < r.size {
		r.count++
	} else {
		r.head = (r.head + 1) % r.size
	}
	r.msgs[idx] = msg
}

// all returns the messages oldest first.
func (r *chatRing) all() []events.ChatMessage {
	result := make([]events.ChatMessage, r.count)
	for i := 0; i < r.count; i++ {
		result[i] = r.msgs[(r.head+i)%r.size]
	}
	return result
}

func (r *chatRing) clear() {
	r.head = 0
	r.count = 0
}

func (r *chatRing) len() int {
	return r.count
}

// timelineRing is a fixed-capacity ring of request timeline entries,
// oldest evicted first. Owned by the aggregator loop; pointers returned
// by find, newest, and findStep are valid only until the next push.
type timelineRing struct {
	entries []TimelineEntry
	size    int
	head    int
	count   int
	seq     uint64
}

func newTimelineRing(size int) *timelineRing {
	return &timelineRing{
		entries: make([]TimelineEntry, size),
		size:    size,
	}
}

// push assigns the next ordinal id and stores the entry.
func (r *timelineRing) push(e TimelineEntry) {
	r.seq++
	e.ID = r.seq
	idx := (r.head + r.count) % r.size
	if r.count < r.size {
		r.count++
	} else {
		r.head = (r.head + 1) % r.size
	}
	r.entries[idx] = e
}

// find returns the entry for a request id, scanning newest first.
func (r *timelineRing) find(requestID string) *TimelineEntry {
	for i := 0; i < r.count; i++ {
		e := &r.entries[(r.head+r.count-1-i)%r.size]
		if e.RequestID == requestID {
			return e
		}
	}
	return nil
}

// newest returns the most recent entry, or nil when empty.
func (r *timelineRing) newest() *TimelineEntry {
	if r.count == 0 {
		return nil
	}
	return &r.entries[(r.head+r.count-1)%r.size]
}

// findStep returns the step tagged with the given permission request id,
// scanning newest entries first.
func (r *timelineRing) findStep(permissionID string) *TimelineStep {
	for i := 0; i < r.count; i++ {
		e := &r.entries[(r.head+r.count-1-i)%r.size]
		for j := range e.Steps {
			if e.Steps[j].PermissionRequestID == permissionID {
				return &e.Steps[j]
			}
		}
	}
	return nil
}

// all returns deep copies of the entries newest first.
func (r *timelineRing) all() []TimelineEntry {
	result := make([]TimelineEntry, r.count)
	for i := 0; i < r.count; i++ {
		e := r.entries[(r.head+r.count-1-i)%r.size]
		e.Steps = append([]TimelineStep(nil), e.Steps...)
		result[i] = e
	}
	return result
}
