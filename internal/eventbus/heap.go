package eventbus

// queued wraps an [Event] with its dispatch key. seq is the arrival order and
// breaks ties between equal priorities so dispatch is FIFO within a level.
type queued struct {
	event    Event
	priority int
	seq      uint64
}

// eventHeap implements [container/heap.Interface] as a max-heap on priority
// with ascending seq as the tie-break.
type eventHeap []queued

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(queued))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	q := old[n-1]
	old[n-1] = queued{}
	*h = old[:n-1]
	return q
}
