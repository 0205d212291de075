package queue

import "time"

// messageHeap is a container/heap.Interface over pending messages, ordered
// by the (priorityWeight, enqueueTimestamp) composite score so CRITICAL
// messages always surface first regardless of age.
type messageHeap []*Message

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	return scoreOf(h[i]).less(scoreOf(h[j]))
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) {
	*h = append(*h, x.(*Message))
}

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// retryItem pairs a message with the time it becomes eligible for
// redelivery.
type retryItem struct {
	msg   *Message
	dueAt time.Time
}

// retryHeap is a container/heap.Interface over scheduled retries, ordered
// by due time so the earliest-due entry is always at the root.
type retryHeap []*retryItem

func (h retryHeap) Len() int { return len(h) }

func (h retryHeap) Less(i, j int) bool { return h[i].dueAt.Before(h[j].dueAt) }

func (h retryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *retryHeap) Push(x any) {
	*h = append(*h, x.(*retryItem))
}

func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
