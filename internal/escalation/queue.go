package escalation

import (
	"container/heap"
	"time"
)

type deadline struct {
	alertID string
	at      time.Time
	seq     uint64 // 同一时刻按入队顺序
	index   int
}

// deadlineHeap 按截止时间排序的最小堆
type deadlineHeap []*deadline

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	d := x.(*deadline)
	d.index = len(*h)
	*h = append(*h, d)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	d.index = -1
	*h = old[:n-1]
	return d
}

func (h deadlineHeap) peek() *deadline {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

var _ heap.Interface = (*deadlineHeap)(nil)
