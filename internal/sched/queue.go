// Package sched orders reclamation work by size and drives the unlink
// workers. Largest inodes go first so the free-space estimate drops as fast
// as possible; ties break on the inode identity for determinism.
package sched

import "github.com/cehteh/rmrfd/internal/inventory"

type item struct {
	key    inventory.Key
	blocks int64
	// retries left after transient reclaim failures.
	retries int
}

// queue is a max-heap over allocated blocks implementing heap.Interface.
type queue []item

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].blocks != q[j].blocks {
		return q[i].blocks > q[j].blocks
	}
	return q[i].key.Less(q[j].key)
}

func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *queue) Push(x any) { *q = append(*q, x.(item)) }

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}
