package store

import (
	"sync"
	"time"
)

// WriteOp is the kind of mutation held in the staging queue.
type WriteOp string

const (
	OpInsert WriteOp = "insert"
	OpUpdate WriteOp = "update"
	OpUpsert WriteOp = "upsert"
	OpDelete WriteOp = "delete"
)

// StagedWrite is a mutation that could not reach the backing store and waits
// for the reconciler to replay it. Row carries the full latest image, so
// replay is a plain upsert regardless of the original operation.
type StagedWrite struct {
	Table    string
	PKColumn string
	PK       string
	Op       WriteOp
	Row      Row
	StagedAt time.Time
	Attempts int
}

// stagingQueue holds staged writes in arrival order. Staging the same row
// again replaces the earlier entry in place, keeping one pending image per
// row while preserving overall ordering.
type stagingQueue struct {
	mu     sync.Mutex
	writes []*StagedWrite
	kick   chan struct{}
}

func newStagingQueue() *stagingQueue {
	return &stagingQueue{
		kick: make(chan struct{}, 1),
	}
}

func (q *stagingQueue) add(w *StagedWrite) {
	q.mu.Lock()
	replaced := false
	for i, existing := range q.writes {
		if existing.Table == w.Table && existing.PK == w.PK {
			q.writes[i] = w
			replaced = true
			break
		}
	}
	if !replaced {
		q.writes = append(q.writes, w)
	}
	q.mu.Unlock()

	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// drainable returns a snapshot of the pending writes in order.
func (q *stagingQueue) drainable() []*StagedWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*StagedWrite, len(q.writes))
	copy(out, q.writes)
	return out
}

// remove drops a write after a successful or permanently failed replay.
func (q *stagingQueue) remove(w *StagedWrite) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, existing := range q.writes {
		if existing == w {
			q.writes = append(q.writes[:i], q.writes[i+1:]...)
			return
		}
	}
}

func (q *stagingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.writes)
}
