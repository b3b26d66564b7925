package engine

import "sync"

// RecvQueueDepth bounds the application datagram receive queue. Exceeding
// it drops the oldest entries and counts the drops instead of failing
// silently or growing without bound.
const RecvQueueDepth = 4096

// recvQueue is a bounded FIFO of received application datagrams.
type recvQueue struct {
	mu      sync.Mutex
	entries [][]byte
	dropped uint64
}

func newRecvQueue() *recvQueue {
	return &recvQueue{}
}

func (q *recvQueue) push(p []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= RecvQueueDepth {
		over := len(q.entries) - RecvQueueDepth + 1
		for i := 0; i < over; i++ {
			q.entries[i] = nil
		}
		q.entries = q.entries[over:]
		q.dropped += uint64(over)
	}
	q.entries = append(q.entries, p)
}

// drain returns every queued datagram plus the number dropped since the
// previous drain, and resets both.
func (q *recvQueue) drain() ([][]byte, uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.entries
	dropped := q.dropped
	q.entries = nil
	q.dropped = 0
	return out, dropped
}

func (q *recvQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
